package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the freshly loaded config after a file change.
type ChangeHandler func(*Config)

// Watcher hot-reloads the config file and fans valid updates out to
// registered handlers. Invalid updates are logged and dropped; the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	handlers []ChangeHandler
	current  *Config
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher over the given config file, seeded with its
// current contents.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and configmap mounts replace files via
	// rename, which a file-level watch would lose.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fsw,
		current:  cfg,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange registers a handler invoked for every valid reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start runs the watch loop until the context ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Rejecting config reload, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.current = cfg
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.Int("max_rounds", cfg.Orchestration.MaxRounds),
		zap.Int("fusion_top_k", cfg.Fusion.TopK),
	)
	for _, h := range handlers {
		h(cfg)
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.watcher.Close()
}
