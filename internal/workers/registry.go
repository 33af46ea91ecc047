package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scholarmesh/orchestrator/internal/metrics"
)

// ErrUnknownKind is returned when no worker is registered for a kind.
var ErrUnknownKind = errors.New("no worker registered for kind")

// Registry maps worker kinds to executors and fronts every invocation with
// per-kind rate limiting, deadline translation, and metrics.
type Registry struct {
	mu       sync.RWMutex
	workers  map[Kind]Worker
	limiters map[Kind]*rate.Limiter
	logger   *zap.Logger
}

// NewRegistry creates an empty worker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		workers:  make(map[Kind]Worker),
		limiters: make(map[Kind]*rate.Limiter),
		logger:   logger,
	}
}

// Register binds a worker to a kind, replacing any previous binding.
// An rpm of 0 disables rate limiting for the kind.
func (r *Registry) Register(kind Kind, w Worker, rpm int) error {
	if !kind.Valid() {
		return fmt.Errorf("register worker: invalid kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[kind] = w
	if rpm > 0 {
		r.limiters[kind] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	} else {
		delete(r.limiters, kind)
	}
	r.logger.Info("Registered worker",
		zap.String("kind", string(kind)),
		zap.Int("rpm", rpm),
	)
	return nil
}

// Get returns the worker bound to kind.
func (r *Registry) Get(kind Kind) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return w, nil
}

// Invoke dispatches a request to the worker for its kind. Deadline expiry is
// surfaced as a TimeoutError so the scheduler can apply its retry policy
// uniformly.
func (r *Registry) Invoke(ctx context.Context, req Request) (*Result, error) {
	w, err := r.Get(req.Kind)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	limiter := r.limiters[req.Kind]
	r.mu.RUnlock()

	start := time.Now()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
	}

	res, err := w.Invoke(ctx, req)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if res.Elapsed == 0 {
			res.Elapsed = elapsed
		}
		metrics.RecordWorkerInvocation(string(req.Kind), string(res.Status), float64(elapsed.Milliseconds()))
		return res, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		metrics.RecordWorkerInvocation(string(req.Kind), string(StatusTimeout), float64(elapsed.Milliseconds()))
		return nil, &TimeoutError{Elapsed: elapsed}
	default:
		var te *TimeoutError
		status := StatusError
		if errors.As(err, &te) {
			status = StatusTimeout
		}
		metrics.RecordWorkerInvocation(string(req.Kind), string(status), float64(elapsed.Milliseconds()))
		return nil, err
	}
}
