package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/config"
	"github.com/scholarmesh/orchestrator/internal/connectors"
	"github.com/scholarmesh/orchestrator/internal/critic"
	"github.com/scholarmesh/orchestrator/internal/embeddings"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/health"
	"github.com/scholarmesh/orchestrator/internal/httpapi"
	"github.com/scholarmesh/orchestrator/internal/llm"
	"github.com/scholarmesh/orchestrator/internal/orchestrator"
	"github.com/scholarmesh/orchestrator/internal/planner"
	"github.com/scholarmesh/orchestrator/internal/session"
	"github.com/scholarmesh/orchestrator/internal/structured"
	"github.com/scholarmesh/orchestrator/internal/tracing"
	"github.com/scholarmesh/orchestrator/internal/vectordb"
	"github.com/scholarmesh/orchestrator/internal/workers"
)

// pipeline holds the current orchestrator behind an atomic pointer so config
// reloads can swap in a rebuilt one while requests are in flight.
type pipeline struct {
	ptr atomic.Pointer[orchestrator.Orchestrator]
}

func (p *pipeline) Run(ctx context.Context, task orchestrator.Task) (*session.ConversationTurn, error) {
	return p.ptr.Load().Run(ctx, task)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	watcher, err := config.NewWatcher(config.Path(), logger)
	if err != nil {
		logger.Fatal("Failed to start config watcher", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without tracing", zap.Error(err))
	}
	defer tracing.Shutdown(context.Background())

	circuitbreaker.StartMetricsCollection()

	sessions, err := session.NewManager(cfg.Redis.Addr, logger)
	if err != nil {
		logger.Fatal("Failed to connect to session store", zap.Error(err))
	}
	defer sessions.Close()

	healthMgr := health.NewManager(logger)
	healthMgr.RegisterChecker(health.NewRedisChecker(sessions.RedisWrapper()))

	embedder := embeddings.NewService(embeddings.Config{
		BaseURL:      cfg.Embeddings.BaseURL,
		DefaultModel: cfg.Embeddings.DefaultModel,
	}, embeddings.NewRedisCache(sessions.RedisWrapper()))

	vectorStore := vectordb.NewStore(vectordb.Config{
		Host:           cfg.VectorDB.Host,
		Port:           cfg.VectorDB.Port,
		Collection:     cfg.VectorDB.Collection,
		TopK:           cfg.VectorDB.TopK,
		ScoreThreshold: cfg.VectorDB.ScoreThreshold,
	}, embedder, logger)

	sources := []workers.Source{vectorStore}
	for _, cc := range cfg.Connectors {
		sources = append(sources, connectors.New(connectors.Config{
			Name:    cc.Name,
			BaseURL: cc.BaseURL,
			APIKey:  cc.APIKey,
		}, logger))
	}

	registry := workers.NewRegistry(logger)
	mustRegister(logger, registry, workers.KindRetrieval,
		workers.NewRetrievalWorker(sources, cfg.VectorDB.TopK, logger),
		cfg.Orchestration.RetrievalRPM)

	if cfg.Database.DSN != "" {
		store, err := structured.NewStore(structured.Config{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to open structured store", zap.Error(err))
		}
		defer store.Close()
		healthMgr.RegisterChecker(health.NewDatabaseChecker(store.Wrapper()))
		mustRegister(logger, registry, workers.KindStructured,
			workers.NewStructuredWorker(store, cfg.VectorDB.TopK, logger),
			cfg.Orchestration.StructuredRPM)
	} else {
		logger.Info("Structured store disabled, no database DSN configured")
	}

	llmClient := llm.NewHTTPClient(cfg.LLM.BaseURL, cfg.Orchestration.NodeTimeout, logger)
	mustRegister(logger, registry, workers.KindGeneration,
		workers.NewGenerationWorker(llmClient, logger),
		cfg.Orchestration.GenerationRPM)

	rules := planner.DefaultRules()
	if cfg.Planner.RulesFile != "" {
		rules, err = planner.LoadRulesFile(cfg.Planner.RulesFile)
		if err != nil {
			logger.Fatal("Failed to load planner rules", zap.Error(err))
		}
	}

	pipe := &pipeline{}
	pipe.ptr.Store(buildOrchestrator(cfg, rules, registry, sessions, logger))
	watcher.OnChange(func(next *config.Config) {
		pipe.ptr.Store(buildOrchestrator(next, rules, registry, sessions, logger))
	})
	watcher.Start(ctx)
	defer watcher.Stop()

	mux := http.NewServeMux()
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	httpapi.NewTaskHandler(pipe, sessions, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", httpPort(cfg)),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Orchestration.TaskTimeout + 30*time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
}

// buildOrchestrator assembles the full answering pipeline from one config
// snapshot. Called at startup and again on every valid config reload.
func buildOrchestrator(
	cfg *config.Config,
	rules planner.Rules,
	registry *workers.Registry,
	sessions *session.Manager,
	logger *zap.Logger,
) *orchestrator.Orchestrator {
	p := planner.New(rules, cfg.Orchestration.MaxRounds, logger)
	fuser := evidence.NewFuser(evidence.FuserConfig{
		TopK:     cfg.Fusion.TopK,
		Priority: fusionPriority(cfg.Fusion.Priority),
	}, logger)
	cr := critic.New(nil, logger)
	return orchestrator.New(p, registry, fuser, cr, sessions, orchestrator.Config{
		MaxRetries:   cfg.Orchestration.MaxRetries,
		NodeTimeout:  cfg.Orchestration.NodeTimeout,
		TaskTimeout:  cfg.Orchestration.TaskTimeout,
		HistoryTurns: cfg.Orchestration.HistoryTurns,
	}, logger)
}

// fusionPriority maps configured source names onto kinds, dropping unknowns.
func fusionPriority(names []string) []evidence.SourceKind {
	kinds := make([]evidence.SourceKind, 0, len(names))
	for _, n := range names {
		if k := evidence.SourceKind(n); k.Valid() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func mustRegister(logger *zap.Logger, r *workers.Registry, kind workers.Kind, w workers.Worker, rpm int) {
	if err := r.Register(kind, w, rpm); err != nil {
		logger.Fatal("Failed to register worker", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func httpPort(cfg *config.Config) int {
	if p := os.Getenv("HTTP_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			return n
		}
	}
	if cfg.Metrics.Port > 0 {
		return cfg.Metrics.Port
	}
	return 2112
}
