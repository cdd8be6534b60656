package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/affsync/service/config"
	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/metrics"
	natspkg "github.com/brojonat/affsync/service/nats"
	"github.com/brojonat/affsync/service/platform"
	"github.com/brojonat/affsync/service/ratelimit"
	"github.com/brojonat/affsync/service/reconcile"
	"github.com/brojonat/affsync/service/syncer"
	"github.com/brojonat/affsync/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store := db.NewStore(dbPool, metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// One coordinator per process: every platform shares the upstream quota.
	coordinator, err := ratelimit.New(ratelimit.Config{
		MaxPerMinute: cfg.RateMaxPerMinute,
		MaxPerDay:    cfg.RateMaxPerDay,
		Location:     cfg.RateLocation,
	}, ratelimit.WithMetrics(metricsCollector), ratelimit.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create rate coordinator", "error", err)
		os.Exit(1)
	}

	defs, err := platform.LoadDefinitions(cfg.PlatformsFile)
	if err != nil {
		logger.Error("failed to load platform definitions", "file", cfg.PlatformsFile, "error", err)
		os.Exit(1)
	}
	registry, err := platform.BuildRegistry(defs, coordinator, nil, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build platform registry", "error", err)
		os.Exit(1)
	}
	logger.Info("platform adapters ready", "platforms", registry.Names())

	engine := reconcile.NewEngine(store, reconcile.Config{
		RejectionPolicy: cfg.RejectionPolicy,
		SourceLocation:  cfg.SourceLocation,
	}, metricsCollector, logger)

	// Ledger events are best-effort; the worker still syncs without NATS.
	var publisher syncer.PublisherInterface
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Warn("NATS unavailable, ledger events disabled", "url", cfg.NATSURL, "error", err)
	} else {
		defer natsPublisher.Close()
		publisher = natsPublisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	orchestrator := syncer.NewOrchestrator(store, engine, registry, publisher, syncer.Config{
		SafetyMargin: cfg.SyncSafetyMargin,
		MaxPages:     cfg.SyncMaxPages,
	}, metricsCollector, logger)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: opsHandler(coordinator),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Orchestrator:      orchestrator,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// opsHandler serves /metrics, /health and the current quota counters.
func opsHandler(coordinator *ratelimit.Coordinator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /quota", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coordinator.Stats())
	})
	return mux
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	level, err := config.ParseLogLevel(levelStr)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
