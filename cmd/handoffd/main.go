// Package main is the entry point for the handoff coordination server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/collab"
	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/idempotency"
	"github.com/carewire/handoff/internal/intake"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/internal/session"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/internal/transport"
	"github.com/carewire/handoff/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "handoffd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	store, storeCloser, err := buildCaseStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	sessions, err := buildSessionManager(cfg.Session)
	if err != nil {
		logger.Error("session manager initialization failed", zap.Error(err))
		return 1
	}

	validator, err := intake.New(cfg.Intake.SchemaFile)
	if err != nil {
		logger.Error("intake schema load failed", zap.Error(err))
		return 1
	}

	services, err := collab.NewServices(cfg.Collaborators, metrics)
	if err != nil {
		logger.Error("collaborator client initialization failed", zap.Error(err))
		return 1
	}

	hub := stream.NewHub(cfg.Stream.SubscriberBuffer)
	journal := workflow.NewJournal(store, hub, metrics)
	executor := workflow.NewExecutor(journal, workflow.Services{
		Docparse:  services.Docparse,
		Extract:   services.Extract,
		Voice:     services.Voice,
		Directory: services.Directory,
	}, cfg.Workflow.StepTimeout, logger, metrics)
	coordinator := workflow.NewCoordinator(store, journal, executor, cfg.Workflow, logger, metrics)
	coordinator.StartSweeper()

	readiness := observability.ReadinessChecks{}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.CaseStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Hub:         hub,
		Journal:     journal,
		Coordinator: coordinator,
		Idempotency: idemStore,
		Sessions:    sessions,
		Intake:      validator,
		Metrics:     metrics,
		Readiness:   readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// WriteTimeout stays zero so stream responses can outlive it; the
		// handler timeout middleware bounds everything else.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests, then let
	// running case workflows finish journaling.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}

	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCaseStore creates the case store based on config and runs migrations
// for the SQL drivers.
func buildCaseStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (casestore.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory case store")
		return casestore.NewMemoryStore(), nil, nil

	case "sqlite":
		store, err := casestore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("case store: migrate: %w", err)
		}
		return store, func() { store.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}

		store := casestore.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: migrate: %w", err)
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nil when submission deduplication is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil

	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildSessionManager creates the case session manager when sessions are
// enabled. The signing key is read from the configured environment variable.
func buildSessionManager(cfg config.SessionConfig) (*session.Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	key := os.Getenv(cfg.SigningKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("session manager: %s environment variable not set", cfg.SigningKeyEnv)
	}
	return session.NewManager([]byte(key), cfg.TTL)
}
