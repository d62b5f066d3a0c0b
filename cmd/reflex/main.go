package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/intentive/reflex/internal/auth"
	"github.com/intentive/reflex/internal/cache"
	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/config"
	"github.com/intentive/reflex/internal/expr"
	"github.com/intentive/reflex/internal/ingest"
	"github.com/intentive/reflex/internal/match"
	"github.com/intentive/reflex/internal/ratelimit"
	"github.com/intentive/reflex/internal/runtime"
	"github.com/intentive/reflex/internal/scheduler"
	"github.com/intentive/reflex/internal/server"
	"github.com/intentive/reflex/internal/storage"
	"github.com/intentive/reflex/internal/telemetry"
	"github.com/intentive/reflex/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("REFLEX_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("reflex starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Redis first: the storage layer maintains the waiting-index
	// through it on every run transition.
	cacheStore, err := cache.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() { _ = cacheStore.Close() }()

	// Connect to Postgres.
	db, err := storage.New(ctx, cfg.DatabaseURL, cacheStore, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run migrations. RunMigrations tracks applied files in schema_migrations
	// and skips duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager. Empty key paths generate an ephemeral keypair,
	// which is fine for single-instance dev but invalidates tokens on restart.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("jwt: using ephemeral keypair, tokens will not survive restarts")
	}

	// Seed the admin user.
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			return fmt.Errorf("hash admin key: %w", err)
		}
		admin, err := db.EnsureAdminUser(ctx, hash)
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		logger.Info("admin user ready", "user_id", admin.ID)
	} else {
		logger.Warn("REFLEX_ADMIN_API_KEY not set, no admin user seeded")
	}

	// Collaborator provider: one HTTP sidecar backs the compiler, classifier,
	// tool runner, text generator and owner resolver. Without a URL all five
	// fall back to noop, which keeps webhook ingestion and run bookkeeping
	// working while actions become no-ops.
	var (
		compiler   collab.Compiler
		classifier collab.Classifier
		tools      collab.ToolRunner
		texts      collab.TextGenerator
		resolver   collab.OwnerResolver
	)
	if cfg.CollabURL != "" {
		p := collab.NewHTTPProvider(cfg.CollabURL, cfg.CollabAPIKey, cfg.CollabTimeout)
		compiler, classifier, tools, texts, resolver = p, p, p, p, p
		logger.Info("collaborators: http", "url", cfg.CollabURL)
	} else {
		n := collab.Noop{}
		compiler, classifier, tools, texts, resolver = n, n, n, n, n
		logger.Info("collaborators: noop (no REFLEX_COLLAB_URL)")
	}

	// Wire the engine core.
	shaper := ingest.NewShaper(db, cacheStore, resolver, logger)
	executor := runtime.New(db, db, tools, texts, classifier, cacheStore, logger)
	matcher := match.New(db, db, classifier, logger)

	// Background loops: event consumer, resumption poller, schedule dispatcher.
	sched := scheduler.New(db, cacheStore, db, executor, matcher, cacheStore, scheduler.Config{
		ResumeInterval:   cfg.ResumeInterval,
		DispatchInterval: cfg.DispatchInterval,
		BatchSize:        cfg.SchedulerBatch,
	}, logger)
	sched.Start(ctx)

	// Rate limiter backed by the shared Redis client.
	limiter := ratelimit.New(cacheStore.Client(), logger)

	// SSE broker fed by the run-update channel.
	broker := server.NewBroker(cacheStore, logger)
	go broker.Start(ctx)

	// Create and start the HTTP server.
	srv := server.New(server.ServerConfig{
		Store:               db,
		JWTMgr:              jwtMgr,
		Ingestor:            shaper,
		Executor:            executor,
		Compiler:            compiler,
		ExprCheck:           expr.Check,
		Logger:              logger,
		Cache:               cacheStore,
		Limiter:             limiter,
		Broker:              broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: stop accepting HTTP
	// requests and drain in-flight handlers first (they may still spawn
	// runs), then let the scheduler finish its current batch.
	slog.Info("reflex shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 15*time.Second)
	sched.Drain(schedCtx)
	schedCancel()

	slog.Info("reflex stopped")
	return nil
}
