// Package main is the entrypoint for the Otto analysis orchestration server.
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

	"github.com/ottocrm/otto/internal/api"
	"github.com/ottocrm/otto/internal/api/handler"
	mw "github.com/ottocrm/otto/internal/api/middleware"
	"github.com/ottocrm/otto/internal/api/response"
	"github.com/ottocrm/otto/internal/breaker"
	"github.com/ottocrm/otto/internal/cache"
	"github.com/ottocrm/otto/internal/config"
	"github.com/ottocrm/otto/internal/dispatch"
	"github.com/ottocrm/otto/internal/jobs"
	"github.com/ottocrm/otto/internal/shunya"
	"github.com/ottocrm/otto/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "shunya_base_url", cfg.Shunya.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build the external service client
	var breakerStore breaker.Store
	if cfg.Breaker.Backend == "redis" {
		breakerStore = breaker.NewRedisStore(redisCache)
	} else {
		breakerStore = breaker.NewMemoryStore()
	}
	brk := breaker.New(breakerStore, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	gateway := shunya.NewHTTPGateway(shunya.NewSignedClient(cfg.Shunya, brk))

	// 6. Create store and job pipeline
	pgStore := store.NewPostgresStore(pool)
	dispatcher := dispatch.NewPostgresDispatcher(pool)
	completer := jobs.NewCompleter(pgStore, redisCache, dispatcher)
	orchestrator := jobs.NewOrchestrator(pgStore, redisCache, gateway, cfg.Orchestrator)
	reconciler := jobs.NewReconciler(pgStore, redisCache, gateway, completer, orchestrator,
		cfg.Reconciler, cfg.Orchestrator.JobCeiling)

	go reconciler.Run(ctx)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMin)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),
		ShunyaWebhookHandler: handler.NewShunyaWebhookHandler(handler.WebhookDeps{
			Store:     pgStore,
			Completer: completer,
			Secret:    cfg.Shunya.WebhookSecret,
			Tolerance: cfg.Webhook.TimestampTolerance,
		}),

		CreateJobHandler:   handler.NewCreateJobHandler(orchestrator),
		GetJobHandler:      handler.NewGetJobHandler(pgStore),
		ListJobsHandler:    handler.NewListJobsHandler(pgStore),
		ResubmitJobHandler: handler.NewResubmitJobHandler(orchestrator),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
