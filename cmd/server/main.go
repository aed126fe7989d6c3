// StormCloud - sandboxed code execution and AI code editing server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/stormcloud/internal/api"
	"github.com/ashureev/stormcloud/internal/config"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/metrics"
	"github.com/ashureev/stormcloud/internal/middleware"
	"github.com/ashureev/stormcloud/internal/orchestrator"
	"github.com/ashureev/stormcloud/internal/provider"
	"github.com/ashureev/stormcloud/internal/relay"
	"github.com/ashureev/stormcloud/internal/sandbox"
	"github.com/ashureev/stormcloud/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecretGenerated {
		slog.Warn("JWT_SECRET not set, generated an ephemeral secret; tokens will not survive a restart")
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "storage", cfg.StorageDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, store.Options{
		Driver:     cfg.StorageDriver,
		DSN:        cfg.DSN(),
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		RetryDelay: cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runner, err := sandbox.NewDockerRunner(sandbox.Options{
		Image:          cfg.Sandbox.Image,
		Runtime:        cfg.Sandbox.Runtime,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("Failed to initialize sandbox runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	// A missing daemon is not fatal: /execute answers 503 until it comes back.
	if err := runner.EnsureImage(ctx, cfg.Sandbox.PullImage); err != nil {
		slog.Warn("Sandbox image not ready", "error", err)
	}

	registry, err := provider.BuildRegistry(cfg.Providers.Entries, provider.EnvSecrets, &http.Client{Timeout: cfg.Providers.Timeout})
	if err != nil {
		slog.Error("Failed to build provider registry", "error", err)
		os.Exit(1)
	}
	for _, p := range registry.List() {
		slog.Info("Provider registered", "provider", p.ID, "configured", p.Configured, "fallback", p.Fallback)
	}

	// Initialize services.
	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	accounts := identity.NewService(repo, issuer)
	if _, err := accounts.SeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		slog.Error("Failed to seed admin account", "error", err)
		os.Exit(1)
	}
	orch := orchestrator.New(registry, repo, cfg.Providers.Timeout, logger)
	hub := relay.NewHub()

	limiter := newLimiter(ctx, cfg)

	// Initialize handlers.
	limits := sandbox.Limits{
		Timeout:     cfg.Sandbox.Timeout,
		MemoryBytes: int64(cfg.Sandbox.MemoryMB) << 20,
		PidsLimit:   int64(cfg.Sandbox.PidsLimit),
		NanoCPUs:    int64(cfg.Sandbox.CPUs * 1e9),
	}
	healthHandler := api.NewHealthHandler(repo, runner, cfg.Timeout.HealthCheck)
	authHandler := api.NewAuthHandler(accounts, hub)
	executeHandler := api.NewExecuteHandler(runner, repo, hub, limits, cfg.Sandbox.MaxCodeBytes)
	vibeHandler := api.NewVibeHandler(orch, repo, registry, hub)
	wsHandler := relay.NewHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	authHandler.RegisterPublicRoutes(r)
	executeHandler.RegisterConfig(r)
	r.Handle("/metrics", metrics.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(accounts))

		authHandler.RegisterRoutes(r)
		vibeHandler.RegisterRoutes(r)
		r.Get("/ws/events", wsHandler.ServeHTTP)

		// Billable routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, cfg.RateLimit.Window))
			executeHandler.RegisterRoutes(r)
			vibeHandler.RegisterVibe(r)
		})
	})

	// Create server.
	// Websocket event streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the sandbox reaper.
	runner.StartReaper(ctx, cfg.Sandbox.ReapInterval, cfg.Sandbox.ReapAfter)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newLimiter uses Redis when REDIS_ADDR is set so replicas share counters,
// and the in-process window limiter otherwise.
func newLimiter(ctx context.Context, cfg *config.Config) middleware.Limiter {
	if cfg.Redis.Addr != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			slog.Info("Rate limiter using Redis", "addr", cfg.Redis.Addr)
			return middleware.NewRedisLimiter(client, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		}
		slog.Warn("Redis unavailable, falling back to in-process rate limiter", "error", err)
	}
	return middleware.NewWindowLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)
}
