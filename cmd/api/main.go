package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/sumvid/internal/api/handler"
	"github.com/hszk-dev/sumvid/internal/api/middleware"
	"github.com/hszk-dev/sumvid/internal/config"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/backend"
	"github.com/hszk-dev/sumvid/internal/infrastructure/cache"
	"github.com/hszk-dev/sumvid/internal/infrastructure/postgres"
	"github.com/hszk-dev/sumvid/internal/infrastructure/queue"
	"github.com/hszk-dev/sumvid/internal/infrastructure/storage"
	"github.com/hszk-dev/sumvid/internal/usecase"
)

const (
	rateLimitSweepInterval = time.Minute
	rateLimitIdle          = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	checks := make(map[string]handler.HealthCheck)

	// Key-value store backing the content cache, usage counters and sessions
	var store repository.KeyValueStore
	var locker repository.Locker
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pgClient.Close()
		logger.Info("connected to PostgreSQL")

		kv := postgres.NewKVStore(pgClient.Pool(), pgClient.NewListener)
		if err := kv.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare store schema: %w", err)
		}
		store = kv
		locker = postgres.NewAdvisoryLocker(pgClient.Pool())
		checks["postgres"] = pgClient.Ping
	default:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis")

		store = cache.NewRedisStore(redisClient)
		locker = cache.NewRedisLocker(redisClient)
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	storageClient, err := storage.NewClient(ctx, storage.ClientConfig{
		Endpoint:       cfg.MinIO.Endpoint,
		PublicEndpoint: cfg.MinIO.PublicEndpoint,
		AccessKey:      cfg.MinIO.AccessKey,
		SecretKey:      cfg.MinIO.SecretKey,
		Bucket:         cfg.MinIO.Bucket,
		UseSSL:         cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO")
	checks["storage"] = storageClient.Ping

	// Leave events as a nil interface when the queue is disabled.
	var events repository.EventPublisher
	if cfg.RabbitMQ.Enabled {
		queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer queueClient.Close()
		logger.Info("connected to RabbitMQ")
		events = queueClient
	}

	// Initialize services
	backendClient := backend.NewClient(backend.ClientConfig{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
	})

	contentCache := usecase.NewContentCache(store, usecase.ContentCacheConfig{TTL: cfg.Cache.TTL})
	if removed, err := contentCache.SweepExpired(ctx); err != nil {
		logger.Warn("startup sweep failed", slog.String("error", err.Error()))
	} else {
		logger.Info("startup sweep finished", slog.Int("removed", removed))
	}

	premium := usecase.NewPremiumCache(backendClient, usecase.PremiumCacheConfig{TTL: cfg.Usage.PremiumCacheTTL})
	usage := usecase.NewUsageLimiter(store, locker, backendClient, premium, usecase.UsageLimiterConfig{
		DefaultLimit:  cfg.Usage.DefaultLimit,
		Window:        cfg.Usage.Window,
		UploadLimit:   cfg.Usage.UploadLimit,
		UploadLogSize: cfg.Usage.UploadLogSize,
		LockTTL:       cfg.Usage.LockTTL,
		LockWait:      cfg.Usage.LockWait,
	})

	coordinator := usecase.NewRegenerationCoordinator(
		contentCache,
		usage,
		backendClient,
		events,
		locker,
		usecase.RegenerationConfig{GenerationTimeout: cfg.Backend.Timeout},
	)
	chat := usecase.NewChatService(contentCache, store, usage, backendClient, locker, usecase.ChatServiceConfig{
		Timeout: cfg.Backend.Timeout,
	})
	uploads := usecase.NewUploadService(usage, storageClient, backendClient, store, usecase.UploadServiceConfig{
		URLExpiry: cfg.MinIO.URLExpiry,
	})
	sessions := usecase.NewSessionService(store)

	go func() {
		if err := usecase.NewSessionWatcher(store, premium).Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("session watcher stopped", slog.String("error", err.Error()))
		}
	}()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Run(ctx, rateLimitSweepInterval, rateLimitIdle)

	r := setupRouter(logger, limiter, handler.NewHealthHandler(checks), []routes{
		handler.NewSessionHandler(sessions),
		handler.NewArtifactHandler(sessions, contentCache, coordinator),
		handler.NewChatHandler(sessions, chat),
		handler.NewUsageHandler(sessions, usage),
		handler.NewUploadHandler(sessions, uploads, cfg.Server.MaxUploadBytes),
		handler.NewMaintenanceHandler(events, contentCache),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// routes is implemented by every /v1 handler.
type routes interface {
	Routes(r chi.Router)
}

func setupRouter(logger *slog.Logger, limiter *middleware.RateLimiter, health *handler.HealthHandler, handlers []routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Credentials)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", health.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter))
		for _, h := range handlers {
			h.Routes(r)
		}
	})

	return r
}
