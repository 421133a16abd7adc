package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/sumvid/internal/config"
	"github.com/hszk-dev/sumvid/internal/domain/model"
	"github.com/hszk-dev/sumvid/internal/domain/repository"
	"github.com/hszk-dev/sumvid/internal/infrastructure/cache"
	"github.com/hszk-dev/sumvid/internal/infrastructure/postgres"
	"github.com/hszk-dev/sumvid/internal/infrastructure/queue"
	"github.com/hszk-dev/sumvid/internal/usecase"
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

	var store repository.KeyValueStore
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pgClient.Close()
		logger.Info("connected to PostgreSQL")

		kv := postgres.NewKVStore(pgClient.Pool(), nil)
		if err := kv.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare store schema: %w", err)
		}
		store = kv
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
	}

	queueCfg := queue.DefaultClientConfig(cfg.RabbitMQ.URL())
	queueCfg.MaxRetries = cfg.Worker.MaxRetries
	queueClient, err := queue.NewClient(ctx, queueCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	contentCache := usecase.NewContentCache(store, usecase.ContentCacheConfig{TTL: cfg.Cache.TTL})
	processor := usecase.NewEventProcessor(contentCache)

	if removed, err := contentCache.SweepExpired(ctx); err != nil {
		logger.Warn("startup sweep failed", slog.String("error", err.Error()))
	} else {
		logger.Info("startup sweep finished", slog.Int("removed", removed))
	}

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// WaitGroup to track in-flight events
	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming artifact events")
		err := queueClient.ConsumeArtifactEvents(ctx, func(event model.ArtifactEvent) error {
			wg.Add(1)
			defer wg.Done()

			if err := processor.Process(ctx, event); err != nil {
				logger.Error("event processing failed",
					slog.String("event_id", event.ID.String()),
					slog.String("action", string(event.Action)),
					slog.Int("retry_count", event.RetryCount),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop consuming new events
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight events completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, some events may not have completed")
	}

	logger.Info("worker stopped")
	return nil
}
