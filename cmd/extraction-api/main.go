// Package main provides the extraction engine API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/cache"
	"github.com/docmesh-ai/extraction-engine/internal/config"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

func main() {
	// A .env file is optional; the environment wins either way.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "extraction-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Str("model", cfg.Model.Name).
		Msg("Starting extraction engine API")

	db, err := storage.Open(cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.Migrate(context.Background(), db); err != nil {
		logger.Error().Err(err).Msg("Failed to run migrations")
		os.Exit(1)
	}
	repos := storage.NewRepositories(db)

	cacheClient := buildCache(logger, cfg)
	defer cacheClient.Close()

	reg := registry.NewRegistry(logger, cfg.Extraction.JobRetention)
	defer reg.Close()

	broadcaster := events.NewBroadcaster(logger)

	if cfg.Events.RelayEnabled {
		if pubsub, ok := cacheClient.(cache.PubSub); ok {
			relay := events.NewRelay(logger, pubsub, cfg.Events.RelayChannel, broadcaster)
			if err := relay.Start(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Event relay failed to start, running without it")
			} else {
				defer relay.Close()
			}
		} else {
			logger.Warn().Msg("Event relay needs a pub/sub capable cache driver")
		}
	}

	model := llm.NewClient(llm.Config{
		BaseURL:        cfg.Model.BaseURL,
		APIKey:         cfg.Model.APIKey,
		Model:          cfg.Model.Name,
		MaxTokens:      cfg.Model.MaxTokens,
		Temperature:    cfg.Model.Temperature,
		RequestTimeout: cfg.Model.RequestTimeout,
		MaxRetries:     cfg.Model.MaxRetries,
		RetryBackoff:   cfg.Model.RetryBackoff,
	}, logger)

	backend := extraction.NewStorageBackend(logger, repos, cacheClient, cfg.Cache.TTL)
	notifier := extraction.NewWebhookNotifier(logger, cfg.Webhook.Timeout)
	service := extraction.NewService(
		logger,
		reg,
		broadcaster,
		batch.NewProcessor(logger, cfg.Extraction.MaxConcurrentJobs),
		model,
		backend,
		backend,
		notifier,
		extraction.Config{StreamBufferSize: cfg.Extraction.StreamBufferSize},
	)

	router := NewRouter(logger, cfg, &Dependencies{
		DB:          db,
		Repos:       repos,
		Registry:    reg,
		Broadcaster: broadcaster,
		Service:     service,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

// buildCache picks the configured cache backend, falling back to the memory
// client when Redis is unreachable so the API still comes up.
func buildCache(logger *observability.Logger, cfg *config.Config) cache.Client {
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.KeyPrefix,
		})
		if err == nil {
			logger.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Redis cache connected")
			return client
		}
		logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory cache")
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries)
}
