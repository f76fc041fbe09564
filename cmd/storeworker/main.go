// Command storeworker runs one ephemeral StoreWorker session: it persists a
// bounded batch of classified filings to Store, notifies BroadcastFrontend,
// and cascades investor-analysis jobs, then exits.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/checkpoint/sqlite"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
	"github.com/fairyhunter13/announcement-pipeline/internal/worker/storeworker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9094", mux); err != nil {
			slog.Error("storeworker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	checkpointStore, err := sqlite.Open(cfg.CheckpointDBPath)
	if err != nil {
		slog.Error("checkpoint db open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = checkpointStore.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.RedisDialTimeout,
	})
	defer func() { _ = rdb.Close() }()
	broker := redisbroker.NewBroker(rdb)

	w := storeworker.New(broker, store, checkpointStore, storeworker.Config{
		MaxJobsPerSession: cfg.AIWorkerMaxJobsPerSession,
		IdleTimeout:       cfg.AIWorkerIdleTimeout,
		JobTimeout:        cfg.StoreWorkerJobTimeout,
		MaxRetries:        cfg.StoreWorkerMaxRetries,
		ProcessingTTL:     cfg.StoreWorkerProcessingTTL,
		BroadcastURL:      cfg.BroadcastEndpointURL,
	})

	slog.Info("starting storeworker session")
	if err := w.Run(ctx); err != nil {
		slog.Error("storeworker session ended with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("storeworker session finished")
}
