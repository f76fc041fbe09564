// Command scraper-bse polls the BSE corporate announcements feed on a fixed
// interval, persists every fetch to the local checkpoint database, and
// enqueues new filings for AIWorker pickup.
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
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/scraper/bse"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
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
		if err := http.ListenAndServe(":9091", mux); err != nil {
			slog.Error("scraper-bse metrics server error", slog.Any("error", err))
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

	scraper := bse.New(checkpointStore, broker, cfg.ScraperDataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting bse scraper", slog.Duration("poll_interval", cfg.BSEPollInterval))
	if err := scraper.Run(ctx, cfg.BSEPollInterval); err != nil {
		slog.Error("bse scraper stopped with error", slog.Any("error", err))
	}
	slog.Info("bse scraper stopped")
}
