// Command delayedqueue runs the long-lived DelayedQueueProcessor singleton:
// it releases due jobs from every queue's delayed sorted set back onto the
// immediate queue under an adaptive gap policy.
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

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
	"github.com/fairyhunter13/announcement-pipeline/internal/app"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
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
		if err := http.ListenAndServe(":9096", mux); err != nil {
			slog.Error("delayedqueue metrics server error", slog.Any("error", err))
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

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.RedisDialTimeout,
	})
	defer func() { _ = rdb.Close() }()
	broker := redisbroker.NewBroker(rdb)

	queues := []string{domain.QueueAIProcessing, domain.QueueSupabaseUpload, domain.QueueInvestor}
	processor := app.NewDelayedQueueProcessor(broker, queues, app.DelayedQueueConfig{
		CheckInterval:    cfg.DelayedCheckInterval,
		NormalGapSeconds: cfg.DelayedJobGapSeconds,
		NormalMaxJobs:    cfg.DelayedMaxJobsPerCycle,
		RapidGapSeconds:  cfg.RapidGapWhenEmptySeconds,
		RapidMaxJobs:     cfg.RapidMaxJobsWhenEmpty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting delayed queue processor", slog.Any("queues", queues))
	processor.Run(ctx)
	slog.Info("delayed queue processor stopped")
}
