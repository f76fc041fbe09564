// Command verificationjanitor runs the long-lived VerificationJanitor
// singleton: it keeps the human-verification
// queue honest by expiring stale sessions, releasing orphaned or timed-out
// tasks, and nudging online verifiers when work is queued.
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
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/announcement-pipeline/internal/app"
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
		if err := http.ListenAndServe(":9098", mux); err != nil {
			slog.Error("verificationjanitor metrics server error", slog.Any("error", err))
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
	store := postgres.NewVerificationStore(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.RedisDialTimeout,
	})
	defer func() { _ = rdb.Close() }()
	broker := redisbroker.NewBroker(rdb)

	janitor := app.NewVerificationJanitor(store, broker, cfg.QueueCleanupInterval, cfg.QueueTaskTimeout, cfg.QueueNotifyFanout)

	slog.Info("starting verification janitor")
	janitor.Run(ctx)
	slog.Info("verification janitor stopped")
}
