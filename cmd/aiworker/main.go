// Command aiworker runs one ephemeral AIWorker session: it classifies a
// bounded batch of queued filings and exits, relying on WorkerSupervisor to
// relaunch it while ai_processing has backlog.
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

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/classifier/gemini"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
	"github.com/fairyhunter13/announcement-pipeline/internal/service/ratelimiter"
	"github.com/fairyhunter13/announcement-pipeline/internal/worker/aiworker"
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
		if err := http.ListenAndServe(":9093", mux); err != nil {
			slog.Error("aiworker metrics server error", slog.Any("error", err))
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

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.RedisDialTimeout,
	})
	defer func() { _ = rdb.Close() }()
	broker := redisbroker.NewBroker(rdb)

	var fleetLimiter ratelimiter.Limiter
	if cfg.ClassifierFleetRPM > 0 {
		fleetLimiter = ratelimiter.NewRedisLuaLimiter(rdb, nil, map[string]ratelimiter.BucketConfig{
			gemini.FleetBucketKey: ratelimiter.NewBucketConfigFromPerMinute(cfg.ClassifierFleetRPM),
		})
	}

	callTimeout, uploadTimeout := cfg.ClassifierTimeouts()
	classifier, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.GeminiModel,
		RPM:           cfg.ClassifierRPM,
		FleetLimiter:  fleetLimiter,
		CallTimeout:   callTimeout,
		UploadTimeout: uploadTimeout,
	})
	if err != nil {
		slog.Error("classifier init failed", slog.Any("error", err))
		os.Exit(1)
	}

	w := aiworker.New(broker, store, classifier, cfg.AIWorkerMaxJobsPerSession, cfg.AIWorkerIdleTimeout)
	slog.Info("starting aiworker session", slog.Int("max_jobs", cfg.AIWorkerMaxJobsPerSession))
	if err := w.Run(ctx); err != nil {
		slog.Error("aiworker session ended with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("aiworker session finished")
}
