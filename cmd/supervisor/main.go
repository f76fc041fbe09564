// Command supervisor runs WorkerSupervisor: the long-lived process manager
// that spawns ephemeral aiworker,
// storeworker, and investorworker sessions on queue backlog and keeps
// exactly one delayedqueue child alive.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

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

	specs := []app.QueueWorkerSpec{
		{Queue: domain.QueueAIProcessing, Binary: "aiworker", MaxConcurrent: cfg.SupervisorMaxConcurrentAI, CoolDown: cfg.SupervisorCoolDown, MaxRuntime: cfg.SupervisorMaxRuntime},
		{Queue: domain.QueueSupabaseUpload, Binary: "storeworker", MaxConcurrent: cfg.SupervisorMaxConcurrentStore, CoolDown: cfg.SupervisorCoolDown, MaxRuntime: cfg.SupervisorMaxRuntime},
		{Queue: domain.QueueInvestor, Binary: "investorworker", MaxConcurrent: cfg.SupervisorMaxConcurrentInvestor, CoolDown: cfg.SupervisorCoolDown, MaxRuntime: cfg.SupervisorMaxRuntime},
	}
	if cfg.SupervisorSpecsFile != "" {
		fromFile, err := app.LoadSpecsFromYAML(cfg.SupervisorSpecsFile)
		if err != nil {
			slog.Error("supervisor specs file load failed, falling back to env defaults", slog.Any("error", err))
		} else {
			specs = fromFile
		}
	}

	sup := app.NewSupervisor(broker, specs, "delayedqueue", cfg.SupervisorWorkerLogDir, cfg.SupervisorWorkerBinDir, cfg.SupervisorTickInterval, cfg.SupervisorStatusInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{Addr: ":9097", Handler: promMux()}
	group.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Close()
	})
	group.Go(func() error {
		sup.Run(gctx)
		return nil
	})

	slog.Info("starting worker supervisor", slog.Int("specs", len(specs)))
	if err := group.Wait(); err != nil {
		slog.Error("supervisor exited with error", slog.Any("error", err))
	}
	slog.Info("worker supervisor stopped")
}

func promMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
