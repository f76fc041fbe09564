// Command replayer reconciles LocalCheckpointDB with Store after an outage:
// one-shot with --date YYYY-MM-DD, or continuous with --continuous, waking
// every --interval and targeting the current day.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/checkpoint/sqlite"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/classifier/gemini"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/announcement-pipeline/internal/app"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
)

func main() {
	var (
		date       = flag.String("date", "", "reconcile this single date (YYYY-MM-DD) and exit; without it, one pass for today unless --continuous is set")
		continuous = flag.Bool("continuous", false, "run forever, reconciling the current day every --interval")
		interval   = flag.Duration("interval", 0, "wake-up interval in continuous mode (default from REPLAYER_INTERVAL)")
	)
	flag.Parse()

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
		if err := http.ListenAndServe(":9095", mux); err != nil {
			slog.Error("replayer metrics server error", slog.Any("error", err))
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

	callTimeout, uploadTimeout := cfg.ClassifierTimeouts()
	classifier, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.GeminiModel,
		RPM:           cfg.ClassifierRPM,
		CallTimeout:   callTimeout,
		UploadTimeout: uploadTimeout,
	})
	if err != nil {
		slog.Error("classifier init failed", slog.Any("error", err))
		os.Exit(1)
	}

	replayer := app.NewReplayer(checkpointStore, store, classifier, app.ReplayerConfig{
		BroadcastURL: cfg.BroadcastEndpointURL,
		BatchLimit:   cfg.ReplayerBatchLimit,
	})

	runInterval := cfg.ReplayerInterval
	if *interval > 0 {
		runInterval = *interval
	}

	if *date != "" {
		target, err := time.Parse("2006-01-02", *date)
		if err != nil {
			slog.Error("invalid --date, expected YYYY-MM-DD", slog.Any("error", err))
			os.Exit(1)
		}
		processed, err := replayer.RunOnce(ctx, target)
		if err != nil {
			slog.Error("replayer one-shot pass failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("replayer: reconciled %d row(s) for %s\n", processed, *date)
		return
	}

	if !*continuous {
		processed, err := replayer.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			slog.Error("replayer one-shot pass failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("replayer: reconciled %d row(s) for today\n", processed)
		return
	}

	slog.Info("starting replayer continuous mode", slog.Duration("interval", runInterval))
	if err := replayer.RunContinuous(ctx, runInterval); err != nil {
		slog.Error("replayer continuous mode ended with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("replayer stopped")
}
