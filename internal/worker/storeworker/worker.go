// Package storeworker implements the ephemeral StoreWorker: durably
// persist a validated classification to Store, notify BroadcastFrontend,
// advance the local checkpoint row, and cascade the investor-analysis job.
// Each job body runs isolated in its own goroutine with a hard deadline
// and its own checked-out Store connection.
package storeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/app"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var tracer = otel.Tracer("worker.store")

const (
	sourceQueue   = domain.QueueSupabaseUpload
	investorQueue = domain.QueueInvestor
	failedQueue   = domain.QueueFailedJobs
)

// Worker is one ephemeral StoreWorker session.
type Worker struct {
	broker       domain.QueueBroker
	store        domain.Store
	checkpoint   domain.CheckpointStore
	httpClient   *http.Client
	broadcastURL string
	workerID     string

	maxJobsPerSession int
	idleTimeout       time.Duration
	jobTimeout        time.Duration
	maxRetries        int
	processingTTL     time.Duration
}

// Config bounds a StoreWorker session.
type Config struct {
	MaxJobsPerSession int
	IdleTimeout       time.Duration
	JobTimeout        time.Duration
	MaxRetries        int
	ProcessingTTL     time.Duration
	BroadcastURL      string
}

// New builds a StoreWorker session.
func New(broker domain.QueueBroker, store domain.Store, checkpoint domain.CheckpointStore, cfg Config) *Worker {
	return &Worker{
		broker:            broker,
		store:             store,
		checkpoint:        checkpoint,
		httpClient:        &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		broadcastURL:      cfg.BroadcastURL,
		workerID:          uuid.NewString(),
		maxJobsPerSession: cfg.MaxJobsPerSession,
		idleTimeout:       cfg.IdleTimeout,
		jobTimeout:        cfg.JobTimeout,
		maxRetries:        cfg.MaxRetries,
		processingTTL:     cfg.ProcessingTTL,
	}
}

func (w *Worker) processingList() string { return "supabase_upload_proc:" + w.workerID }
func (w *Worker) metaKey() string        { return "supabase_upload_meta:" + w.workerID }
func (w *Worker) payloadKey() string     { return "supabase_upload_payload:" + w.workerID }

// Run drives the sweeper in the background and processes jobs until the
// session bound is reached, idleTimeout elapses, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sweeper := app.NewRequeueSweeper(w.broker, w.processingList(), w.metaKey(), w.payloadKey(), sourceQueue, w.processingTTL, w.processingTTL/2)
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go sweeper.Run(sweepCtx)

	processed := 0
	for processed < w.maxJobsPerSession {
		if ctx.Err() != nil {
			return nil
		}
		payload, ok, err := w.broker.BlockMoveToProcessing(ctx, sourceQueue, w.processingList(), w.idleTimeout)
		if err != nil {
			return fmt.Errorf("op=storeworker.Run.blockmove: %w", err)
		}
		if !ok {
			slog.Info("store worker: idle timeout reached, exiting", slog.String("worker_id", w.workerID))
			return nil
		}

		jobID := w.trackMeta(ctx, payload)
		w.handleOne(ctx, payload, jobID)
		processed++
	}
	slog.Info("store worker: session job budget reached, exiting", slog.String("worker_id", w.workerID), slog.Int("processed", processed))
	return nil
}

// trackMeta records processing_meta/processing_payload so the requeue
// sweeper can recover this job if the worker crashes mid-flight.
func (w *Worker) trackMeta(ctx context.Context, payload []byte) string {
	var probe struct {
		JobID string `json:"job_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	if probe.JobID == "" {
		return ""
	}
	_ = w.broker.HSet(ctx, w.metaKey(), probe.JobID, time.Now().UTC().Format(time.RFC3339))
	_ = w.broker.HSet(ctx, w.payloadKey(), probe.JobID, string(payload))
	return probe.JobID
}

func (w *Worker) clearMeta(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	_ = w.broker.HDel(ctx, w.metaKey(), jobID)
	_ = w.broker.HDel(ctx, w.payloadKey(), jobID)
}

func (w *Worker) handleOne(ctx context.Context, payload []byte, jobID string) {
	ctx, span := tracer.Start(ctx, "Worker.handleOne")
	defer span.End()
	observability.StartProcessingJob("supabase_upload")

	var job domain.SupabaseUploadJob
	if err := json.Unmarshal(payload, &job); err != nil {
		slog.Error("store worker: invalid payload, dead-lettering", slog.Any("error", err))
		w.deadLetter(ctx, payload, err.Error())
		w.finish(ctx, payload, jobID)
		observability.FailJob("supabase_upload")
		return
	}
	span.SetAttributes(attribute.String("corp_id", job.CorpID), attribute.String("job_id", job.JobID))

	unitCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	resultCh := make(chan error, 1)
	go func() { resultCh <- w.runUnit(unitCtx, job) }()

	var unitErr error
	select {
	case unitErr = <-resultCh:
	case <-unitCtx.Done():
		unitErr = fmt.Errorf("store worker: job unit timed out after %s: %w", w.jobTimeout, unitCtx.Err())
	}
	cancel()

	if unitErr == nil {
		w.finish(ctx, payload, jobID)
		observability.CompleteJob("supabase_upload")
		slog.Info("store worker: job processed", slog.String("corp_id", job.CorpID))
		return
	}

	slog.Warn("store worker: job unit failed", slog.String("corp_id", job.CorpID), slog.Any("error", unitErr))
	job.RetryCount++
	if job.RetryCount <= w.maxRetries {
		retried, err := json.Marshal(job)
		if err == nil {
			if pushErr := w.broker.Push(ctx, sourceQueue, retried); pushErr != nil {
				slog.Error("store worker: failed to re-push retry", slog.Any("error", pushErr))
			}
		}
	} else {
		w.deadLetter(ctx, payload, unitErr.Error())
	}
	w.finish(ctx, payload, jobID)
	observability.FailJob("supabase_upload")
}

func (w *Worker) finish(ctx context.Context, payload []byte, jobID string) {
	_ = w.broker.RemoveFromProcessing(ctx, w.processingList(), payload)
	w.clearMeta(ctx, jobID)
}

// runUnit is the isolated job body: its own Store round trips, the
// broadcast POST, the checkpoint update, and the conditional
// financial-result/investor cascades.
func (w *Worker) runUnit(ctx context.Context, job domain.SupabaseUploadJob) error {
	filing := job.ProcessedData
	// The stored row keeps the exchange's own summary line in summary and
	// the classifier's text in ai_summary.
	if job.OriginalSummary != "" {
		filing.Summary = job.OriginalSummary
	}

	exists, err := w.store.FilingExists(ctx, filing.CorpID)
	if err != nil {
		return fmt.Errorf("op=storeworker.runUnit.exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := w.store.InsertFiling(ctx, filing); err != nil {
		return fmt.Errorf("op=storeworker.runUnit.insert: %w", err)
	}

	if err := w.store.IncrementCategoryCount(ctx, filing.Date, filing.Category); err != nil {
		slog.Warn("store worker: category counter update failed, continuing", slog.Any("error", err))
	}

	w.postBroadcast(ctx, filing)

	if w.checkpoint != nil {
		now := time.Now().UTC()
		if err := w.checkpoint.UpdateCheckpoint(ctx, filing.NewsID, domain.CheckpointRow{
			NewsID:           filing.NewsID,
			SentToSupabase:   true,
			SentToSupabaseAt: &now,
		}); err != nil {
			slog.Warn("store worker: checkpoint update failed, continuing", slog.Any("error", err))
		}
	}

	if job.Classification.FinData != nil {
		if err := w.store.UpsertFinancialResult(ctx, filing.ISIN, *job.Classification.FinData); err != nil {
			slog.Warn("store worker: financial-results upsert failed, continuing", slog.Any("error", err))
		}
	}

	if len(job.Classification.IndividualInvestorList) > 0 || len(job.Classification.CompanyInvestorList) > 0 {
		w.enqueueInvestorJob(ctx, job)
	}
	return nil
}

// postBroadcast POSTs the accepted filing to BroadcastFrontend's intake
// endpoint. Best-effort: a broadcast failure never fails the job, since
// the filing is already durably stored.
func (w *Worker) postBroadcast(ctx context.Context, f domain.StoredFiling) {
	if w.broadcastURL == "" {
		return
	}
	payload := map[string]string{
		"corp_id":      f.CorpID,
		"category":     f.Category,
		"summary":      f.Summary,
		"ai_summary":   f.AISummary,
		"isin":         f.ISIN,
		"symbol":       f.Symbol,
		"company_name": f.CompanyName,
		"date":         f.Date.Format("2006-01-02"),
		"file_url":     f.FileURL,
		"headline":     f.Headline,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("store worker: failed to marshal broadcast payload", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.broadcastURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("store worker: failed to build broadcast request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	breaker := observability.GetCircuitBreaker("broadcast", 5, 30*time.Second)
	err = breaker.Call(func() error {
		resp, doErr := w.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("broadcast endpoint returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		slog.Warn("store worker: broadcast POST failed", slog.Any("error", err))
	}
}

func (w *Worker) enqueueInvestorJob(ctx context.Context, job domain.SupabaseUploadJob) {
	investorJob := domain.InvestorAnalysisJob{
		JobEnvelope: domain.JobEnvelope{
			JobID:      uuid.NewString(),
			Kind:       domain.JobKindInvestor,
			CorpID:     job.ProcessedData.CorpID,
			CreatedAt:  time.Now().UTC(),
			MaxRetries: 3,
			TimeoutSec: 60,
		},
		Category:            job.ProcessedData.Category,
		IndividualInvestors:  job.Classification.IndividualInvestorList,
		CompanyInvestors:     job.Classification.CompanyInvestorList,
	}
	out, err := json.Marshal(investorJob)
	if err != nil {
		slog.Warn("store worker: failed to marshal investor job", slog.Any("error", err))
		return
	}
	if err := w.broker.Push(ctx, investorQueue, out); err != nil {
		slog.Warn("store worker: failed to enqueue investor job", slog.Any("error", err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, payload []byte, reason string) {
	failed := domain.FailedJob{
		JobEnvelope: domain.JobEnvelope{
			JobID:     uuid.NewString(),
			Kind:      domain.JobKindFailed,
			CreatedAt: time.Now().UTC(),
		},
		OriginalJobType: domain.JobKindSupabaseUpload,
		OriginalPayload: payload,
		ErrorMessage:    reason,
		FailedAt:        time.Now().UTC(),
	}
	out, err := json.Marshal(failed)
	if err != nil {
		slog.Error("store worker: failed to marshal dead letter", slog.Any("error", err))
		return
	}
	if err := w.broker.Push(ctx, failedQueue, out); err != nil {
		slog.Error("store worker: failed to push dead letter", slog.Any("error", err))
	}
}
