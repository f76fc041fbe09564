// Package aiworker implements the ephemeral AIWorker: turn one raw
// announcement into a validated classification and enqueue the
// store-upload job, processing a bounded
// number of jobs per process lifetime before exiting for the supervisor to
// respawn.
package aiworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var tracer = otel.Tracer("worker.ai")

const (
	sourceQueue = domain.QueueAIProcessing
	failedQueue = domain.QueueFailedJobs
	lockTTL     = 10 * time.Minute
	// backoffBase of 150s makes the first session-exhaustion defer (at
	// RetryCount=3, exp=3/3=1) land on 300s = 5 minutes.
	backoffBase = 150.0
	backoffMax  = 3600.0
)

// Worker is one ephemeral AIWorker session.
type Worker struct {
	broker     domain.QueueBroker
	store      domain.Store
	classifier domain.Classifier
	httpClient *http.Client
	workerID   string
	retryCfg   domain.RetryConfig

	maxJobsPerSession int
	idleTimeout       time.Duration
}

// New builds an AIWorker session bounded by maxJobsPerSession/idleTimeout.
func New(broker domain.QueueBroker, store domain.Store, classifier domain.Classifier, maxJobsPerSession int, idleTimeout time.Duration) *Worker {
	return &Worker{
		broker:            broker,
		store:             store,
		classifier:        classifier,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		workerID:          uuid.NewString(),
		retryCfg:          domain.DefaultRetryConfig(),
		maxJobsPerSession: maxJobsPerSession,
		idleTimeout:       idleTimeout,
	}
}

// Run processes jobs until maxJobsPerSession is reached, idleTimeout elapses
// with no work, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	processingList := "ai_processing_proc:" + w.workerID
	processed := 0

	for processed < w.maxJobsPerSession {
		if ctx.Err() != nil {
			return nil
		}
		payload, ok, err := w.broker.BlockMoveToProcessing(ctx, sourceQueue, processingList, w.idleTimeout)
		if err != nil {
			return fmt.Errorf("op=aiworker.Run.blockmove: %w", err)
		}
		if !ok {
			slog.Info("ai worker: idle timeout reached, exiting", slog.String("worker_id", w.workerID))
			return nil
		}

		w.handleOne(ctx, payload, processingList)
		processed++
	}
	slog.Info("ai worker: session job budget reached, exiting", slog.String("worker_id", w.workerID), slog.Int("processed", processed))
	return nil
}

func (w *Worker) handleOne(ctx context.Context, payload []byte, processingList string) {
	ctx, span := tracer.Start(ctx, "Worker.handleOne")
	defer span.End()

	var job domain.AIProcessingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		slog.Error("ai worker: invalid payload, dead-lettering", slog.Any("error", err))
		w.deadLetter(ctx, domain.JobKindAIProcessing, payload, err.Error())
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		return
	}
	span.SetAttributes(attribute.String("corp_id", job.CorpID), attribute.String("job_id", job.JobID))
	observability.StartProcessingJob("ai_processing")

	lockKey := fmt.Sprintf("worker_processing:%s:%s", job.CorpID, job.JobID)
	acquired, err := w.broker.AcquireLock(ctx, lockKey, w.workerID, lockTTL)
	if err != nil {
		slog.Error("ai worker: lock acquire failed", slog.Any("error", err))
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		return
	}
	if !acquired {
		slog.Debug("ai worker: job already owned by another worker, skipping", slog.String("job_id", job.JobID))
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		return
	}
	defer func() { _ = w.broker.ReleaseLock(ctx, lockKey, w.workerID) }()

	if exists, err := w.store.FilingExists(ctx, job.CorpID); err == nil && exists {
		slog.Info("ai worker: filing already stored, skipping", slog.String("corp_id", job.CorpID))
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		observability.CompleteJob("ai_processing")
		return
	}

	result, attempts, classifyErr := w.classifyWithRetry(ctx, job)
	if classifyErr != nil {
		if ctx.Err() != nil {
			// Shutting down mid-job: put it back on the queue intact.
			cleanup := context.WithoutCancel(ctx)
			if err := w.broker.Push(cleanup, sourceQueue, payload); err != nil {
				slog.Error("ai worker: failed to return job on shutdown", slog.Any("error", err))
			}
			_ = w.broker.RemoveFromProcessing(cleanup, processingList, payload)
			return
		}
		w.deferOrDeadLetter(ctx, job, payload, classifyErr, attempts)
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		observability.FailJob("ai_processing")
		return
	}

	uploadJob := domain.SupabaseUploadJob{
		JobEnvelope: domain.JobEnvelope{
			JobID:      uuid.NewString(),
			Kind:       domain.JobKindSupabaseUpload,
			CorpID:     job.CorpID,
			CreatedAt:  time.Now().UTC(),
			MaxRetries: 3,
			TimeoutSec: 60,
		},
		ProcessedData: domain.StoredFiling{
			CorpID:      job.CorpID,
			NewsID:      job.Announcement.NewsID,
			SecurityID:  job.Announcement.SecurityID,
			ISIN:        job.Announcement.ISIN,
			Symbol:      job.Announcement.Symbol,
			CompanyName: job.Announcement.CompanyName,
			Category:    result.Category,
			Headline:    result.Headline,
			AISummary:   result.Summary,
			Sentiment:   result.Sentiment,
			FileURL:     job.PDFURL,
			Date:        job.Announcement.EventDatetime,
		},
		Classification:  result,
		OriginalSummary: job.Announcement.RawHeadline,
	}
	out, err := json.Marshal(uploadJob)
	if err != nil {
		slog.Error("ai worker: failed to marshal upload job", slog.Any("error", err))
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		observability.FailJob("ai_processing")
		return
	}
	if err := w.broker.Push(ctx, domain.QueueSupabaseUpload, out); err != nil {
		slog.Error("ai worker: failed to enqueue upload job", slog.Any("error", err))
		_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
		observability.FailJob("ai_processing")
		return
	}

	_ = w.broker.RemoveFromProcessing(ctx, processingList, payload)
	observability.CompleteJob("ai_processing")
	observability.RecordCategory(result.Category)
	slog.Info("ai worker: job processed", slog.String("corp_id", job.CorpID), slog.String("category", result.Category))
}

// classify applies the negative-keyword shortcut, otherwise runs the
// PDF or text classification path and validates the returned category.
func (w *Worker) classify(ctx context.Context, job domain.AIProcessingJob) (domain.ClassificationResult, error) {
	if domain.ShouldShortCircuit(job.Announcement.RawHeadline) {
		return domain.ShortCircuitResult(job.Announcement.RawHeadline), nil
	}

	if job.PDFURL != "" {
		path, err := w.downloadPDF(ctx, job.PDFURL, job.Announcement.NewsID)
		if err != nil {
			return domain.ClassificationResult{}, fmt.Errorf("download pdf: %w", err)
		}
		defer os.Remove(path)
		return w.classifier.ClassifyPDF(ctx, path, job.Announcement.RawHeadline)
	}
	return w.classifier.ClassifyText(ctx, job.Announcement.RawHeadline, job.Announcement.RawHeadline)
}

func (w *Worker) downloadPDF(ctx context.Context, url, newsID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d downloading pdf", resp.StatusCode)
	}

	path := filepath.Join(os.TempDir(), "ann-"+newsID+".pdf")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}

// classifyWithRetry runs the classification with in-process retries: each
// failure advances a RetryInfo, and retryable errors are re-attempted after
// its exponential backoff until the config's bound is hit. Returns how many
// failed attempts were burned so the caller can fold them into the job's
// cross-session retry count.
func (w *Worker) classifyWithRetry(ctx context.Context, job domain.AIProcessingJob) (domain.ClassificationResult, int, error) {
	ri := domain.RetryInfo{MaxAttempts: w.retryCfg.MaxRetries}
	for {
		result, err := w.classify(ctx, job)
		if err == nil {
			return result, ri.AttemptCount, nil
		}
		ri.UpdateRetryAttempt(err)
		if !ri.ShouldRetry(err, w.retryCfg) {
			ri.MarkAsExhausted()
			return domain.ClassificationResult{}, ri.AttemptCount, err
		}
		ri.MarkAsRetrying()
		delay := ri.CalculateNextRetryDelay(w.retryCfg)
		slog.Warn("ai worker: classification failed, retrying in-process",
			slog.String("job_id", job.JobID), slog.Int("attempt", ri.AttemptCount),
			slog.Duration("backoff", delay), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return domain.ClassificationResult{}, ri.AttemptCount, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// deferOrDeadLetter handles a job whose in-process retries are exhausted:
// soft classifier failures are re-enqueued into the delayed queue with the
// session-exhaustion backoff (per domain.AIBackoffSeconds), everything else
// is dead-lettered.
func (w *Worker) deferOrDeadLetter(ctx context.Context, job domain.AIProcessingJob, payload []byte, classifyErr error, attempts int) {
	job.RetryCount += attempts

	delaySec := domain.AIBackoffSeconds(job.RetryCount, backoffBase, backoffMax)
	dueAt := time.Now().UTC().Add(time.Duration(delaySec) * time.Second)
	retried, err := json.Marshal(job)
	if err != nil {
		w.deadLetter(ctx, domain.JobKindAIProcessing, payload, err.Error())
		return
	}
	if errors.Is(classifyErr, domain.ErrSchemaInvalid) || errors.Is(classifyErr, domain.ErrUpstreamTimeout) {
		if err := w.broker.DelayedAdd(ctx, sourceQueue, retried, dueAt); err != nil {
			slog.Error("ai worker: failed to defer job", slog.Any("error", err))
		}
		slog.Warn("ai worker: job deferred after exceeding session retry bound",
			slog.String("job_id", job.JobID), slog.Time("due_at", dueAt), slog.Any("reason", classifyErr))
		return
	}
	w.deadLetter(ctx, domain.JobKindAIProcessing, payload, classifyErr.Error())
}

func (w *Worker) deadLetter(ctx context.Context, kind domain.JobKind, payload []byte, reason string) {
	failed := domain.FailedJob{
		JobEnvelope: domain.JobEnvelope{
			JobID:     uuid.NewString(),
			Kind:      domain.JobKindFailed,
			CreatedAt: time.Now().UTC(),
		},
		OriginalJobType: kind,
		OriginalPayload: payload,
		ErrorMessage:    reason,
		FailedAt:        time.Now().UTC(),
	}
	out, err := json.Marshal(failed)
	if err != nil {
		slog.Error("ai worker: failed to marshal dead letter", slog.Any("error", err))
		return
	}
	if err := w.broker.Push(ctx, failedQueue, out); err != nil {
		slog.Error("ai worker: failed to push dead letter", slog.Any("error", err))
	}
}
