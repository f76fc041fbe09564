// Package investorworker implements the ephemeral InvestorWorker: resolve
// raw investor names to canonical investor/alias rows and write
// per-filing link rows.
package investorworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var tracer = otel.Tracer("worker.investor")

const (
	sourceQueue = domain.QueueInvestor
	failedQueue = domain.QueueFailedJobs
	perJobRetry = 2
)

// Worker is one ephemeral InvestorWorker session.
type Worker struct {
	broker   domain.QueueBroker
	store    domain.Store
	workerID string

	maxJobsPerSession int
	idleTimeout       time.Duration
}

// New builds an InvestorWorker session.
func New(broker domain.QueueBroker, store domain.Store, maxJobsPerSession int, idleTimeout time.Duration) *Worker {
	return &Worker{
		broker:            broker,
		store:             store,
		workerID:          uuid.NewString(),
		maxJobsPerSession: maxJobsPerSession,
		idleTimeout:       idleTimeout,
	}
}

// Run processes jobs until maxJobsPerSession is reached, idleTimeout
// elapses, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	processingList := "investor_processing_proc:" + w.workerID
	processed := 0

	for processed < w.maxJobsPerSession {
		if ctx.Err() != nil {
			return nil
		}
		payload, ok, err := w.broker.BlockMoveToProcessing(ctx, sourceQueue, processingList, w.idleTimeout)
		if err != nil {
			return fmt.Errorf("op=investorworker.Run.blockmove: %w", err)
		}
		if !ok {
			slog.Info("investor worker: idle timeout reached, exiting", slog.String("worker_id", w.workerID))
			return nil
		}
		w.handleOne(ctx, payload, processingList)
		processed++
	}
	slog.Info("investor worker: session job budget reached, exiting", slog.String("worker_id", w.workerID), slog.Int("processed", processed))
	return nil
}

func (w *Worker) handleOne(ctx context.Context, payload []byte, processingList string) {
	ctx, span := tracer.Start(ctx, "Worker.handleOne")
	defer span.End()
	observability.StartProcessingJob(string(domain.JobKindInvestor))
	defer func() { _ = w.broker.RemoveFromProcessing(ctx, processingList, payload) }()

	var job domain.InvestorAnalysisJob
	if err := json.Unmarshal(payload, &job); err != nil {
		slog.Error("investor worker: invalid payload, dead-lettering", slog.Any("error", err))
		w.deadLetter(ctx, payload, err.Error())
		observability.FailJob(string(domain.JobKindInvestor))
		return
	}
	span.SetAttributes(attribute.String("corp_id", job.CorpID), attribute.String("job_id", job.JobID))

	names := make([]string, 0, len(job.IndividualInvestors)+len(job.CompanyInvestors))
	names = append(names, job.IndividualInvestors...)
	names = append(names, job.CompanyInvestors...)

	links := make([]domain.InvestorLink, 0, len(names))
	var resolveErr error
	for _, name := range names {
		link, err := w.resolveWithRetry(ctx, name)
		if err != nil {
			resolveErr = err
			slog.Warn("investor worker: resolution failed for name", slog.String("name", name), slog.Any("error", err))
			continue
		}
		link.CorpID = job.CorpID
		links = append(links, link)
	}

	if len(links) == 0 && resolveErr != nil {
		w.deadLetter(ctx, payload, resolveErr.Error())
		observability.FailJob(string(domain.JobKindInvestor))
		return
	}

	if len(links) > 0 {
		if err := w.store.InsertInvestorLinks(ctx, job.CorpID, links); err != nil {
			slog.Error("investor worker: bulk insert failed", slog.Any("error", err))
			w.deadLetter(ctx, payload, err.Error())
			observability.FailJob(string(domain.JobKindInvestor))
			return
		}
	}
	observability.CompleteJob(string(domain.JobKindInvestor))
	slog.Info("investor worker: job processed", slog.String("corp_id", job.CorpID), slog.Int("links", len(links)))
}

// resolveWithRetry resolves one investor name, retrying a small bounded
// number of times.
func (w *Worker) resolveWithRetry(ctx context.Context, name string) (domain.InvestorLink, error) {
	var lastErr error
	for attempt := 0; attempt <= perJobRetry; attempt++ {
		link, err := w.store.ResolveInvestor(ctx, name)
		if err == nil {
			return link, nil
		}
		lastErr = err
	}
	return domain.InvestorLink{}, lastErr
}

func (w *Worker) deadLetter(ctx context.Context, payload []byte, reason string) {
	failed := domain.FailedJob{
		JobEnvelope: domain.JobEnvelope{
			JobID:     uuid.NewString(),
			Kind:      domain.JobKindFailed,
			CreatedAt: time.Now().UTC(),
		},
		OriginalJobType: domain.JobKindInvestor,
		OriginalPayload: payload,
		ErrorMessage:    reason,
		FailedAt:        time.Now().UTC(),
	}
	out, err := json.Marshal(failed)
	if err != nil {
		slog.Error("investor worker: failed to marshal dead letter", slog.Any("error", err))
		return
	}
	if err := w.broker.Push(ctx, failedQueue, out); err != nil {
		slog.Error("investor worker: failed to push dead letter", slog.Any("error", err))
	}
}
