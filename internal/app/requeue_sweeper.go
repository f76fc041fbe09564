package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// RequeueSweeper is StoreWorker's crash-recovery path: any
// processing-list entry older than ttl is re-pushed to targetQueue and its
// tracking metadata cleared. Runs as a background goroutine inside each
// StoreWorker.
type RequeueSweeper struct {
	broker         domain.QueueBroker
	processingList string
	metaKey        string
	payloadKey     string
	targetQueue    string
	ttl            time.Duration
	interval       time.Duration
}

// NewRequeueSweeper builds a sweeper for one processing list. metaKey holds
// job_id -> RFC3339 enqueue timestamp; payloadKey holds job_id -> original
// payload. Returns nil if broker is nil.
func NewRequeueSweeper(broker domain.QueueBroker, processingList, metaKey, payloadKey, targetQueue string, ttl, interval time.Duration) *RequeueSweeper {
	if broker == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RequeueSweeper{
		broker:         broker,
		processingList: processingList,
		metaKey:        metaKey,
		payloadKey:     payloadKey,
		targetQueue:    targetQueue,
		ttl:            ttl,
		interval:       interval,
	}
}

// Run loops until ctx is cancelled, sweeping once immediately and then on
// every tick.
func (s *RequeueSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("requeue sweeper stopping", slog.String("target_queue", s.targetQueue))
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RequeueSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("store.requeue_sweeper")
	ctx, span := tracer.Start(ctx, "RequeueSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.target", s.targetQueue),
		attribute.Float64("queue.ttl_seconds", s.ttl.Seconds()),
	)

	meta, err := s.broker.HGetAll(ctx, s.metaKey)
	if err != nil {
		span.RecordError(err)
		slog.Error("requeue sweep failed to read processing metadata", slog.Any("error", err))
		return
	}

	var requeued int
	for jobID, tsStr := range meta {
		enqueuedAt, err := time.Parse(time.RFC3339, tsStr)
		if err != nil || time.Since(enqueuedAt) < s.ttl {
			continue
		}

		payload, ok, err := s.broker.HGet(ctx, s.payloadKey, jobID)
		if err != nil {
			slog.Error("requeue sweep failed to read payload", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if !ok {
			_ = s.broker.HDel(ctx, s.metaKey, jobID)
			continue
		}

		if err := s.broker.Push(ctx, s.targetQueue, []byte(payload)); err != nil {
			slog.Error("requeue sweep failed to re-push job", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if err := s.broker.RemoveFromProcessing(ctx, s.processingList, []byte(payload)); err != nil {
			slog.Warn("requeue sweep could not clear processing list entry", slog.String("job_id", jobID), slog.Any("error", err))
		}
		_ = s.broker.HDel(ctx, s.metaKey, jobID)
		_ = s.broker.HDel(ctx, s.payloadKey, jobID)
		requeued++
	}

	span.SetAttributes(attribute.Int("queue.requeued", requeued))
	if requeued > 0 {
		slog.Info("requeue sweep recovered stuck jobs", slog.Int("count", requeued), slog.String("target_queue", s.targetQueue))
	}
}
