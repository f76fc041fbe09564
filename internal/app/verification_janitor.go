package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

const verificationNotifyRoom = "verification_tasks"

// VerificationJanitor is a long-lived singleton that keeps the
// human-verification queue honest by expiring stale admin sessions,
// releasing orphaned or timed-out tasks, and nudging active verifiers
// when queued work is waiting.
type VerificationJanitor struct {
	store           domain.VerificationStore
	broker          domain.QueueBroker
	cleanupInterval time.Duration
	taskTimeout     time.Duration
	notifyFanout    int
}

// NewVerificationJanitor builds a VerificationJanitor.
func NewVerificationJanitor(store domain.VerificationStore, broker domain.QueueBroker, cleanupInterval, taskTimeout time.Duration, notifyFanout int) *VerificationJanitor {
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	if taskTimeout <= 0 {
		taskTimeout = 1800 * time.Second
	}
	if notifyFanout <= 0 {
		notifyFanout = 5
	}
	return &VerificationJanitor{
		store:           store,
		broker:          broker,
		cleanupInterval: cleanupInterval,
		taskTimeout:     taskTimeout,
		notifyFanout:    notifyFanout,
	}
}

var tracerVerification = otel.Tracer("app.verificationjanitor")

// Run loops every cleanupInterval until ctx is cancelled.
func (j *VerificationJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cleanupInterval)
	defer ticker.Stop()

	j.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("verification janitor stopping")
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *VerificationJanitor) tick(ctx context.Context) {
	ctx, span := tracerVerification.Start(ctx, "VerificationJanitor.tick")
	defer span.End()

	now := time.Now().UTC()

	expired, err := j.store.ExpireSessions(ctx, now)
	if err != nil {
		span.RecordError(err)
		slog.Error("verification janitor: failed to expire sessions", slog.Any("error", err))
	}

	orphaned, err := j.store.ReleaseOrphanedTasks(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("verification janitor: failed to release orphaned tasks", slog.Any("error", err))
	}

	released, exhausted, err := j.store.ReleaseTimedOutTasks(ctx, j.taskTimeout, now)
	if err != nil {
		span.RecordError(err)
		slog.Error("verification janitor: failed to release timed-out tasks", slog.Any("error", err))
	}

	j.notifyIfQueuedAndOnline(ctx)

	span.SetAttributes(
		attribute.Int("expired_sessions", expired),
		attribute.Int("orphaned_released", orphaned),
		attribute.Int("timeout_released", released),
		attribute.Int("timeout_exhausted", exhausted),
	)
	slog.Info("verification janitor: cleanup pass complete",
		slog.Int("expired_sessions", expired), slog.Int("orphaned_released", orphaned),
		slog.Int("timeout_released", released), slog.Int("timeout_exhausted", exhausted))
}

// notifyIfQueuedAndOnline: when queued tasks exist and verifiers are
// online, publish a "new task" notification to the first few active
// sessions over the same QueueBroker pub/sub mechanism BroadcastFrontend
// already uses.
func (j *VerificationJanitor) notifyIfQueuedAndOnline(ctx context.Context) {
	queued, err := j.store.QueuedTaskCount(ctx)
	if err != nil {
		slog.Error("verification janitor: failed to count queued tasks", slog.Any("error", err))
		return
	}
	if queued == 0 {
		return
	}

	sessions, err := j.store.ActiveSessionIDs(ctx)
	if err != nil {
		slog.Error("verification janitor: failed to list active sessions", slog.Any("error", err))
		return
	}
	if len(sessions) == 0 {
		return
	}

	fanout := sessions
	if len(fanout) > j.notifyFanout {
		fanout = fanout[:j.notifyFanout]
	}

	payload, err := json.Marshal(map[string]any{
		"type":         "new_task_available",
		"queued_count": queued,
		"notified_at":  time.Now().UTC(),
		"session_ids":  fanout,
	})
	if err != nil {
		slog.Error("verification janitor: failed to marshal notification", slog.Any("error", err))
		return
	}
	if err := j.broker.Publish(ctx, verificationNotifyRoom, payload); err != nil {
		slog.Error("verification janitor: failed to publish notification", slog.Any("error", err))
	}
}
