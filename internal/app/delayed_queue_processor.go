package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

const lastReleaseHash = "delayed_queue:last_release"

// DelayedQueueProcessor is a long-lived singleton: for every immediate
// queue it watches, it moves due delayed jobs back to the immediate queue
// under an adaptive gap policy so deferred work never starves live work.
type DelayedQueueProcessor struct {
	broker domain.QueueBroker
	queues []string

	checkInterval time.Duration

	normalGap      time.Duration
	normalMaxJobs  int64
	normalStagger  time.Duration
	rapidGap       time.Duration
	rapidMaxJobs   int64
	rapidStagger   time.Duration
}

// DelayedQueueConfig tunes the adaptive gap policy.
type DelayedQueueConfig struct {
	CheckInterval      time.Duration
	NormalGapSeconds   int
	NormalMaxJobs      int
	RapidGapSeconds    int
	RapidMaxJobs       int
}

// NewDelayedQueueProcessor builds a processor watching queues.
func NewDelayedQueueProcessor(broker domain.QueueBroker, queues []string, cfg DelayedQueueConfig) *DelayedQueueProcessor {
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	normalGap := time.Duration(cfg.NormalGapSeconds) * time.Second
	if normalGap <= 0 {
		normalGap = 120 * time.Second
	}
	normalMaxJobs := int64(cfg.NormalMaxJobs)
	if normalMaxJobs <= 0 {
		normalMaxJobs = 3
	}
	rapidGap := time.Duration(cfg.RapidGapSeconds) * time.Second
	if rapidGap <= 0 {
		rapidGap = 30 * time.Second
	}
	rapidMaxJobs := int64(cfg.RapidMaxJobs)
	if rapidMaxJobs <= 0 {
		rapidMaxJobs = 5
	}
	return &DelayedQueueProcessor{
		broker:        broker,
		queues:        queues,
		checkInterval: checkInterval,
		normalGap:     normalGap,
		normalMaxJobs: normalMaxJobs,
		normalStagger: 30 * time.Second,
		rapidGap:      rapidGap,
		rapidMaxJobs:  rapidMaxJobs,
		rapidStagger:  15 * time.Second,
	}
}

// Run loops every checkInterval until ctx is cancelled, processing every
// watched queue's delayed sorted set on each tick.
func (p *DelayedQueueProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("delayed queue processor stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *DelayedQueueProcessor) tick(ctx context.Context) {
	for _, q := range p.queues {
		p.processQueue(ctx, q)
	}
}

var tracerDelayed = otel.Tracer("app.delayedqueue")

// processQueue runs one adaptive-gap tick for one immediate queue.
func (p *DelayedQueueProcessor) processQueue(ctx context.Context, queue string) {
	ctx, span := tracerDelayed.Start(ctx, "DelayedQueueProcessor.processQueue")
	defer span.End()
	span.SetAttributes(attribute.String("queue", queue))

	mainLen, err := p.broker.Len(ctx, queue)
	if err != nil {
		span.RecordError(err)
		slog.Error("delayed queue: failed to read main queue length", slog.String("queue", queue), slog.Any("error", err))
		return
	}
	observability.RecordQueueDepth(queue, mainLen)
	mainEmpty := mainLen == 0

	gap, maxJobs, stagger := p.normalGap, p.normalMaxJobs, p.normalStagger
	mode := "normal"
	if mainEmpty {
		gap, maxJobs, stagger = p.rapidGap, p.rapidMaxJobs, p.rapidStagger
		mode = "rapid"
	}
	span.SetAttributes(attribute.String("mode", mode))

	last, ok, err := p.broker.HGet(ctx, lastReleaseHash, queue)
	if err != nil {
		span.RecordError(err)
		slog.Error("delayed queue: failed to read last-release timestamp", slog.Any("error", err))
		return
	}
	if ok {
		lastAt, parseErr := time.Parse(time.RFC3339, last)
		if parseErr == nil && time.Since(lastAt) < gap {
			return
		}
	}

	now := time.Now().UTC()
	due, err := p.broker.DelayedDue(ctx, queue, now, maxJobs)
	if err != nil {
		span.RecordError(err)
		slog.Error("delayed queue: failed to fetch due jobs", slog.String("queue", queue), slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}

	if err := p.broker.Push(ctx, queue, due[0]); err != nil {
		slog.Error("delayed queue: failed to release first due job", slog.Any("error", err))
		return
	}
	released := 1

	for i, payload := range due[1:] {
		dueAt := now.Add(time.Duration(i+1) * stagger)
		if err := p.broker.DelayedReschedule(ctx, queue, payload, dueAt); err != nil {
			slog.Error("delayed queue: failed to stagger-reschedule job", slog.Any("error", err))
			continue
		}
	}

	if err := p.broker.HSet(ctx, lastReleaseHash, queue, now.Format(time.RFC3339)); err != nil {
		slog.Warn("delayed queue: failed to record last-release timestamp", slog.Any("error", err))
	}
	span.SetAttributes(attribute.Int("released", released), attribute.Int("staggered", len(due)-1))
	slog.Info("delayed queue: released due jobs", slog.String("queue", queue), slog.String("mode", mode),
		slog.Int("released", released), slog.Int("staggered", len(due)-1))
}
