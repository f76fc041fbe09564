package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
)

func newTestBroker(t *testing.T) (*redisbroker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisbroker.NewBroker(rdb), mr
}

func TestProcessQueue_ReleasesDueJobWhenMainQueueEmpty(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.DelayedAdd(ctx, "ai_processing", []byte("job-1"), time.Now().Add(-time.Second)))

	p := NewDelayedQueueProcessor(broker, []string{"ai_processing"}, DelayedQueueConfig{
		RapidGapSeconds: 0,
	})
	p.processQueue(ctx, "ai_processing")

	n, err := broker.Len(ctx, "ai_processing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestProcessQueue_HonorsGapOnSecondTick(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.DelayedAdd(ctx, "ai_processing", []byte("job-1"), time.Now().Add(-time.Second)))
	require.NoError(t, broker.DelayedAdd(ctx, "ai_processing", []byte("job-2"), time.Now().Add(-time.Second)))

	p := NewDelayedQueueProcessor(broker, []string{"ai_processing"}, DelayedQueueConfig{
		RapidGapSeconds: 120,
	})
	p.processQueue(ctx, "ai_processing")
	n1, err := broker.Len(ctx, "ai_processing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n1)

	// Second tick immediately after: gap not yet elapsed, no further release.
	p.processQueue(ctx, "ai_processing")
	n2, err := broker.Len(ctx, "ai_processing")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n2)
}

func TestProcessQueue_NoOpWhenDelayedSetEmpty(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	p := NewDelayedQueueProcessor(broker, []string{"ai_processing"}, DelayedQueueConfig{})
	p.processQueue(ctx, "ai_processing")

	n, err := broker.Len(ctx, "ai_processing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
