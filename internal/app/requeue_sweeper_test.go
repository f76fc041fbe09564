package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker implements just enough of domain.QueueBroker for the sweeper.
type fakeBroker struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	pushed    map[string][][]byte
	removed   [][]byte
	published [][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{hashes: map[string]map[string]string{}, pushed: map[string][][]byte{}}
}

func (f *fakeBroker) Push(_ context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[queue] = append(f.pushed[queue], payload)
	return nil
}
func (f *fakeBroker) BlockMoveToProcessing(context.Context, string, string, time.Duration) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeBroker) RemoveFromProcessing(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, payload)
	return nil
}
func (f *fakeBroker) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBroker) ReleaseLock(context.Context, string, string) error { return nil }
func (f *fakeBroker) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBroker) DelayedAdd(context.Context, string, []byte, time.Time) error { return nil }
func (f *fakeBroker) DelayedDue(context.Context, string, time.Time, int64) ([][]byte, error) {
	return nil, nil
}
func (f *fakeBroker) DelayedReschedule(context.Context, string, []byte, time.Time) error { return nil }
func (f *fakeBroker) Len(context.Context, string) (int64, error)                        { return 0, nil }

func (f *fakeBroker) HSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = map[string]string{}
	}
	f.hashes[key][field] = value
	return nil
}
func (f *fakeBroker) HGet(_ context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	return v, ok, nil
}
func (f *fakeBroker) HDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}
func (f *fakeBroker) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}
func (f *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}
func (f *fakeBroker) Close() error                                  { return nil }

func TestRequeueSweeper_RequeuesStaleJobs(t *testing.T) {
	broker := newFakeBroker()
	ctx := context.Background()

	require.NoError(t, broker.HSet(ctx, "supabase_upload:processing_meta", "job-1", time.Now().Add(-5*time.Minute).Format(time.RFC3339)))
	require.NoError(t, broker.HSet(ctx, "supabase_upload:processing_payload", "job-1", `{"job_id":"job-1"}`))
	require.NoError(t, broker.HSet(ctx, "supabase_upload:processing_meta", "job-2", time.Now().Format(time.RFC3339)))
	require.NoError(t, broker.HSet(ctx, "supabase_upload:processing_payload", "job-2", `{"job_id":"job-2"}`))

	sweeper := NewRequeueSweeper(broker, "supabase_upload:processing", "supabase_upload:processing_meta", "supabase_upload:processing_payload", "supabase_upload", 90*time.Second, time.Minute)
	require.NotNil(t, sweeper)

	sweeper.sweepOnce(ctx)

	assert.Len(t, broker.pushed["supabase_upload"], 1)
	assert.Equal(t, `{"job_id":"job-1"}`, string(broker.pushed["supabase_upload"][0]))
	remaining, err := broker.HGetAll(ctx, "supabase_upload:processing_meta")
	require.NoError(t, err)
	_, stillPresent := remaining["job-1"]
	assert.False(t, stillPresent)
	_, job2Present := remaining["job-2"]
	assert.True(t, job2Present, "job within TTL should not be requeued")
}

func TestNewRequeueSweeper_NilBroker(t *testing.T) {
	assert.Nil(t, NewRequeueSweeper(nil, "", "", "", "", 0, 0))
}
