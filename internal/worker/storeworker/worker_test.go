package storeworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	exists    map[string]bool
	inserted  []domain.StoredFiling
	insertErr error
}

func newFakeStore() *fakeStore { return &fakeStore{exists: map[string]bool{}} }

func (f *fakeStore) FilingExists(ctx context.Context, corpID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[corpID], nil
}
func (f *fakeStore) InsertFiling(ctx context.Context, s domain.StoredFiling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return nil
}
func (f *fakeStore) UpsertFinancialResult(ctx context.Context, isin string, fd domain.FinData) error {
	return nil
}
func (f *fakeStore) IncrementCategoryCount(ctx context.Context, date time.Time, category string) error {
	return nil
}
func (f *fakeStore) InsertInvestorLinks(ctx context.Context, corpID string, links []domain.InvestorLink) error {
	return nil
}
func (f *fakeStore) ResolveInvestor(ctx context.Context, name string) (domain.InvestorLink, error) {
	return domain.InvestorLink{}, domain.ErrNotFound
}

type fakeCheckpoint struct {
	mu      sync.Mutex
	updates map[string]domain.CheckpointRow
}

func newFakeCheckpoint() *fakeCheckpoint { return &fakeCheckpoint{updates: map[string]domain.CheckpointRow{}} }

func (f *fakeCheckpoint) SaveRawFetch(ctx context.Context, anns []domain.Announcement, url string, params map[string]string) error {
	return nil
}
func (f *fakeCheckpoint) UpdateCheckpoint(ctx context.Context, newsID string, fields domain.CheckpointRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[newsID] = fields
	return nil
}
func (f *fakeCheckpoint) RowsNeedingWork(ctx context.Context, date time.Time, limit int) ([]domain.CheckpointRow, error) {
	return nil, nil
}
func (f *fakeCheckpoint) Close() error { return nil }

func newTestBroker(t *testing.T) domain.QueueBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisbroker.NewBroker(rdb)
}

func pushJob(t *testing.T, broker domain.QueueBroker, job domain.SupabaseUploadJob) {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, broker.Push(context.Background(), sourceQueue, b))
}

func testConfig(broadcastURL string) Config {
	return Config{
		MaxJobsPerSession: 1,
		IdleTimeout:       200 * time.Millisecond,
		JobTimeout:        2 * time.Second,
		MaxRetries:        3,
		ProcessingTTL:     time.Minute,
		BroadcastURL:      broadcastURL,
	}
}

func TestHandleOne_InsertsFilingAndMarksCheckpointSent(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	broker := newTestBroker(t)
	store := newFakeStore()
	checkpoint := newFakeCheckpoint()

	job := domain.SupabaseUploadJob{
		JobEnvelope: domain.JobEnvelope{JobID: uuid.NewString(), Kind: domain.JobKindSupabaseUpload, CorpID: "corp-1"},
		ProcessedData: domain.StoredFiling{
			CorpID: "corp-1", NewsID: "n1", Category: "New Order", AISummary: "ai summary text",
		},
		OriginalSummary: "Company wins large order",
	}
	pushJob(t, broker, job)

	w := New(broker, store, checkpoint, testConfig(server.URL))
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, "corp-1", store.inserted[0].CorpID)
	// original_summary lands in the row's summary column, next to the AI text.
	assert.Equal(t, "Company wins large order", store.inserted[0].Summary)
	assert.Equal(t, "ai summary text", store.inserted[0].AISummary)
	assert.True(t, checkpoint.updates["n1"].SentToSupabase)
	assert.Equal(t, "corp-1", received["corp_id"])
	assert.Equal(t, "Company wins large order", received["summary"])
}

func TestHandleOne_SkipsAlreadyStoredFiling(t *testing.T) {
	broker := newTestBroker(t)
	store := newFakeStore()
	store.exists["corp-2"] = true
	checkpoint := newFakeCheckpoint()

	job := domain.SupabaseUploadJob{
		JobEnvelope:   domain.JobEnvelope{JobID: uuid.NewString(), CorpID: "corp-2"},
		ProcessedData: domain.StoredFiling{CorpID: "corp-2", NewsID: "n2"},
	}
	pushJob(t, broker, job)

	w := New(broker, store, checkpoint, testConfig(""))
	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, store.inserted)
}

func TestHandleOne_EnqueuesInvestorJobWhenInvestorsPresent(t *testing.T) {
	broker := newTestBroker(t)
	store := newFakeStore()
	checkpoint := newFakeCheckpoint()

	job := domain.SupabaseUploadJob{
		JobEnvelope:   domain.JobEnvelope{JobID: uuid.NewString(), CorpID: "corp-3"},
		ProcessedData: domain.StoredFiling{CorpID: "corp-3", NewsID: "n3", Category: "Investor"},
		Classification: domain.ClassificationResult{
			IndividualInvestorList: []string{"Jane Doe"},
		},
	}
	pushJob(t, broker, job)

	w := New(broker, store, checkpoint, testConfig(""))
	require.NoError(t, w.Run(context.Background()))

	n, err := broker.Len(context.Background(), investorQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandleOne_DeadLettersInsertFailureWhenRetriesExhausted(t *testing.T) {
	broker := newTestBroker(t)
	store := newFakeStore()
	store.insertErr = assert.AnError
	checkpoint := newFakeCheckpoint()

	job := domain.SupabaseUploadJob{
		JobEnvelope:   domain.JobEnvelope{JobID: uuid.NewString(), CorpID: "corp-4"},
		ProcessedData: domain.StoredFiling{CorpID: "corp-4", NewsID: "n4"},
	}
	pushJob(t, broker, job)

	cfg := testConfig("")
	cfg.MaxRetries = 0
	w := New(broker, store, checkpoint, cfg)
	require.NoError(t, w.Run(context.Background()))

	n, err := broker.Len(context.Background(), failedQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
