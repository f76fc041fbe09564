package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

type fakeCheckpointStore struct {
	mu      sync.Mutex
	rows    []domain.CheckpointRow
	updates []domain.CheckpointRow
}

func (f *fakeCheckpointStore) SaveRawFetch(context.Context, []domain.Announcement, string, map[string]string) error {
	return nil
}

func (f *fakeCheckpointStore) UpdateCheckpoint(_ context.Context, newsID string, fields domain.CheckpointRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields.NewsID = newsID
	f.updates = append(f.updates, fields)
	for i := range f.rows {
		if f.rows[i].NewsID != newsID {
			continue
		}
		if fields.AIProcessed {
			f.rows[i].AIProcessed = true
			f.rows[i].AICategory = fields.AICategory
			f.rows[i].AISummary = fields.AISummary
		}
		if fields.SentToSupabase {
			f.rows[i].SentToSupabase = true
		}
	}
	return nil
}

func (f *fakeCheckpointStore) RowsNeedingWork(context.Context, time.Time, int) ([]domain.CheckpointRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CheckpointRow
	for _, r := range f.rows {
		if !r.AIProcessed || !r.SentToSupabase {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCheckpointStore) Close() error { return nil }

type replayerFakeStore struct {
	mu      sync.Mutex
	exists  map[string]bool
	inserts []domain.StoredFiling
}

func newReplayerFakeStore() *replayerFakeStore {
	return &replayerFakeStore{exists: map[string]bool{}}
}

func (f *replayerFakeStore) FilingExists(_ context.Context, corpID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[corpID], nil
}

func (f *replayerFakeStore) InsertFiling(_ context.Context, s domain.StoredFiling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, s)
	f.exists[s.CorpID] = true
	return nil
}

func (f *replayerFakeStore) UpsertFinancialResult(context.Context, string, domain.FinData) error { return nil }
func (f *replayerFakeStore) IncrementCategoryCount(context.Context, time.Time, string) error      { return nil }
func (f *replayerFakeStore) InsertInvestorLinks(context.Context, string, []domain.InvestorLink) error {
	return nil
}
func (f *replayerFakeStore) ResolveInvestor(context.Context, string) (domain.InvestorLink, error) {
	return domain.InvestorLink{}, domain.ErrNotFound
}

type replayerFakeClassifier struct {
	result domain.ClassificationResult
	err    error
	calls  int
}

func (f *replayerFakeClassifier) ClassifyPDF(context.Context, string, string) (domain.ClassificationResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *replayerFakeClassifier) ClassifyText(context.Context, string, string) (domain.ClassificationResult, error) {
	f.calls++
	return f.result, f.err
}

func rawAnnouncement(t *testing.T, ann domain.Announcement) string {
	t.Helper()
	b, err := json.Marshal(ann)
	require.NoError(t, err)
	return string(b)
}

func TestReplayer_ShortCircuitsNegativeKeywordHeadlineWithoutClassifying(t *testing.T) {
	ann := domain.Announcement{NewsID: "n1", Exchange: domain.ExchangeBSE, RawHeadline: "Newspaper Publication of Results"}
	checkpoint := &fakeCheckpointStore{rows: []domain.CheckpointRow{{
		NewsID:   "n1",
		Headline: ann.RawHeadline,
		RawJSON:  rawAnnouncement(t, ann),
	}}}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{}

	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})
	processed, err := r.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, classifier.calls)
	require.Len(t, store.inserts, 1)
	assert.Equal(t, domain.CategoryProceduralAdministrative, store.inserts[0].Category)
	// The row keeps the exchange's headline as its summary and the
	// shortcut placeholder as the AI summary.
	assert.Equal(t, ann.RawHeadline, store.inserts[0].Summary)
	assert.Equal(t, "Please refer to the original document provided.", store.inserts[0].AISummary)
}

func TestReplayer_ClassifiesAndStoresUnprocessedRow(t *testing.T) {
	ann := domain.Announcement{NewsID: "n2", Exchange: domain.ExchangeNSE, RawHeadline: "Board Meeting Intimation"}
	checkpoint := &fakeCheckpointStore{rows: []domain.CheckpointRow{{
		NewsID:   "n2",
		Headline: ann.RawHeadline,
		RawJSON:  rawAnnouncement(t, ann),
	}}}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{result: domain.ClassificationResult{
		Category: "Board Meeting", Headline: ann.RawHeadline, Summary: "discussed quarterly results",
	}}

	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})
	processed, err := r.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, classifier.calls)
	require.Len(t, store.inserts, 1)
	assert.Equal(t, "Board Meeting", store.inserts[0].Category)
	assert.Equal(t, ann.RawHeadline, store.inserts[0].Summary)
	assert.Equal(t, "discussed quarterly results", store.inserts[0].AISummary)
}

func TestReplayer_ReusesPersistedClassificationForProcessedRow(t *testing.T) {
	ann := domain.Announcement{NewsID: "n3", Exchange: domain.ExchangeBSE, RawHeadline: "Annual Report"}
	checkpoint := &fakeCheckpointStore{rows: []domain.CheckpointRow{{
		NewsID:      "n3",
		Headline:    ann.RawHeadline,
		RawJSON:     rawAnnouncement(t, ann),
		AIProcessed: true,
		AICategory:  "Annual Report",
		AISummary:   "already summarized",
	}}}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{}

	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})
	processed, err := r.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, classifier.calls)
	require.Len(t, store.inserts, 1)
	// The persisted category replays as-is, no shortcut fallback.
	assert.Equal(t, "Annual Report", store.inserts[0].Category)
	assert.Equal(t, "already summarized", store.inserts[0].AISummary)
}

func TestReplayer_NoCandidateRowsIsANoOp(t *testing.T) {
	checkpoint := &fakeCheckpointStore{}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{}

	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})
	processed, err := r.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestReplayer_SkipsRowWithUnreadableRawFetch(t *testing.T) {
	checkpoint := &fakeCheckpointStore{rows: []domain.CheckpointRow{{NewsID: "n4", RawJSON: ""}}}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{}

	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})
	processed, err := r.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Empty(t, store.inserts)
}

func TestReplayer_RunContinuousStopsOnContextCancel(t *testing.T) {
	checkpoint := &fakeCheckpointStore{}
	store := newReplayerFakeStore()
	classifier := &replayerFakeClassifier{}
	r := NewReplayer(checkpoint, store, classifier, ReplayerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.RunContinuous(ctx, 10*time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunContinuous did not stop after context cancellation")
	}
}
