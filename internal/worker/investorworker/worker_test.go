package investorworker

import (
	"context"
	"encoding/json"
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
	mu          sync.Mutex
	known       map[string]domain.InvestorLink
	inserted    map[string][]domain.InvestorLink
	resolveErrs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{known: map[string]domain.InvestorLink{}, inserted: map[string][]domain.InvestorLink{}}
}

func (f *fakeStore) FilingExists(ctx context.Context, corpID string) (bool, error) { return false, nil }
func (f *fakeStore) InsertFiling(ctx context.Context, s domain.StoredFiling) error  { return nil }
func (f *fakeStore) UpsertFinancialResult(ctx context.Context, isin string, fd domain.FinData) error {
	return nil
}
func (f *fakeStore) IncrementCategoryCount(ctx context.Context, date time.Time, category string) error {
	return nil
}
func (f *fakeStore) InsertInvestorLinks(ctx context.Context, corpID string, links []domain.InvestorLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted[corpID] = append(f.inserted[corpID], links...)
	return nil
}
func (f *fakeStore) ResolveInvestor(ctx context.Context, name string) (domain.InvestorLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link, ok := f.known[name]; ok {
		return link, nil
	}
	if f.resolveErrs > 0 {
		f.resolveErrs--
		return domain.InvestorLink{}, domain.ErrInternal
	}
	return domain.InvestorLink{InvestorID: "unverified-" + name, Name: name, Verified: false}, nil
}

func newTestBroker(t *testing.T) domain.QueueBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisbroker.NewBroker(rdb)
}

func pushJob(t *testing.T, broker domain.QueueBroker, job domain.InvestorAnalysisJob) {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, broker.Push(context.Background(), sourceQueue, b))
}

func TestHandleOne_ResolvesKnownAndUnverifiedInvestors(t *testing.T) {
	broker := newTestBroker(t)
	store := newFakeStore()
	store.known["Acme Capital"] = domain.InvestorLink{InvestorID: "inv-1", Name: "Acme Capital", Verified: true}

	job := domain.InvestorAnalysisJob{
		JobEnvelope:          domain.JobEnvelope{JobID: uuid.NewString(), CorpID: "corp-1"},
		IndividualInvestors:  []string{"Jane Doe"},
		CompanyInvestors:     []string{"Acme Capital"},
	}
	pushJob(t, broker, job)

	w := New(broker, store, 1, 200*time.Millisecond)
	require.NoError(t, w.Run(context.Background()))

	links := store.inserted["corp-1"]
	require.Len(t, links, 2)
	byName := map[string]domain.InvestorLink{}
	for _, l := range links {
		byName[l.Name] = l
	}
	assert.True(t, byName["Acme Capital"].Verified)
	assert.False(t, byName["Jane Doe"].Verified)
}

func TestHandleOne_DeadLettersWhenAllResolutionsFail(t *testing.T) {
	broker := newTestBroker(t)
	store := newFakeStore()
	store.resolveErrs = 10

	job := domain.InvestorAnalysisJob{
		JobEnvelope:         domain.JobEnvelope{JobID: uuid.NewString(), CorpID: "corp-2"},
		IndividualInvestors: []string{"Unresolvable Name"},
	}
	pushJob(t, broker, job)

	w := New(broker, store, 1, 200*time.Millisecond)
	require.NoError(t, w.Run(context.Background()))

	n, err := broker.Len(context.Background(), failedQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
