package scraper

import (
	"context"
	"path/filepath"
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

func TestCorpID_IsDeterministicPerPrefixAndNewsID(t *testing.T) {
	a := CorpID("bse", "12345")
	b := CorpID("bse", "12345")
	c := CorpID("nse", "12345")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// The canonical formula: UUIDv5 over the URL namespace and
	// "<exchange>:<news_id>", with a single colon between the parts.
	want := uuid.NewSHA1(uuid.NameSpaceURL, []byte("bse:N001")).String()
	assert.Equal(t, want, CorpID("bse", "N001"))
}

func TestCursor_SaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")

	_, err := LoadCursor(path)
	require.NoError(t, err)

	want := Cursor{LastNewsID: "n42", LastFetchedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, SaveCursor(path, want))

	got, err := LoadCursor(path)
	require.NoError(t, err)
	assert.Equal(t, want.LastNewsID, got.LastNewsID)
}

func TestNewItemsOldestFirst_StopsAtCursorAndReverses(t *testing.T) {
	// all is newest-first, as the exchange API returns it.
	all := []domain.Announcement{
		{NewsID: "n5"},
		{NewsID: "n4"},
		{NewsID: "n3"},
		{NewsID: "n2"}, // cursor stops here
		{NewsID: "n1"},
	}
	fresh := NewItemsOldestFirst(all, Cursor{LastNewsID: "n2"})
	require.Len(t, fresh, 3)
	assert.Equal(t, []string{"n3", "n4", "n5"}, []string{fresh[0].NewsID, fresh[1].NewsID, fresh[2].NewsID})
}

func TestNewItemsOldestFirst_EmptyCursorReturnsAllReversed(t *testing.T) {
	all := []domain.Announcement{{NewsID: "n2"}, {NewsID: "n1"}}
	fresh := NewItemsOldestFirst(all, Cursor{})
	require.Len(t, fresh, 2)
	assert.Equal(t, "n1", fresh[0].NewsID)
	assert.Equal(t, "n2", fresh[1].NewsID)
}

func newTestBroker(t *testing.T) domain.QueueBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisbroker.NewBroker(rdb)
}

func TestEnqueueNew_SkipsAlreadyQueuedAndPushesOnce(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	anns := []domain.Announcement{{NewsID: "n1"}, {NewsID: "n2"}}
	lastID, enqueued, err := EnqueueNew(ctx, broker, "bse", anns)
	require.NoError(t, err)
	assert.Equal(t, "n2", lastID)
	assert.Equal(t, 2, enqueued)

	n, err := broker.Len(ctx, domain.QueueAIProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Re-running with the same items must not enqueue duplicates.
	_, enqueuedAgain, err := EnqueueNew(ctx, broker, "bse", anns)
	require.NoError(t, err)
	assert.Equal(t, 0, enqueuedAgain)

	n, err = broker.Len(ctx, domain.QueueAIProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
