package nse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/checkpoint/sqlite"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/queue/redisbroker"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/scraper"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

func newTestScraper(t *testing.T) (*Scraper, domain.QueueBroker) {
	t.Helper()
	dataDir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dataDir, "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	broker := redisbroker.NewBroker(rdb)

	// Stamp the first-run flag so tests exercise steady-state incremental
	// behavior rather than the inaugural-pass backlog suppression.
	require.NoError(t, scraper.MarkFirstRunDone(dataDir, "nse"))

	return New(store, broker, dataDir), broker
}

func TestRunOnce_WarmsUpThenFetchesAndEnqueues(t *testing.T) {
	rows := []nseRow{
		{SeqID: 2, Symbol: "ACME", ISIN: "INE000A01011", Subject: "Board Meeting Outcome"},
		{SeqID: 1, Symbol: "ACME", ISIN: "INE000A01011", Subject: "General Update"},
	}
	body, _ := json.Marshal(rows)

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer apiServer.Close()

	s, broker := newTestScraper(t)
	s.httpClient = apiServer.Client()
	s.fetchOverrideURL(apiServer.URL)

	// warmUp visits real NSE hostnames; mark it as already done so the test
	// never touches the network.
	s.warmedUp = true

	require.NoError(t, s.RunOnce(context.Background()))

	n, err := broker.Len(context.Background(), domain.QueueAIProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestVisit_RequestsEachGivenURL(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, _ := newTestScraper(t)
	s.httpClient = server.Client()

	for _, url := range []string{server.URL, server.URL, server.URL} {
		require.NoError(t, s.visit(context.Background(), url))
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}
