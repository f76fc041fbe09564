package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/broadcast"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

func newTestServer() *Server {
	return NewServer(config.Config{}, broadcast.NewHub(), nil, nil, nil)
}

func postIntake(t *testing.T, srv *Server, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/insert_new_announcement", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.InsertAnnouncementHandler()(rec, req)
	return rec
}

func TestInsertAnnouncement_AcceptsValidFiling(t *testing.T) {
	rec := postIntake(t, newTestServer(), map[string]string{
		"corp_id":  "8b9c1a52-0000-5000-8000-000000000001",
		"category": "Financial Results",
		"summary":  "Q1 results: revenue up 12% YoY.",
		"symbol":   "RELIANCE",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "success", out["status"])
}

func TestInsertAnnouncement_SkipsProceduralCategory(t *testing.T) {
	rec := postIntake(t, newTestServer(), map[string]string{
		"corp_id":  "8b9c1a52-0000-5000-8000-000000000002",
		"category": domain.CategoryProceduralAdministrative,
		"summary":  "Please refer to the original document provided.",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "skipped", out["status"])
}

func TestInsertAnnouncement_SkipsErrorCategory(t *testing.T) {
	rec := postIntake(t, newTestServer(), map[string]string{
		"corp_id":  "8b9c1a52-0000-5000-8000-000000000003",
		"category": domain.CategoryError,
		"summary":  "anything",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "skipped", out["status"])
}

func TestInsertAnnouncement_SkipsWhenBothSummariesBlank(t *testing.T) {
	rec := postIntake(t, newTestServer(), map[string]string{
		"corp_id":    "8b9c1a52-0000-5000-8000-000000000004",
		"category":   "Financial Results",
		"summary":    "   ",
		"ai_summary": "",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "skipped", out["status"])
}

func TestInsertAnnouncement_RejectsMissingCorpID(t *testing.T) {
	rec := postIntake(t, newTestServer(), map[string]string{
		"category": "Financial Results",
		"summary":  "some summary",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsertAnnouncement_RejectsMalformedJSON(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/insert_new_announcement", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.InsertAnnouncementHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSocketHandler_RejectsNonAllRoom(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/ws?room=private", nil)
	rec := httptest.NewRecorder()
	srv.SocketHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSocketHealth_ReportsSubscriberCount(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/socket/health", nil)
	rec := httptest.NewRecorder()
	srv.SocketHealthHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 0, out["subscribers"])
}

func TestReadyz_ReportsUnavailableWhenCheckFails(t *testing.T) {
	srv := newTestServer()
	srv.StoreCheck = func(ctx context.Context) error { return domain.ErrInternal }
	srv.BrokerCheck = func(ctx context.Context) error { return nil }

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler()(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["ready"])
}
