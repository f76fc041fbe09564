package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/broadcast"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// announcementIntake is the /insert_new_announcement request payload.
type announcementIntake struct {
	CorpID      string `json:"corp_id" validate:"required"`
	Category    string `json:"category" validate:"required"`
	Summary     string `json:"summary"`
	AISummary   string `json:"ai_summary"`
	ISIN        string `json:"isin"`
	Symbol      string `json:"symbol"`
	CompanyName string `json:"company_name"`
	Date        string `json:"date"`
	FileURL     string `json:"file_url"`
	Headline    string `json:"headline"`
}

// shouldSkipBroadcast is the intake filter: skip if corp_id is
// empty, the category is one of the non-substantive placeholders, or both
// summary fields are blank.
func shouldSkipBroadcast(in announcementIntake) bool {
	if strings.TrimSpace(in.CorpID) == "" {
		return true
	}
	if in.Category == domain.CategoryProceduralAdministrative || in.Category == domain.CategoryError {
		return true
	}
	if strings.TrimSpace(in.Summary) == "" && strings.TrimSpace(in.AISummary) == "" {
		return true
	}
	return false
}

// InsertAnnouncementHandler accepts the StoreWorker's per-filing POST and,
// subject to the intake filter, fans it out to the "all" room.
func (s *Server) InsertAnnouncementHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var in announcementIntake
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), err.Error())
			return
		}

		if shouldSkipBroadcast(in) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
			return
		}

		s.Hub.Broadcast(r.Context(), broadcast.AllRoom, in)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// SocketHandler upgrades to WebSocket and joins the caller to the "all"
// room; any other requested room is rejected.
func (s *Server) SocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.URL.Query().Get("room")
		if room == "" {
			room = broadcast.AllRoom
		}
		if room != broadcast.AllRoom {
			writeError(w, r, fmt.Errorf("%w: only the %q room is accepted", domain.ErrInvalidArgument, broadcast.AllRoom), nil)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			LoggerFrom(r).Error("websocket accept failed", "error", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

		s.Hub.Join(r.Context(), broadcast.AllRoom, conn)
	}
}

// SocketHealthHandler reports the push channel's current subscriber count.
func (s *Server) SocketHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"subscribers": s.Hub.SubscriberCount(broadcast.AllRoom),
		})
	}
}

// HealthzHandler reports basic liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// scraperHeartbeatKey is the hash each scraper stamps with its last
// successful poll timestamp, keyed by exchange ("bse"/"nse").
const scraperHeartbeatKey = "scraper:heartbeat"

// ScraperStatusHandler reports each scraper's last-seen heartbeat.
func (s *Server) ScraperStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Broker == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		status, err := s.Broker.HGetAll(r.Context(), scraperHeartbeatKey)
		if err != nil {
			writeError(w, r, fmt.Errorf("scraper status: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ReadyzHandler reports Store and QueueBroker reachability.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks := map[string]string{}
		ready := true
		if s.StoreCheck != nil {
			if err := s.StoreCheck(ctx); err != nil {
				checks["store"] = err.Error()
				ready = false
			} else {
				checks["store"] = "ok"
			}
		}
		if s.BrokerCheck != nil {
			if err := s.BrokerCheck(ctx); err != nil {
				checks["broker"] = err.Error()
				ready = false
			} else {
				checks["broker"] = "ok"
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}
