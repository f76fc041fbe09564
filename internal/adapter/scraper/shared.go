// Package scraper holds logic shared by the BSE and NSE scrapers: the
// corp_id derivation rule, the on-disk cursor file, and the QueueBroker
// dedup-marker/enqueue step every exchange-specific scraper performs
// identically once it has a batch of domain.Announcement in hand.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// CorpID derives the pipeline's idempotency key: UUIDv5 over the URL
// namespace and "<prefix>:<news_id>". Both scrapers must use this and only
// this derivation so the same filing from the same exchange always maps to
// the same corp_id; the exchange prefix makes BSE and NSE ids distinct.
func CorpID(prefix, newsID string) string {
	name := prefix + ":" + newsID
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Cursor is the on-disk "last processed" marker for one exchange feed.
type Cursor struct {
	LastNewsID    string    `json:"last_news_id"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}

// LoadCursor reads the cursor file at path; a missing file yields a zero
// Cursor (first-ever run), not an error.
func LoadCursor(path string) (Cursor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("op=scraper.LoadCursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("op=scraper.LoadCursor.unmarshal: %w", err)
	}
	return c, nil
}

// SaveCursor writes the cursor file atomically (write to a temp file, then
// rename) so a crash mid-write never leaves a corrupt cursor.
func SaveCursor(path string, c Cursor) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("op=scraper.SaveCursor.mkdir: %w", err)
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("op=scraper.SaveCursor.marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("op=scraper.SaveCursor.write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("op=scraper.SaveCursor.rename: %w", err)
	}
	return nil
}

// NewItemsOldestFirst walks all (newest-first-ordered) items, stops at the
// cursor's LastNewsID, and returns the remainder in chronological order
// (oldest first).
func NewItemsOldestFirst(all []domain.Announcement, cursor Cursor) []domain.Announcement {
	var fresh []domain.Announcement
	for _, a := range all {
		if a.NewsID == cursor.LastNewsID {
			break
		}
		fresh = append(fresh, a)
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh
}

// firstRunFlagFile records, one line per scraper, which scrapers have
// completed their inaugural pass against this data dir. A scraper whose
// line is absent records a cursor without enqueueing, so a fresh deploy
// never floods ai_processing with the exchange's whole visible feed.
const firstRunFlagFile = "first_run_flag.txt"

// FirstRunDone reports whether the named scraper has already completed its
// first pass.
func FirstRunDone(dataDir, name string) bool {
	data, err := os.ReadFile(filepath.Join(dataDir, firstRunFlagFile))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if field, _, _ := strings.Cut(line, " "); field == name {
			return true
		}
	}
	return false
}

// MarkFirstRunDone stamps the named scraper into the shared flag file.
func MarkFirstRunDone(dataDir, name string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("op=scraper.MarkFirstRunDone.mkdir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dataDir, firstRunFlagFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("op=scraper.MarkFirstRunDone.open: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("op=scraper.MarkFirstRunDone.write: %w", err)
	}
	return nil
}

const queuedMarkerTTL = 24 * time.Hour

// EnqueueNew pushes one AIProcessingJob per not-yet-queued announcement in
// anns (in the order given; callers pass oldest-first), skipping any
// corp_id already marked `ann:queued:{corp_id}` in broker. Returns the
// news_id of the last item that was enqueued or found already queued, so
// the caller can advance its cursor only as far as confirmed-queued work.
func EnqueueNew(ctx context.Context, broker domain.QueueBroker, prefix string, anns []domain.Announcement) (lastNewsID string, enqueued int, err error) {
	for _, a := range anns {
		a.CorpID = CorpID(prefix, a.NewsID)
		markerKey := "ann:queued:" + a.CorpID

		ok, setErr := broker.SetNX(ctx, markerKey, "1", queuedMarkerTTL)
		if setErr != nil {
			return lastNewsID, enqueued, fmt.Errorf("op=scraper.EnqueueNew.marker: %w", setErr)
		}
		if !ok {
			slog.Debug("scraper: skipping already-queued announcement", slog.String("corp_id", a.CorpID))
			lastNewsID = a.NewsID
			continue
		}

		job := domain.AIProcessingJob{
			JobEnvelope: domain.JobEnvelope{
				JobID:      uuid.NewString(),
				Kind:       domain.JobKindAIProcessing,
				CorpID:     a.CorpID,
				CreatedAt:  time.Now().UTC(),
				MaxRetries: 3,
				TimeoutSec: 300,
			},
			Announcement: a,
			PDFURL:       a.AttachmentName,
		}
		payload, mErr := json.Marshal(job)
		if mErr != nil {
			return lastNewsID, enqueued, fmt.Errorf("op=scraper.EnqueueNew.marshal: %w", mErr)
		}
		if pErr := broker.Push(ctx, domain.QueueAIProcessing, payload); pErr != nil {
			return lastNewsID, enqueued, fmt.Errorf("op=scraper.EnqueueNew.push: %w", pErr)
		}
		enqueued++
		lastNewsID = a.NewsID
	}
	return lastNewsID, enqueued, nil
}
