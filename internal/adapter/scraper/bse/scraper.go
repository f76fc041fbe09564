// Package bse implements the BSE announcement scraper: poll the
// exchange's corporate-announcement feed, persist raw responses to
// LocalCheckpointDB, and enqueue one AIProcessingJob per not-yet-queued
// filing in chronological order.
package bse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/filelock"
	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/scraper"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var tracer = otel.Tracer("scraper.bse")

const (
	feedURL = "https://api.bseindia.com/BseIndiaAPI/api/AnnSubCategoryGetData/w"
	// isinLookupURL resolves a scrip code to its ISIN; the announcement feed
	// itself does not always carry one.
	isinLookupURL = "https://api.bseindia.com/BseIndiaAPI/api/ComHeadernew/w"
	// attachBaseURL is where BSE serves filing PDFs; the feed only carries
	// the bare attachment filename.
	attachBaseURL = "https://www.bseindia.com/xml-data/corpfiling/AttachLive/"
)

// scraperHeartbeatKey matches internal/adapter/httpserver's ScraperStatusHandler.
const scraperHeartbeatKey = "scraper:heartbeat"

// bseTable is one row of BSE's AnnSubCategoryGetData response Table array.
type bseTable struct {
	NewsID     string `json:"NEWSID"`
	ScripCD    string `json:"SCRIP_CD"`
	ISIN       string `json:"ISIN"`
	Symbol     string `json:"SLONGNAME"`
	Headline   string `json:"HEADLINE"`
	NewsSub    string `json:"NSURL"`
	AttachName string `json:"ATTACHMENTNAME"`
	NewsDT     string `json:"NEWS_DT"`
}

type bseResponse struct {
	Table []bseTable `json:"Table"`
}

// Scraper implements BSE's scraper contract.
type Scraper struct {
	httpClient *http.Client
	store      domain.CheckpointStore
	broker     domain.QueueBroker
	dataDir    string
	feedURL    string
	isinURL    string
	isinCache  map[string]string
}

// New builds a BSE scraper writing its lock and cursor files under dataDir.
func New(store domain.CheckpointStore, broker domain.QueueBroker, dataDir string) *Scraper {
	return &Scraper{
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		store:      store,
		broker:     broker,
		dataDir:    dataDir,
		feedURL:    feedURL,
		isinURL:    isinLookupURL,
		isinCache:  map[string]string{},
	}
}

// fetchOverrideURL points the scraper at a different feed URL; used by
// tests to substitute an httptest.Server for the real BSE endpoint.
func (s *Scraper) fetchOverrideURL(url string) {
	s.feedURL = url
	s.isinURL = url
}

func (s *Scraper) lockPath() string   { return filepath.Join(s.dataDir, "bse_scraper.lock") }
func (s *Scraper) cursorPath() string { return filepath.Join(s.dataDir, "bse_cursor.json") }

// Run loops RunOnce every interval until ctx is cancelled, holding the
// scraper's file lock for the lifetime of the process.
func (s *Scraper) Run(ctx context.Context, interval time.Duration) error {
	lock, err := filelock.TryAcquire(s.lockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrHeld) {
			slog.Info("bse scraper: another instance holds the lock, exiting quietly")
			return nil
		}
		return fmt.Errorf("op=bse.Run.lock: %w", err)
	}
	defer lock.Release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		slog.Error("bse scraper: pass failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("bse scraper: pass failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnceLocked acquires the lock for a single pass and releases it,
// matching the "cron-supervised single invocation" scheduling mode.
func (s *Scraper) RunOnceLocked(ctx context.Context) error {
	lock, err := filelock.TryAcquire(s.lockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrHeld) {
			slog.Info("bse scraper: another instance holds the lock, exiting quietly")
			return nil
		}
		return fmt.Errorf("op=bse.RunOnceLocked.lock: %w", err)
	}
	defer lock.Release()
	return s.RunOnce(ctx)
}

// RunOnce performs one fetch-persist-enqueue pass.
func (s *Scraper) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Scraper.RunOnce")
	defer span.End()

	anns, rawBody, err := s.fetch(ctx)
	if err != nil {
		slog.Error("bse scraper: fetch failed", slog.Any("error", err))
		return fmt.Errorf("op=bse.RunOnce.fetch: %w", err)
	}
	span.SetAttributes(attribute.Int("bse.fetched", len(anns)))

	if err := s.store.SaveRawFetch(ctx, anns, s.feedURL, map[string]string{"raw_len": fmt.Sprintf("%d", len(rawBody))}); err != nil {
		slog.Error("bse scraper: failed to persist raw fetch, continuing", slog.Any("error", err))
	}

	cursor, err := scraper.LoadCursor(s.cursorPath())
	if err != nil {
		slog.Error("bse scraper: failed to load cursor, treating as first run", slog.Any("error", err))
	}

	if cursor.LastNewsID == "" && !scraper.FirstRunDone(s.dataDir, "bse") {
		slog.Info("bse scraper: inaugural pass, recording cursor without enqueueing backlog", slog.Int("fetched", len(anns)))
		if len(anns) > 0 {
			if err := scraper.SaveCursor(s.cursorPath(), scraper.Cursor{LastNewsID: anns[0].NewsID, LastFetchedAt: time.Now().UTC()}); err != nil {
				slog.Error("bse scraper: failed to save inaugural cursor", slog.Any("error", err))
			}
		}
		if err := scraper.MarkFirstRunDone(s.dataDir, "bse"); err != nil {
			slog.Error("bse scraper: failed to stamp first-run flag", slog.Any("error", err))
		}
		return nil
	}

	fresh := scraper.NewItemsOldestFirst(anns, cursor)
	if len(fresh) == 0 {
		return nil
	}

	lastNewsID, enqueued, err := scraper.EnqueueNew(ctx, s.broker, "bse", fresh)
	if err != nil {
		return fmt.Errorf("op=bse.RunOnce.enqueue: %w", err)
	}
	span.SetAttributes(attribute.Int("bse.enqueued", enqueued))

	if lastNewsID != "" {
		if err := scraper.SaveCursor(s.cursorPath(), scraper.Cursor{LastNewsID: lastNewsID, LastFetchedAt: time.Now().UTC()}); err != nil {
			slog.Error("bse scraper: failed to save cursor", slog.Any("error", err))
		}
	}
	if err := s.broker.HSet(ctx, scraperHeartbeatKey, "bse", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Error("bse scraper: failed to stamp heartbeat", slog.Any("error", err))
	}
	slog.Info("bse scraper: pass complete", slog.Int("fetched", len(anns)), slog.Int("enqueued", enqueued))
	return nil
}

// fetch calls BSE's announcement feed with capped retries and parses the
// response into domain.Announcement values, newest-first as BSE returns them.
func (s *Scraper) fetch(ctx context.Context) ([]domain.Announcement, []byte, error) {
	var body []byte
	today := time.Now().Format("20060102")
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		q := req.URL.Query()
		q.Set("pageno", "1")
		q.Set("strCat", "-1")
		q.Set("strPrevDate", today)
		q.Set("strToDate", today)
		q.Set("strScrip", "")
		q.Set("strSearch", "P")
		q.Set("strType", "C")
		req.URL.RawQuery = q.Encode()
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Referer", "https://www.bseindia.com/")
		req.Header.Set("Origin", "https://www.bseindia.com")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, nil, fmt.Errorf("fetch after retries: %w", err)
	}

	var parsed bseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, body, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}

	now := time.Now().UTC()
	anns := make([]domain.Announcement, 0, len(parsed.Table))
	for _, t := range parsed.Table {
		if t.NewsID == "" {
			continue
		}
		eventTime := now
		if parsedTime, err := time.Parse("2006-01-02T15:04:05", t.NewsDT); err == nil {
			eventTime = parsedTime
		}
		attachment := ""
		if t.AttachName != "" {
			attachment = attachBaseURL + t.AttachName
		}
		isin := t.ISIN
		if isin == "" && t.ScripCD != "" {
			isin = s.lookupISIN(ctx, t.ScripCD)
		}
		anns = append(anns, domain.Announcement{
			NewsID:         t.NewsID,
			Exchange:       domain.ExchangeBSE,
			SecurityID:     t.ScripCD,
			ISIN:           isin,
			Symbol:         t.Symbol,
			CompanyName:    t.Symbol,
			EventDatetime:  eventTime,
			RawHeadline:    t.Headline,
			AttachmentName: attachment,
			FetchedAt:      now,
		})
	}
	return anns, body, nil
}

// lookupISIN resolves a scrip code to its ISIN via BSE's company-header
// endpoint, caching results for the process lifetime. Returns "" on any
// failure: ISIN is enrichment and never blocks the pipeline.
func (s *Scraper) lookupISIN(ctx context.Context, scripCD string) string {
	if isin, ok := s.isinCache[scripCD]; ok {
		return isin
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.isinURL, nil)
	if err != nil {
		return ""
	}
	q := req.URL.Query()
	q.Set("quotetype", "EQ")
	q.Set("scripcode", scripCD)
	q.Set("seriesid", "")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", "https://www.bseindia.com/")
	req.Header.Set("Origin", "https://www.bseindia.com")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var parsed struct {
		ISIN string `json:"ISIN"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		slog.Debug("bse scraper: isin lookup returned unparseable body", slog.String("scrip_cd", scripCD), slog.Any("error", err))
		return ""
	}
	s.isinCache[scripCD] = parsed.ISIN
	return parsed.ISIN
}
