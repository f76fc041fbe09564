// Package nse implements the NSE announcement scraper: a three-step
// cookie warm-up (homepage → market-data page → corporate-announcements
// page, sharing one cookie jar) precedes every fetch, since NSE rejects
// requests that arrive without a session established through its own
// pages first.
package nse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
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

var tracer = otel.Tracer("scraper.nse")

const (
	homepageURL       = "https://www.nseindia.com/"
	marketDataURL     = "https://www.nseindia.com/market-data/securities-available-for-trading"
	announcementsPage = "https://www.nseindia.com/companies-listing/corporate-filings-announcements"
	announcementsAPI  = "https://www.nseindia.com/api/corporate-announcements?index=equities"
)

// scraperHeartbeatKey matches internal/adapter/httpserver's ScraperStatusHandler.
const scraperHeartbeatKey = "scraper:heartbeat"

// nseRow is one entry of NSE's corporate-announcements API response.
type nseRow struct {
	SeqID      int    `json:"seq_id"`
	Symbol     string `json:"symbol"`
	ISIN       string `json:"isin"`
	CompName   string `json:"sm_name"`
	Subject    string `json:"desc"`
	AttachName string `json:"attchmntFile"`
	BcastDT    string `json:"an_dt"`
}

// Scraper implements NSE's scraper contract.
type Scraper struct {
	httpClient *http.Client
	store      domain.CheckpointStore
	broker     domain.QueueBroker
	dataDir    string
	apiURL     string
	warmedUp   bool
}

// New builds an NSE scraper writing its lock and cursor files under dataDir.
// Each Scraper owns its own cookiejar.Jar so warm-up state never leaks
// between instances.
func New(store domain.CheckpointStore, broker domain.QueueBroker, dataDir string) *Scraper {
	jar, _ := cookiejar.New(nil)
	return &Scraper{
		httpClient: &http.Client{Timeout: 10 * time.Second, Jar: jar, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		store:      store,
		broker:     broker,
		dataDir:    dataDir,
		apiURL:     announcementsAPI,
	}
}

func (s *Scraper) fetchOverrideURL(url string) { s.apiURL = url }

func (s *Scraper) lockPath() string   { return filepath.Join(s.dataDir, "nse_scraper.lock") }
func (s *Scraper) cursorPath() string { return filepath.Join(s.dataDir, "nse_cursor.json") }

// Run loops RunOnce every interval until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context, interval time.Duration) error {
	lock, err := filelock.TryAcquire(s.lockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrHeld) {
			slog.Info("nse scraper: another instance holds the lock, exiting quietly")
			return nil
		}
		return fmt.Errorf("op=nse.Run.lock: %w", err)
	}
	defer lock.Release()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		slog.Error("nse scraper: pass failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("nse scraper: pass failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnceLocked acquires the lock for a single pass, per the cron-supervised
// one-shot scheduling mode.
func (s *Scraper) RunOnceLocked(ctx context.Context) error {
	lock, err := filelock.TryAcquire(s.lockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrHeld) {
			slog.Info("nse scraper: another instance holds the lock, exiting quietly")
			return nil
		}
		return fmt.Errorf("op=nse.RunOnceLocked.lock: %w", err)
	}
	defer lock.Release()
	return s.RunOnce(ctx)
}

// RunOnce performs one warm-up-then-fetch-persist-enqueue pass.
func (s *Scraper) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Scraper.RunOnce")
	defer span.End()

	if err := s.warmUp(ctx); err != nil {
		slog.Error("nse scraper: session warm-up failed", slog.Any("error", err))
		return fmt.Errorf("op=nse.RunOnce.warmup: %w", err)
	}

	anns, rawBody, err := s.fetch(ctx)
	if err != nil {
		slog.Error("nse scraper: fetch failed", slog.Any("error", err))
		return fmt.Errorf("op=nse.RunOnce.fetch: %w", err)
	}
	span.SetAttributes(attribute.Int("nse.fetched", len(anns)))

	if err := s.store.SaveRawFetch(ctx, anns, s.apiURL, map[string]string{"raw_len": fmt.Sprintf("%d", len(rawBody))}); err != nil {
		slog.Error("nse scraper: failed to persist raw fetch, continuing", slog.Any("error", err))
	}

	cursor, err := scraper.LoadCursor(s.cursorPath())
	if err != nil {
		slog.Error("nse scraper: failed to load cursor, treating as first run", slog.Any("error", err))
	}

	if cursor.LastNewsID == "" && !scraper.FirstRunDone(s.dataDir, "nse") {
		slog.Info("nse scraper: inaugural pass, recording cursor without enqueueing backlog", slog.Int("fetched", len(anns)))
		if len(anns) > 0 {
			if err := scraper.SaveCursor(s.cursorPath(), scraper.Cursor{LastNewsID: anns[0].NewsID, LastFetchedAt: time.Now().UTC()}); err != nil {
				slog.Error("nse scraper: failed to save inaugural cursor", slog.Any("error", err))
			}
		}
		if err := scraper.MarkFirstRunDone(s.dataDir, "nse"); err != nil {
			slog.Error("nse scraper: failed to stamp first-run flag", slog.Any("error", err))
		}
		return nil
	}

	fresh := scraper.NewItemsOldestFirst(anns, cursor)
	if len(fresh) == 0 {
		return nil
	}

	lastNewsID, enqueued, err := scraper.EnqueueNew(ctx, s.broker, "nse", fresh)
	if err != nil {
		return fmt.Errorf("op=nse.RunOnce.enqueue: %w", err)
	}
	span.SetAttributes(attribute.Int("nse.enqueued", enqueued))

	if lastNewsID != "" {
		if err := scraper.SaveCursor(s.cursorPath(), scraper.Cursor{LastNewsID: lastNewsID, LastFetchedAt: time.Now().UTC()}); err != nil {
			slog.Error("nse scraper: failed to save cursor", slog.Any("error", err))
		}
	}
	if err := s.broker.HSet(ctx, scraperHeartbeatKey, "nse", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Error("nse scraper: failed to stamp heartbeat", slog.Any("error", err))
	}
	slog.Info("nse scraper: pass complete", slog.Int("fetched", len(anns)), slog.Int("enqueued", enqueued))
	return nil
}

// warmUp walks homepage -> market-data page -> announcements page in order,
// each response feeding cookies (via the shared cookiejar) into the next
// request, exactly as NSE's own web client does before calling its APIs.
// Run once per process; subsequent passes reuse the established session.
func (s *Scraper) warmUp(ctx context.Context) error {
	if s.warmedUp {
		return nil
	}
	for _, url := range []string{homepageURL, marketDataURL, announcementsPage} {
		if err := s.visit(ctx, url); err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
	}
	s.warmedUp = true
	return nil
}

func (s *Scraper) visit(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// fetch calls NSE's corporate-announcements API with capped retries.
func (s *Scraper) fetch(ctx context.Context) ([]domain.Announcement, []byte, error) {
	var body []byte
	today := time.Now().Format("02-01-2006")
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		q := req.URL.Query()
		q.Set("from_date", today)
		q.Set("to_date", today)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Referer", announcementsPage)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			// A 401/403 here usually means the warm-up cookies expired;
			// force a re-warm-up on the next RunOnce.
			s.warmedUp = false
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, nil, fmt.Errorf("fetch after retries: %w", err)
	}

	var rows []nseRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, body, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}

	now := time.Now().UTC()
	anns := make([]domain.Announcement, 0, len(rows))
	for _, r := range rows {
		if r.SeqID == 0 {
			continue
		}
		newsID := fmt.Sprintf("%d", r.SeqID)
		eventTime := now
		if parsedTime, err := time.Parse("02-Jan-2006 15:04:05", r.BcastDT); err == nil {
			eventTime = parsedTime
		}
		anns = append(anns, domain.Announcement{
			NewsID:         newsID,
			Exchange:       domain.ExchangeNSE,
			ISIN:           r.ISIN,
			Symbol:         r.Symbol,
			CompanyName:    r.CompName,
			EventDatetime:  eventTime,
			RawHeadline:    r.Subject,
			AttachmentName: r.AttachName,
			FetchedAt:      now,
		})
	}
	return anns, body, nil
}
