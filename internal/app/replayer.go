package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/scraper"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

var tracerReplayer = otel.Tracer("app.replayer")

// maxEmptyRuns is the number of consecutive empty continuous-mode passes
// tolerated before the check interval starts backing off, mirroring the
// original reconciliation script's tolerance before it widened its poll.
const maxEmptyRuns = 10

// continuousBackoffCap bounds how far RunContinuous will stretch its sleep
// interval once back-off kicks in.
const continuousBackoffCap = 5 * time.Minute

// Replayer reconciles checkpoints with the Store: after an outage, walk
// LocalCheckpointDB for rows still missing AI classification or a Store
// write and re-drive each one through the same classify/persist/broadcast
// steps AIWorker and StoreWorker perform, without re-entering the queue.
type Replayer struct {
	checkpoint domain.CheckpointStore
	store      domain.Store
	classifier domain.Classifier
	httpClient *http.Client

	broadcastURL string
	batchLimit   int
}

// ReplayerConfig bounds one Replayer instance.
type ReplayerConfig struct {
	BroadcastURL string
	BatchLimit   int
}

// NewReplayer builds a Replayer.
func NewReplayer(checkpoint domain.CheckpointStore, store domain.Store, classifier domain.Classifier, cfg ReplayerConfig) *Replayer {
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 50
	}
	return &Replayer{
		checkpoint:   checkpoint,
		store:        store,
		classifier:   classifier,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		broadcastURL: cfg.BroadcastURL,
		batchLimit:   limit,
	}
}

// RunOnce reconciles every row LocalCheckpointDB reports as needing work for
// date, returning how many rows it actually advanced.
func (r *Replayer) RunOnce(ctx context.Context, date time.Time) (int, error) {
	ctx, span := tracerReplayer.Start(ctx, "Replayer.RunOnce")
	defer span.End()
	span.SetAttributes(attribute.String("date", date.Format("2006-01-02")))

	rows, err := r.checkpoint.RowsNeedingWork(ctx, date, r.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("op=replayer.RunOnce.rows: %w", err)
	}

	processed := 0
	for _, row := range rows {
		if r.replayRow(ctx, row) {
			processed++
		}
	}
	span.SetAttributes(attribute.Int("processed", processed), attribute.Int("candidates", len(rows)))
	return processed, nil
}

// RunContinuous wakes every interval, targets the current day, and widens
// its own wake-up interval (up to continuousBackoffCap) after maxEmptyRuns
// consecutive passes find nothing, exactly as the original continuous
// replay loop adapted its poll rate to a quiet exchange calendar.
func (r *Replayer) RunContinuous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	current := interval
	emptyRuns := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		processed, err := r.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			slog.Error("replayer: pass failed", slog.Any("error", err))
		} else if processed == 0 {
			emptyRuns++
			if emptyRuns >= maxEmptyRuns {
				current = minDuration(current*2, continuousBackoffCap)
			}
		} else {
			emptyRuns = 0
			current = interval
			slog.Info("replayer: pass reconciled rows", slog.Int("processed", processed))
		}

		timer.Reset(current)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// replayRow advances one checkpoint row through whichever stages it is
// still missing, reporting whether it made forward progress.
func (r *Replayer) replayRow(ctx context.Context, row domain.CheckpointRow) bool {
	ann, err := decodeRawAnnouncement(row)
	if err != nil {
		slog.Warn("replayer: skipping row with unreadable raw fetch", slog.String("news_id", row.NewsID), slog.Any("error", err))
		return false
	}

	advanced := false
	result, ok := r.ensureClassified(ctx, &row, ann)
	if ok {
		advanced = true
	}
	if !row.AIProcessed {
		// Classification still missing (Classifier failure): nothing more
		// can be reconciled for this row on this pass.
		return advanced
	}

	if r.ensureStored(ctx, &row, ann, result) {
		advanced = true
	}
	return advanced
}

// ensureClassified runs the negative-keyword shortcut or the real
// Classifier, exactly as AIWorker does, when the row has not yet been
// AI-processed; returns the classification (freshly computed or
// reconstructed from the checkpoint row) for ensureStored to consume.
func (r *Replayer) ensureClassified(ctx context.Context, row *domain.CheckpointRow, ann domain.Announcement) (domain.ClassificationResult, bool) {
	if row.AIProcessed {
		// A row classified on an earlier pass replays with its persisted
		// ai_category column; rows written before that column existed fall
		// back to the shortcut's category.
		category := row.AICategory
		if category == "" {
			category = domain.CategoryProceduralAdministrative
		}
		return domain.ClassificationResult{
			Category: category,
			Headline: row.Headline,
			Summary:  row.AISummary,
		}, false
	}

	result, err := r.classify(ctx, ann, row.Headline)
	if err != nil {
		slog.Warn("replayer: classification failed, leaving row for a later pass",
			slog.String("news_id", row.NewsID), slog.Any("error", err))
		now := time.Now().UTC()
		_ = r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, domain.CheckpointRow{NewsID: row.NewsID, AIError: err.Error(), AIProcessedAt: &now})
		return domain.ClassificationResult{}, false
	}

	now := time.Now().UTC()
	if err := r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, domain.CheckpointRow{
		NewsID:        row.NewsID,
		AIProcessed:   true,
		AICategory:    result.Category,
		AISummary:     result.Summary,
		AIProcessedAt: &now,
	}); err != nil {
		slog.Warn("replayer: checkpoint update failed, continuing", slog.Any("error", err))
	}
	row.AIProcessed = true
	row.AICategory = result.Category
	row.AISummary = result.Summary
	return result, true
}

func (r *Replayer) classify(ctx context.Context, ann domain.Announcement, headline string) (domain.ClassificationResult, error) {
	if domain.ShouldShortCircuit(headline) {
		return domain.ShortCircuitResult(headline), nil
	}

	if ann.AttachmentName != "" {
		path, err := r.downloadPDF(ctx, ann.AttachmentName, ann.NewsID)
		if err != nil {
			return domain.ClassificationResult{}, fmt.Errorf("download pdf: %w", err)
		}
		defer os.Remove(path)
		return r.classifier.ClassifyPDF(ctx, path, headline)
	}
	return r.classifier.ClassifyText(ctx, headline, headline)
}

func (r *Replayer) downloadPDF(ctx context.Context, url, newsID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d downloading pdf", resp.StatusCode)
	}

	path := filepath.Join(os.TempDir(), "replay-"+newsID+".pdf")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}

// ensureStored writes the filing to Store, broadcasts it, and marks the
// checkpoint sent, when it has not already been sent.
func (r *Replayer) ensureStored(ctx context.Context, row *domain.CheckpointRow, ann domain.Announcement, result domain.ClassificationResult) bool {
	if row.SentToSupabase {
		return false
	}

	filing := domain.StoredFiling{
		CorpID:      scraper.CorpID(exchangePrefix(ann.Exchange), ann.NewsID),
		NewsID:      ann.NewsID,
		SecurityID:  ann.SecurityID,
		ISIN:        ann.ISIN,
		Symbol:      ann.Symbol,
		CompanyName: ann.CompanyName,
		Category:    result.Category,
		Headline:    result.Headline,
		Summary:     ann.RawHeadline,
		AISummary:   result.Summary,
		FileURL:     ann.AttachmentName,
		Date:        ann.EventDatetime,
	}

	exists, err := r.store.FilingExists(ctx, filing.CorpID)
	if err != nil {
		slog.Warn("replayer: filing-exists check failed, skipping", slog.String("corp_id", filing.CorpID), slog.Any("error", err))
		return false
	}
	if !exists {
		if err := r.store.InsertFiling(ctx, filing); err != nil {
			slog.Warn("replayer: insert failed, leaving row for a later pass", slog.String("corp_id", filing.CorpID), slog.Any("error", err))
			return false
		}
		if err := r.store.IncrementCategoryCount(ctx, filing.Date, filing.Category); err != nil {
			slog.Warn("replayer: category counter update failed, continuing", slog.Any("error", err))
		}
		if result.FinData != nil {
			if err := r.store.UpsertFinancialResult(ctx, filing.ISIN, *result.FinData); err != nil {
				slog.Warn("replayer: financial-results upsert failed, continuing", slog.Any("error", err))
			}
		}
	}

	r.postBroadcast(ctx, filing)

	now := time.Now().UTC()
	if err := r.checkpoint.UpdateCheckpoint(ctx, row.NewsID, domain.CheckpointRow{
		NewsID:           row.NewsID,
		SentToSupabase:   true,
		SentToSupabaseAt: &now,
	}); err != nil {
		slog.Warn("replayer: checkpoint update failed, continuing", slog.Any("error", err))
	}
	row.SentToSupabase = true
	return true
}

// postBroadcast mirrors StoreWorker's best-effort intake POST so filings
// recovered by Replayer still reach BroadcastFrontend's live feed.
func (r *Replayer) postBroadcast(ctx context.Context, f domain.StoredFiling) {
	if r.broadcastURL == "" {
		return
	}
	payload := map[string]string{
		"corp_id":      f.CorpID,
		"category":     f.Category,
		"summary":      f.Summary,
		"ai_summary":   f.AISummary,
		"isin":         f.ISIN,
		"symbol":       f.Symbol,
		"company_name": f.CompanyName,
		"date":         f.Date.Format("2006-01-02"),
		"file_url":     f.FileURL,
		"headline":     f.Headline,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("replayer: failed to marshal broadcast payload", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.broadcastURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("replayer: failed to build broadcast request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Warn("replayer: broadcast POST failed", slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
}

func exchangePrefix(ex domain.Exchange) string {
	if ex == domain.ExchangeNSE {
		return "nse"
	}
	return "bse"
}

// decodeRawAnnouncement recovers the originally-fetched Announcement from
// the checkpoint row's RawJSON. CorpID on that value is never trustworthy
// (SaveRawFetch persists it before EnqueueNew assigns a corp_id), so callers
// must always recompute it via scraper.CorpID rather than read ann.CorpID.
func decodeRawAnnouncement(row domain.CheckpointRow) (domain.Announcement, error) {
	var ann domain.Announcement
	if row.RawJSON == "" {
		return ann, fmt.Errorf("empty raw fetch for news_id %s", row.NewsID)
	}
	if err := json.Unmarshal([]byte(row.RawJSON), &ann); err != nil {
		return ann, fmt.Errorf("unmarshal raw fetch: %w", err)
	}
	return ann, nil
}
