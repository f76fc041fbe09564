// Package sqlite implements domain.CheckpointStore (LocalCheckpointDB): a
// durable, single-host, crash-safe log of every fetched announcement and its
// per-stage progress, backed by a pure-Go, cgo-free SQLite driver so the
// module's build story stays simple. Open takes an OS-level file lock keyed
// to the DB path when it is free; if another process holds it, Open logs a
// warning and proceeds without it, leaving SQLite's own locking and busy
// timeout to order writes. The unique constraint on news_id makes a
// duplicate insert a no-op.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/filelock"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// Store implements domain.CheckpointStore against a local SQLite file.
type Store struct {
	db   *sql.DB
	path string
	lock *filelock.Lock
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS raw_responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetched_at TEXT NOT NULL,
	url TEXT NOT NULL,
	params TEXT,
	raw_json TEXT
);
CREATE TABLE IF NOT EXISTS announcements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	news_id TEXT UNIQUE NOT NULL,
	scrip_cd TEXT,
	headline TEXT,
	fetched_at TEXT NOT NULL,
	raw_json TEXT
);
`

// checkpointColumns is the set of columns self-migrated onto announcements
// on open.
var checkpointColumns = []struct {
	name, ddlType string
}{
	{"downloaded_pdf_file", "TEXT"},
	{"pdf_pages", "INTEGER"},
	{"pdf_downloaded_at", "TEXT"},
	{"ai_processed", "INTEGER NOT NULL DEFAULT 0"},
	{"ai_category", "TEXT"},
	{"ai_summary", "TEXT"},
	{"ai_error", "TEXT"},
	{"ai_processed_at", "TEXT"},
	{"sent_to_supabase", "INTEGER NOT NULL DEFAULT 0"},
	{"sent_to_supabase_at", "TEXT"},
}

// Open creates (if missing) and migrates the SQLite database at path,
// acquiring the single-writer file lock used to keep two scraper/replayer
// processes from racing on INSERTs.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("op=checkpoint.Open.mkdir: %w", err)
			}
		}
	}

	lock, err := filelock.TryAcquire(path + ".lock")
	if err != nil && !errors.Is(err, filelock.ErrHeld) {
		return nil, fmt.Errorf("op=checkpoint.Open.lock: %w", err)
	}
	if errors.Is(err, filelock.ErrHeld) {
		slog.Warn("checkpoint db lock already held by another process; proceeding with shared reads", slog.String("path", path))
	}

	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("op=checkpoint.Open.sqlopen: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer contract; SQLite serializes anyway

	s := &Store{db: db, path: path, lock: lock}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("op=checkpoint.Open.migrate: %w", err)
	}
	return s, nil
}

// migrate creates the base tables and idempotently adds any missing
// checkpoint column, so older database files upgrade in place on open.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}
	for _, col := range checkpointColumns {
		stmt := fmt.Sprintf("ALTER TABLE announcements ADD COLUMN %s %s", col.name, col.ddlType)
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// Close releases the SQLite connection and the file lock.
func (s *Store) Close() error {
	var errs []error
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SaveRawFetch persists one raw_responses row plus one announcements row
// per item. A duplicate news_id is logged and skipped without aborting the
// rest of the batch; any write failure is logged, never returned as a hard
// error; the scraper must keep running and the replayer reconciles later.
func (s *Store) SaveRawFetch(ctx context.Context, anns []domain.Announcement, url string, params map[string]string) error {
	paramsJSON, _ := json.Marshal(params)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO raw_responses (fetched_at, url, params) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), url, string(paramsJSON)); err != nil {
		slog.Error("checkpoint: failed to save raw fetch", slog.Any("error", err))
		return nil
	}

	for _, a := range anns {
		raw, _ := json.Marshal(a)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO announcements (news_id, scrip_cd, headline, fetched_at, raw_json)
			VALUES (?, ?, ?, ?, ?)
		`, a.NewsID, a.SecurityID, a.RawHeadline, a.FetchedAt.UTC().Format(time.RFC3339), string(raw))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				slog.Info("checkpoint: duplicate news_id skipped", slog.String("news_id", a.NewsID))
				continue
			}
			slog.Error("checkpoint: failed to insert announcement row", slog.String("news_id", a.NewsID), slog.Any("error", err))
		}
	}
	return nil
}

// UpdateCheckpoint applies a partial update of the checkpoint columns in
// fields (only non-zero-valued fields are written) for the row matching
// news_id, advancing progress monotonically.
func (s *Store) UpdateCheckpoint(ctx context.Context, newsID string, fields domain.CheckpointRow) error {
	var sets []string
	var args []any

	if fields.DownloadedPDFFile != "" {
		sets = append(sets, "downloaded_pdf_file = ?")
		args = append(args, fields.DownloadedPDFFile)
	}
	if fields.PDFPages != 0 {
		sets = append(sets, "pdf_pages = ?")
		args = append(args, fields.PDFPages)
	}
	if fields.PDFDownloadedAt != nil {
		sets = append(sets, "pdf_downloaded_at = ?")
		args = append(args, fields.PDFDownloadedAt.UTC().Format(time.RFC3339))
	}
	if fields.AIProcessed {
		sets = append(sets, "ai_processed = 1")
	}
	if fields.AICategory != "" {
		sets = append(sets, "ai_category = ?")
		args = append(args, fields.AICategory)
	}
	if fields.AISummary != "" {
		sets = append(sets, "ai_summary = ?")
		args = append(args, fields.AISummary)
	}
	if fields.AIError != "" {
		sets = append(sets, "ai_error = ?")
		args = append(args, fields.AIError)
	}
	if fields.AIProcessedAt != nil {
		sets = append(sets, "ai_processed_at = ?")
		args = append(args, fields.AIProcessedAt.UTC().Format(time.RFC3339))
	}
	if fields.SentToSupabase {
		sets = append(sets, "sent_to_supabase = 1")
	}
	if fields.SentToSupabaseAt != nil {
		sets = append(sets, "sent_to_supabase_at = ?")
		args = append(args, fields.SentToSupabaseAt.UTC().Format(time.RFC3339))
	}

	if len(sets) == 0 {
		return nil
	}
	args = append(args, newsID)
	stmt := fmt.Sprintf("UPDATE announcements SET %s WHERE news_id = ?", strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		slog.Error("checkpoint: update failed", slog.String("news_id", newsID), slog.Any("error", err))
		return fmt.Errorf("op=checkpoint.UpdateCheckpoint: %w", err)
	}
	return nil
}

// RowsNeedingWork returns rows fetched on date where ai_processed=0 or
// sent_to_supabase=0, up to limit rows, for the Replayer to reconcile.
func (s *Store) RowsNeedingWork(ctx context.Context, date time.Time, limit int) ([]domain.CheckpointRow, error) {
	day := date.UTC().Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, `
		SELECT news_id, headline, scrip_cd, raw_json, downloaded_pdf_file, pdf_pages, pdf_downloaded_at,
		       ai_processed, ai_category, ai_summary, ai_error, ai_processed_at,
		       sent_to_supabase, sent_to_supabase_at
		FROM announcements
		WHERE substr(fetched_at, 1, 10) = ? AND (ai_processed = 0 OR sent_to_supabase = 0)
		ORDER BY id ASC
		LIMIT ?
	`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("op=checkpoint.RowsNeedingWork: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckpointRow
	for rows.Next() {
		var (
			r                                        domain.CheckpointRow
			pdfDownloadedAt, aiProcessedAt, sentAt   sql.NullString
			aiProcessed, sentToSupabase              int
			pdfFile, pdfPages, aiCategory, aiSummary sql.NullString
			aiErr, headline, scripCd, rawJSON        sql.NullString
		)
		if err := rows.Scan(&r.NewsID, &headline, &scripCd, &rawJSON, &pdfFile, &pdfPages, &pdfDownloadedAt,
			&aiProcessed, &aiCategory, &aiSummary, &aiErr, &aiProcessedAt,
			&sentToSupabase, &sentAt); err != nil {
			return nil, fmt.Errorf("op=checkpoint.RowsNeedingWork.scan: %w", err)
		}
		r.Headline = headline.String
		r.SecurityID = scripCd.String
		r.RawJSON = rawJSON.String
		r.DownloadedPDFFile = pdfFile.String
		if n, err := strconv.Atoi(pdfPages.String); err == nil {
			r.PDFPages = n
		}
		r.AICategory = aiCategory.String
		r.AISummary = aiSummary.String
		r.AIError = aiErr.String
		r.AIProcessed = aiProcessed == 1
		r.SentToSupabase = sentToSupabase == 1
		if t, err := time.Parse(time.RFC3339, pdfDownloadedAt.String); err == nil {
			r.PDFDownloadedAt = &t
		}
		if t, err := time.Parse(time.RFC3339, aiProcessedAt.String); err == nil {
			r.AIProcessedAt = &t
		}
		if t, err := time.Parse(time.RFC3339, sentAt.String); err == nil {
			r.SentToSupabaseAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.CheckpointStore = (*Store)(nil)
