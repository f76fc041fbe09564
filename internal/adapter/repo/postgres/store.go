package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

const pgUniqueViolation = "23505"

// Store implements domain.Store against Postgres, standing in for the
// Supabase-hosted cloud database the pipeline feeds.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore builds a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var tracer = otel.Tracer("store.postgres")

// FilingExists reports whether corpID already has a corporatefilings row.
// Used as the idempotency shield before Classifier/Store work repeats.
func (s *Store) FilingExists(ctx context.Context, corpID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.FilingExists")
	defer span.End()
	span.SetAttributes(attribute.String("corp_id", corpID))

	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM corporatefilings WHERE corp_id = $1)`, corpID).Scan(&exists)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("op=store.FilingExists: %w", err)
	}
	return exists, nil
}

// InsertFiling inserts f, idempotent on corp_id: a duplicate-key error is
// treated as success per the pipeline's at-most-once delivery contract.
func (s *Store) InsertFiling(ctx context.Context, f domain.StoredFiling) error {
	ctx, span := tracer.Start(ctx, "Store.InsertFiling")
	defer span.End()
	span.SetAttributes(attribute.String("corp_id", f.CorpID), attribute.String("category", f.Category))

	_, err := s.pool.Exec(ctx, `
		INSERT INTO corporatefilings
			(corp_id, news_id, security_id, isin, symbol, company_name, category,
			 headline, summary, ai_summary, sentiment, file_url, filing_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (corp_id) DO NOTHING
	`, f.CorpID, f.NewsID, f.SecurityID, f.ISIN, f.Symbol, f.CompanyName, f.Category,
		f.Headline, f.Summary, f.AISummary, string(f.Sentiment), f.FileURL, f.Date)
	if err != nil && !isDuplicateKey(err) {
		span.RecordError(err)
		return fmt.Errorf("op=store.InsertFiling: %w", err)
	}
	return nil
}

// UpsertFinancialResult implements the financial-results upsert:
// lookup by (isin, period); update only fields currently blank on the
// existing row; never overwrite a non-blank value; insert only after the
// parent filing's FK is known to exist.
func (s *Store) UpsertFinancialResult(ctx context.Context, isin string, fd domain.FinData) error {
	ctx, span := tracer.Start(ctx, "Store.UpsertFinancialResult")
	defer span.End()
	span.SetAttributes(attribute.String("isin", isin), attribute.String("period", fd.Period))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=store.UpsertFinancialResult.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing struct {
		salesCurrent, salesPrev, patCurrent, patPrev string
	}
	err = tx.QueryRow(ctx, `
		SELECT sales_current, sales_previous_year, pat_current, pat_previous_year
		FROM financial_results WHERE isin = $1 AND period = $2
	`, isin, fd.Period).Scan(&existing.salesCurrent, &existing.salesPrev, &existing.patCurrent, &existing.patPrev)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		var filingExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM corporatefilings WHERE isin = $1)`, isin).Scan(&filingExists); err != nil {
			span.RecordError(err)
			return fmt.Errorf("op=store.UpsertFinancialResult.fkcheck: %w", err)
		}
		if !filingExists {
			return fmt.Errorf("op=store.UpsertFinancialResult: %w: no filing for isin %s", domain.ErrConflict, isin)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO financial_results (isin, period, sales_current, sales_previous_year, pat_current, pat_previous_year)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, isin, fd.Period, fd.SalesCurrent, fd.SalesPreviousYr, fd.PATCurrent, fd.PATPreviousYr); err != nil {
			span.RecordError(err)
			return fmt.Errorf("op=store.UpsertFinancialResult.insert: %w", err)
		}
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("op=store.UpsertFinancialResult.lookup: %w", err)
	default:
		next := fd
		if existing.salesCurrent != "" {
			next.SalesCurrent = existing.salesCurrent
		}
		if existing.salesPrev != "" {
			next.SalesPreviousYr = existing.salesPrev
		}
		if existing.patCurrent != "" {
			next.PATCurrent = existing.patCurrent
		}
		if existing.patPrev != "" {
			next.PATPreviousYr = existing.patPrev
		}
		if _, err := tx.Exec(ctx, `
			UPDATE financial_results
			SET sales_current = $3, sales_previous_year = $4, pat_current = $5, pat_previous_year = $6
			WHERE isin = $1 AND period = $2
		`, isin, fd.Period, next.SalesCurrent, next.SalesPreviousYr, next.PATCurrent, next.PATPreviousYr); err != nil {
			span.RecordError(err)
			return fmt.Errorf("op=store.UpsertFinancialResult.update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=store.UpsertFinancialResult.commit: %w", err)
	}
	return nil
}

// IncrementCategoryCount performs the read-modify-write per-day category
// counter. Racy under concurrent StoreWorkers for the same date; the
// pipeline accepts this (see DESIGN.md open-question resolution).
func (s *Store) IncrementCategoryCount(ctx context.Context, date time.Time, category string) error {
	ctx, span := tracer.Start(ctx, "Store.IncrementCategoryCount")
	defer span.End()
	day := date.Format("2006-01-02")
	span.SetAttributes(attribute.String("date", day), attribute.String("category", category))

	counts := map[string]int{}
	err := s.pool.QueryRow(ctx, `SELECT category_counts FROM announcement_categories WHERE filing_date = $1`, day).Scan(&countsScanner{&counts})
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		counts[category] = 1
		payload, _ := json.Marshal(counts)
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO announcement_categories (filing_date, category_counts) VALUES ($1, $2)
		`, day, payload); err != nil {
			span.RecordError(err)
			return fmt.Errorf("op=store.IncrementCategoryCount.insert: %w", err)
		}
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("op=store.IncrementCategoryCount.select: %w", err)
	default:
		counts[category]++
		payload, _ := json.Marshal(counts)
		if _, err := s.pool.Exec(ctx, `
			UPDATE announcement_categories SET category_counts = $2 WHERE filing_date = $1
		`, day, payload); err != nil {
			span.RecordError(err)
			return fmt.Errorf("op=store.IncrementCategoryCount.update: %w", err)
		}
	}
	return nil
}

// countsScanner adapts a map[string]int destination to pgx's Scan, reading
// the stored JSONB column.
type countsScanner struct{ dest *map[string]int }

func (c *countsScanner) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported category_counts scan type %T", src)
	}
	return json.Unmarshal(raw, c.dest)
}

// InsertInvestorLinks bulk-inserts link rows; duplicate (corp_id,
// investor_id) pairs are tolerated.
func (s *Store) InsertInvestorLinks(ctx context.Context, corpID string, links []domain.InvestorLink) error {
	ctx, span := tracer.Start(ctx, "Store.InsertInvestorLinks")
	defer span.End()
	span.SetAttributes(attribute.String("corp_id", corpID), attribute.Int("link_count", len(links)))

	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(`
			INSERT INTO investor_corp (corp_id, investor_id, investor_name, verified)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (corp_id, investor_id) DO NOTHING
		`, corpID, l.InvestorID, l.Name, l.Verified)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range links {
		if _, err := br.Exec(); err != nil && !isDuplicateKey(err) {
			span.RecordError(err)
			return fmt.Errorf("op=store.InsertInvestorLinks: %w", err)
		}
	}
	return nil
}

// ResolveInvestor looks up name in smart_investors/investor_aliases; falls
// back to creating an unverified_investors row with a fresh UUID.
func (s *Store) ResolveInvestor(ctx context.Context, name string) (domain.InvestorLink, error) {
	ctx, span := tracer.Start(ctx, "Store.ResolveInvestor")
	defer span.End()
	span.SetAttributes(attribute.String("investor_name", name))

	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM smart_investors WHERE lower(name) = lower($1)
		UNION
		SELECT investor_id FROM investor_aliases WHERE lower(alias) = lower($1)
		LIMIT 1
	`, name).Scan(&id)
	if err == nil {
		return domain.InvestorLink{InvestorID: id, Name: name, Verified: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return domain.InvestorLink{}, fmt.Errorf("op=store.ResolveInvestor.lookup: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO unverified_investors (name) VALUES ($1) RETURNING id
	`, name).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return domain.InvestorLink{}, fmt.Errorf("op=store.ResolveInvestor.createUnverified: %w", err)
	}
	return domain.InvestorLink{InvestorID: id, Name: name, Verified: false}, nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
