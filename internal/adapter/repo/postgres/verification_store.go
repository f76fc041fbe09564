package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// VerificationStore implements domain.VerificationStore against Postgres
// tables `verifier_sessions` and `verification_tasks`.
type VerificationStore struct {
	pool *pgxpool.Pool
}

// NewVerificationStore builds a VerificationStore backed by pool.
func NewVerificationStore(pool *pgxpool.Pool) *VerificationStore {
	return &VerificationStore{pool: pool}
}

var verificationTracer = otel.Tracer("store.verification")

// ExpireSessions marks past-expiry active sessions inactive.
func (s *VerificationStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationStore.ExpireSessions")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE verifier_sessions SET is_active = false
		WHERE is_active = true AND expires_at < $1
	`, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=verificationstore.ExpireSessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseOrphanedTasks requeues in-progress tasks assigned to a session
// that is no longer active.
func (s *VerificationStore) ReleaseOrphanedTasks(ctx context.Context) (int, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationStore.ReleaseOrphanedTasks")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE verification_tasks SET status = 'queued', assigned_to_session = NULL, assigned_at = NULL
		WHERE status = 'in_progress'
		  AND NOT EXISTS (
		      SELECT 1 FROM verifier_sessions vs
		      WHERE vs.session_id = verification_tasks.assigned_to_session AND vs.is_active = true
		  )
	`)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=verificationstore.ReleaseOrphanedTasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseTimedOutTasks requeues in-progress tasks
// older than timeout when retries remain, else mark them terminally
// unverified.
func (s *VerificationStore) ReleaseTimedOutTasks(ctx context.Context, timeout time.Duration, now time.Time) (released, exhausted int, err error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationStore.ReleaseTimedOutTasks")
	defer span.End()

	cutoff := now.Add(-timeout)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("op=verificationstore.ReleaseTimedOutTasks.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	releasedTag, err := tx.Exec(ctx, `
		UPDATE verification_tasks
		SET status = 'queued', assigned_to_session = NULL, assigned_at = NULL,
		    retry_count = retry_count + 1, timeout_count = timeout_count + 1
		WHERE status = 'in_progress' AND assigned_at < $1 AND retry_count < max_retry_count
	`, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("op=verificationstore.ReleaseTimedOutTasks.release: %w", err)
	}

	exhaustedTag, err := tx.Exec(ctx, `
		UPDATE verification_tasks
		SET status = 'verified', is_verified = false, note = 'max retries exceeded'
		WHERE status = 'in_progress' AND assigned_at < $1 AND retry_count >= max_retry_count
	`, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("op=verificationstore.ReleaseTimedOutTasks.exhaust: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=verificationstore.ReleaseTimedOutTasks.commit: %w", err)
	}
	span.SetAttributes(attribute.Int64("released", releasedTag.RowsAffected()), attribute.Int64("exhausted", exhaustedTag.RowsAffected()))
	return int(releasedTag.RowsAffected()), int(exhaustedTag.RowsAffected()), nil
}

// QueuedTaskCount reports how many tasks currently sit in the queued state.
func (s *VerificationStore) QueuedTaskCount(ctx context.Context) (int, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationStore.QueuedTaskCount")
	defer span.End()

	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM verification_tasks WHERE status = 'queued'`).Scan(&count)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=verificationstore.QueuedTaskCount: %w", err)
	}
	return count, nil
}

// ActiveSessionIDs lists currently active verifier session IDs.
func (s *VerificationStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationStore.ActiveSessionIDs")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT session_id FROM verifier_sessions WHERE is_active = true`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=verificationstore.ActiveSessionIDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("op=verificationstore.ActiveSessionIDs.scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=verificationstore.ActiveSessionIDs.rows: %w", err)
	}
	return ids, nil
}
