package events

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/kelpejol/creditledger/internal/ledger"
)

// PostgresStore implements Store on the credit_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_events
		SET status = 'PROCESSING', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE credit_events
		SET status = 'PROCESSING', updated_at = $2
		WHERE id IN (
			SELECT id FROM credit_events
			WHERE status = 'PENDING'
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+ledger.EventColumns,
		limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim pending failed: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		e, err := ledger.ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	// UPDATE ... RETURNING does not keep the subquery's ORDER BY.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_events
		SET status = 'PROCESSED', last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_events
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, reason, now)
	if err != nil {
		return fmt.Errorf("mark failed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueProcessing(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_events
		SET status = 'PENDING', updated_at = $2
		WHERE status = 'PROCESSING' AND updated_at < $1
	`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue processing failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, cutoff, now time.Time, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_events
		SET status = 'PENDING', updated_at = $2
		WHERE status = 'FAILED' AND retry_count < $3 AND updated_at < $1
	`, cutoff, now, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue failed events failed: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CountDead(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_events
		WHERE status = 'FAILED' AND retry_count >= $1
	`, maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead failed: %w", err)
	}
	return n, nil
}
