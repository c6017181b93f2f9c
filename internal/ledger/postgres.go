package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB returns the underlying pool for components that share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTx runs fn in one READ COMMITTED transaction. Row locks taken by the
// Tx methods are held until fn returns.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Balance sums non-expired remaining credit and ACTIVE holds.
func (s *PostgresStore) Balance(ctx context.Context, accountID string, now time.Time) (Balance, error) {
	b, _, err := s.VersionedBalance(ctx, accountID, now)
	return b, err
}

// VersionedBalance reads a balance together with the number of events the
// account has committed. Both come from one snapshot, so a later read never
// returns a lower version than an earlier one.
func (s *PostgresStore) VersionedBalance(ctx context.Context, accountID string, now time.Time) (Balance, int64, error) {
	b := Balance{AccountID: accountID}
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(quantity_remaining) FROM credit_batches
			          WHERE account_id = $1
			            AND quantity_remaining > 0
			            AND (expires_at IS NULL OR expires_at > $2)), 0),
			COALESCE((SELECT SUM(quantity_held) FROM credit_holds
			          WHERE account_id = $1 AND state = 'ACTIVE'), 0),
			(SELECT COUNT(*) FROM credit_events WHERE account_id = $1)
	`, accountID, now).Scan(&b.Available, &b.Held, &version)
	if err != nil {
		return Balance{}, 0, fmt.Errorf("balance query failed: %w", err)
	}
	return b, version, nil
}

// Accounts lists accounts with ledger activity since the given instant.
// The zero time lists every account.
func (s *PostgresStore) Accounts(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account_id
		FROM credit_events
		WHERE created_at >= $1
		ORDER BY account_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list accounts failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account failed: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx *sql.Tx
}

const eventColumns = `id, account_id, type, payload, idempotency_key, status,
	retry_count, COALESCE(last_error, ''), created_at, updated_at`

func (t *pgTx) FindEvent(ctx context.Context, accountID string, et EventType, key string) (*Event, error) {
	// Same-key callers queue here instead of racing on SKIP LOCKED rows.
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		accountID+"/"+string(et)+"/"+key); err != nil {
		return nil, fmt.Errorf("lock idempotency key failed: %w", err)
	}

	row := t.tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM credit_events
		WHERE account_id = $1 AND type = $2 AND idempotency_key = $3
	`, accountID, string(et), key)

	e, err := ScanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event failed: %w", err)
	}
	return &e, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e Event) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_events (
			id, account_id, type, payload, idempotency_key,
			status, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (account_id, type, idempotency_key) DO NOTHING
	`, e.ID, e.AccountID, string(e.Type), []byte(e.Payload), e.IdempotencyKey,
		string(EventPending), e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b Batch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_batches (
			id, account_id, quantity_granted, quantity_remaining, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.AccountID, b.QuantityGranted, b.QuantityRemaining, nullTime(b.ExpiresAt), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch failed: %w", err)
	}
	return nil
}

func (t *pgTx) LockNextEligibleBatch(ctx context.Context, accountID string, now time.Time, exclude []string) (*Batch, error) {
	if exclude == nil {
		exclude = []string{}
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, quantity_granted, quantity_remaining, expires_at, created_at
		FROM credit_batches
		WHERE account_id = $1
		  AND quantity_remaining > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND NOT (id = ANY($3))
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, accountID, now, pq.Array(exclude))

	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock eligible batch failed: %w", err)
	}
	return &b, nil
}

func (t *pgTx) LockBatch(ctx context.Context, accountID, batchID string) (*Batch, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, quantity_granted, quantity_remaining, expires_at, created_at
		FROM credit_batches
		WHERE id = $1 AND account_id = $2
		FOR UPDATE
	`, batchID, accountID)

	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock batch failed: %w", err)
	}
	return &b, nil
}

func (t *pgTx) AdjustBatch(ctx context.Context, batchID string, delta int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credit_batches
		SET quantity_remaining = quantity_remaining + $2
		WHERE id = $1
	`, batchID, delta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return fmt.Errorf("batch %s would go negative: %w", batchID, ErrInvalidQuantity)
		}
		return fmt.Errorf("adjust batch failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (t *pgTx) LockExpiredBatches(ctx context.Context, now time.Time, limit int) ([]Batch, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, quantity_granted, quantity_remaining, expires_at, created_at
		FROM credit_batches
		WHERE quantity_remaining > 0
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("lock expired batches failed: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch failed: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertHold(ctx context.Context, h Hold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_holds (
			id, account_id, batch_id, quantity_held, state, ref,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, h.ID, h.AccountID, h.BatchID, h.QuantityHeld, string(h.State), h.Ref,
		h.ExpiresAt, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert hold failed: %w", err)
	}
	return nil
}

const holdColumns = `id, account_id, batch_id, quantity_held, state, ref,
	expires_at, created_at, updated_at`

func (t *pgTx) LockActiveHolds(ctx context.Context, accountID string, ids []string) ([]Hold, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM credit_holds
		WHERE account_id = $1
		  AND id = ANY($2)
		  AND state = 'ACTIVE'
		ORDER BY id ASC
		FOR UPDATE
	`, accountID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock holds failed: %w", err)
	}
	return collectHolds(rows)
}

func (t *pgTx) LockLapsedHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM credit_holds
		WHERE state = 'ACTIVE'
		  AND expires_at <= $1
		ORDER BY expires_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("lock lapsed holds failed: %w", err)
	}
	return collectHolds(rows)
}

func (t *pgTx) SettleHold(ctx context.Context, holdID string, quantity int64, state HoldState, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credit_holds
		SET quantity_held = $2, state = $3, updated_at = $4
		WHERE id = $1 AND state = 'ACTIVE'
	`, holdID, quantity, string(state), now)
	if err != nil {
		return fmt.Errorf("settle hold failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hold %s: %w", holdID, ErrNoActiveHolds)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (Batch, error) {
	var (
		b       Batch
		expires sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.AccountID, &b.QuantityGranted, &b.QuantityRemaining,
		&expires, &b.CreatedAt); err != nil {
		return Batch{}, err
	}
	if expires.Valid {
		t := expires.Time
		b.ExpiresAt = &t
	}
	return b, nil
}

func collectHolds(rows *sql.Rows) ([]Hold, error) {
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var (
			h     Hold
			state string
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &h.BatchID, &h.QuantityHeld, &state, &h.Ref,
			&h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan hold failed: %w", err)
		}
		h.State = HoldState(state)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ScanEvent reads one credit_events row selected with the standard column
// list. The events package shares it.
func ScanEvent(row scanner) (Event, error) {
	var (
		e       Event
		typ     string
		status  string
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.AccountID, &typ, &payload, &e.IdempotencyKey, &status,
		&e.RetryCount, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Event{}, err
	}
	e.Type = EventType(typ)
	e.Status = EventStatus(status)
	e.Payload = payload
	return e, nil
}

// EventColumns is the select list understood by ScanEvent.
const EventColumns = eventColumns

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
