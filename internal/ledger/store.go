package ledger

import (
	"context"
	"time"
)

// Store owns the durable ledger tables. Every mutation goes through WithTx;
// the Tx handed to fn is valid only until fn returns. Returning an error
// from fn rolls back every write made through the Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Balance(ctx context.Context, accountID string, now time.Time) (Balance, error)
}

// Tx is the set of row operations available inside one unit of work.
type Tx interface {
	// FindEvent returns the event with the given account, type and key, or nil.
	// It also locks the key until the transaction ends, so a concurrent
	// transaction with the same key waits and then finds this one's event.
	FindEvent(ctx context.Context, accountID string, t EventType, key string) (*Event, error)
	// InsertEvent stores a PENDING event. It reports false, without error,
	// when an event with the same account, type and key already exists.
	InsertEvent(ctx context.Context, e Event) (bool, error)

	InsertBatch(ctx context.Context, b Batch) error
	// LockNextEligibleBatch locks the next batch to draw from, skipping rows
	// locked by other transactions and the IDs in exclude. It returns nil
	// when no eligible batch remains.
	LockNextEligibleBatch(ctx context.Context, accountID string, now time.Time, exclude []string) (*Batch, error)
	// LockBatch locks one batch of the account. It returns nil when absent.
	LockBatch(ctx context.Context, accountID, batchID string) (*Batch, error)
	// AdjustBatch adds delta (which may be negative) to quantity_remaining.
	AdjustBatch(ctx context.Context, batchID string, delta int64) error
	// LockExpiredBatches locks batches with remaining credit that expired at or before now.
	LockExpiredBatches(ctx context.Context, now time.Time, limit int) ([]Batch, error)

	InsertHold(ctx context.Context, h Hold) error
	// LockActiveHolds locks the ACTIVE holds among ids, ordered by hold ID.
	LockActiveHolds(ctx context.Context, accountID string, ids []string) ([]Hold, error)
	// LockLapsedHolds locks ACTIVE holds whose window closed at or before now.
	LockLapsedHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)
	// SettleHold moves an ACTIVE hold to a terminal state with its final quantity.
	SettleHold(ctx context.Context, holdID string, quantity int64, state HoldState, now time.Time) error
}
