// Package ledger provides the prepaid credit ledger: batches, holds and the
// domain events that record every change to them.
//
// Every credit an account can spend lives in a batch. A batch is one grant
// (subscription renewal, free tier activation, one-time purchase) with its
// own optional expiry. Before an AI model call the caller places a hold for
// an upper-bound estimate; the hold draws from one or more batches, soonest
// expiry first. After the call the caller captures the hold with the metered
// amount and the unused part goes back to the batches it came from.
//
// Consistency guarantee: each public operation is one database transaction.
// The batch rows, hold rows and the domain event describing the change are
// written together or not at all. The event is dispatched after commit; if
// dispatch fails or the process dies, the event stays in the table and the
// background reapers finish the work.
//
// Contention: batches are selected with SKIP LOCKED. A hold that finds a
// batch locked by another in-flight hold moves on to the next eligible batch
// instead of waiting for it.
//
// Rounding: quantities cross this package's boundary as float64 and are
// rounded up to whole credits before any row is touched.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/clock"
	"github.com/kelpejol/creditledger/internal/metrics"
)

const (
	// DefaultHoldTTL is the authorization window of a new hold.
	DefaultHoldTTL = 15 * time.Minute

	defaultReapLimit = 500
)

// errReplayRace signals that a concurrent request with the same idempotency
// key committed first. The transaction is rolled back and the operation is
// retried, which then takes the replay path.
var errReplayRace = errors.New("ledger: idempotent replay raced")

// Dispatcher runs side effects for a committed event. Implementations must
// not return errors to the ledger; failures belong to the event row.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, Event) {}

// Ledger executes credit operations against a Store.
//
// Thread safety: all methods are safe for concurrent use. Isolation between
// concurrent callers comes from the Store's row locks, not from the Ledger.
type Ledger struct {
	store      Store
	dispatcher Dispatcher
	clock      clock.Clock
	log        zerolog.Logger
	metrics    *metrics.Metrics
	holdTTL    time.Duration
	reapLimit  int
	newID      func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHoldTTL overrides the authorization window of new holds.
func WithHoldTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.holdTTL = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithDispatcher sets the hook invoked for every committed event.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Ledger) {
		if d != nil {
			l.dispatcher = d
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithReapLimit caps how many holds or batches one reaper pass locks.
func WithReapLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.reapLimit = n
		}
	}
}

// New creates a Ledger over store.
func New(store Store, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		dispatcher: noopDispatcher{},
		clock:      clock.NewSystem(),
		log:        logger.With().Str("component", "ledger").Logger(),
		holdTTL:    DefaultHoldTTL,
		reapLimit:  defaultReapLimit,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddCreditInput describes a grant.
type AddCreditInput struct {
	AccountID      string
	Quantity       float64
	IdempotencyKey string
	ExpiresAt      *time.Time
}

// HoldInput describes a reservation placed before a metered operation.
type HoldInput struct {
	AccountID      string
	MaxQuantity    float64
	Ref            string
	IdempotencyKey string
}

// CaptureInput settles holds against the metered amount.
type CaptureInput struct {
	AccountID      string
	HoldIDs        []string
	ActualQuantity float64
	Ref            string
	IdempotencyKey string
}

// CaptureResult reports what a capture charged and refunded.
type CaptureResult struct {
	Captured int64
	Refunded int64
	Replayed bool
}

// RemoveCreditInput describes an administrative decrement of one batch.
type RemoveCreditInput struct {
	AccountID      string
	BatchID        string
	Quantity       float64
	Reason         string
	IdempotencyKey string
}

// AddCredit grants quantity credits to an account as a new batch.
//
// Delivering the same idempotency key twice is not an error: the second call
// returns the original batch ID and changes nothing.
func (l *Ledger) AddCredit(ctx context.Context, in AddCreditInput) (batchID string, err error) {
	start := time.Now()
	defer func() { l.observe("add_credit", start, err) }()

	if err := validateCaller(in.AccountID, in.IdempotencyKey); err != nil {
		return "", err
	}
	qty, err := ceilCredits(in.Quantity)
	if err != nil {
		return "", err
	}
	if qty == 0 {
		return "", ErrInvalidQuantity
	}

	now := l.clock.Now()
	batch := Batch{
		ID:                l.newID(),
		AccountID:         in.AccountID,
		QuantityGranted:   qty,
		QuantityRemaining: qty,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         now,
	}
	key := eventKey(in.IdempotencyKey, EventCreditAdded)
	ev, err := l.newEvent(in.AccountID, EventCreditAdded, key, CreditAddedPayload{
		BatchID:   batch.ID,
		Quantity:  qty,
		ExpiresAt: in.ExpiresAt,
	}, now)
	if err != nil {
		return "", err
	}

	duplicate := false
	err = l.store.WithTx(ctx, func(tx Tx) error {
		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := tx.FindEvent(ctx, in.AccountID, EventCreditAdded, key)
			if err != nil {
				return err
			}
			var p CreditAddedPayload
			if existing != nil {
				if err := json.Unmarshal(existing.Payload, &p); err != nil {
					return fmt.Errorf("decode credit added payload: %w", err)
				}
			}
			batchID = p.BatchID
			duplicate = true
			return nil
		}
		return tx.InsertBatch(ctx, batch)
	})
	if err != nil {
		return "", fmt.Errorf("add credit: %w", err)
	}

	if duplicate {
		l.log.Info().
			Str("account_id", in.AccountID).
			Str("idempotency_key", in.IdempotencyKey).
			Msg("duplicate grant ignored")
		return batchID, nil
	}

	l.log.Info().
		Str("account_id", in.AccountID).
		Str("batch_id", batch.ID).
		Int64("quantity", qty).
		Msg("credit added")

	l.dispatch(ctx, ev)
	return batch.ID, nil
}

// HoldCredit reserves up to maxQuantity credits, drawing from batches in
// expiry order. It returns one hold ID per batch drawn from.
//
// If the eligible batches cannot cover the request nothing is written and an
// *InsufficientCreditError is returned.
func (l *Ledger) HoldCredit(ctx context.Context, in HoldInput) (holdIDs []string, err error) {
	start := time.Now()
	defer func() { l.observe("hold_credit", start, err) }()

	if err := validateCaller(in.AccountID, in.IdempotencyKey); err != nil {
		return nil, err
	}
	qty, err := ceilCredits(in.MaxQuantity)
	if err != nil {
		return nil, err
	}
	if qty == 0 {
		return nil, ErrInvalidQuantity
	}

	now := l.clock.Now()
	key := eventKey(in.IdempotencyKey, EventCreditHoldCreated)

	var (
		ev       Event
		replayed bool
	)
	err = l.store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.FindEvent(ctx, in.AccountID, EventCreditHoldCreated, key)
		if err != nil {
			return err
		}
		if existing != nil {
			replayed = true
			holdIDs, err = holdIDsOf(*existing)
			return err
		}

		var (
			locked  []Batch
			lockedQ int64
			exclude []string
		)
		for lockedQ < qty {
			b, err := tx.LockNextEligibleBatch(ctx, in.AccountID, now, exclude)
			if err != nil {
				return err
			}
			if b == nil {
				break
			}
			locked = append(locked, *b)
			exclude = append(exclude, b.ID)
			lockedQ += b.QuantityRemaining
		}

		draws, available, ok := planDraw(locked, qty)
		if !ok {
			return &InsufficientCreditError{
				AccountID: in.AccountID,
				Requested: qty,
				Available: available,
			}
		}

		ids := make([]string, 0, len(draws))
		for _, d := range draws {
			if err := tx.AdjustBatch(ctx, d.BatchID, -d.Quantity); err != nil {
				return err
			}
			h := Hold{
				ID:           l.newID(),
				AccountID:    in.AccountID,
				BatchID:      d.BatchID,
				QuantityHeld: d.Quantity,
				State:        HoldActive,
				Ref:          in.Ref,
				ExpiresAt:    now.Add(l.holdTTL),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.InsertHold(ctx, h); err != nil {
				return err
			}
			ids = append(ids, h.ID)
		}

		ev, err = l.newEvent(in.AccountID, EventCreditHoldCreated, key, HoldCreatedPayload{
			HoldIDs:     ids,
			MaxQuantity: qty,
			Ref:         in.Ref,
		}, now)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplayRace
		}
		holdIDs = ids
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return l.HoldCredit(ctx, in)
	}
	if err != nil {
		var insufficient *InsufficientCreditError
		if errors.As(err, &insufficient) {
			l.log.Info().
				Str("account_id", in.AccountID).
				Str("ref", in.Ref).
				Int64("requested", qty).
				Int64("available", insufficient.Available).
				Msg("hold rejected")
			return nil, err
		}
		return nil, fmt.Errorf("hold credit: %w", err)
	}
	if replayed {
		return holdIDs, nil
	}

	l.log.Info().
		Str("account_id", in.AccountID).
		Str("ref", in.Ref).
		Int64("quantity", qty).
		Int("holds", len(holdIDs)).
		Msg("credit held")

	l.dispatch(ctx, ev)
	return holdIDs, nil
}

// CaptureCredit settles the referenced ACTIVE holds at actualQuantity in
// total and returns the unused remainder of each hold to its batch.
//
// Asking for more than the holds reserved fails with *OverCaptureError and
// leaves the holds ACTIVE; the hold reaper reclaims them later.
func (l *Ledger) CaptureCredit(ctx context.Context, in CaptureInput) (res CaptureResult, err error) {
	start := time.Now()
	defer func() { l.observe("capture_credit", start, err) }()

	if err := validateCaller(in.AccountID, in.IdempotencyKey); err != nil {
		return CaptureResult{}, err
	}
	actual, err := ceilCredits(in.ActualQuantity)
	if err != nil {
		return CaptureResult{}, err
	}
	ids := uniqueIDs(in.HoldIDs)
	if len(ids) == 0 {
		return CaptureResult{}, ErrNoActiveHolds
	}

	now := l.clock.Now()
	key := eventKey(in.IdempotencyKey, EventCreditHoldCapture)

	var ev Event
	err = l.store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.FindEvent(ctx, in.AccountID, EventCreditHoldCapture, key)
		if err != nil {
			return err
		}
		if existing != nil {
			res, err = captureResultOf(*existing)
			return err
		}

		holds, err := tx.LockActiveHolds(ctx, in.AccountID, ids)
		if err != nil {
			return err
		}
		if len(holds) == 0 {
			return ErrNoActiveHolds
		}
		if len(holds) < len(ids) {
			l.log.Warn().
				Str("account_id", in.AccountID).
				Str("ref", in.Ref).
				Int("requested", len(ids)).
				Int("active", len(holds)).
				Msg("capturing subset of holds, others are no longer active")
		}

		// Consume holds in the order the caller listed them, which is the
		// order HoldCredit drew them.
		plan, held, ok := planCapture(orderHolds(holds, ids), actual)
		if !ok {
			return &OverCaptureError{AccountID: in.AccountID, Requested: actual, Held: held}
		}

		captured := make([]string, 0, len(plan))
		refunds := make([]draw, 0, len(plan))
		var refunded int64
		for _, s := range plan {
			if err := tx.SettleHold(ctx, s.HoldID, s.Taken, HoldCaptured, now); err != nil {
				return err
			}
			captured = append(captured, s.HoldID)
			refunds = append(refunds, draw{BatchID: s.BatchID, Quantity: s.Refund})
			refunded += s.Refund
		}
		if err := applyBatchDeltas(ctx, tx, refunds); err != nil {
			return err
		}

		ev, err = l.newEvent(in.AccountID, EventCreditHoldCapture, key, HoldCapturedPayload{
			HoldIDs:  captured,
			Captured: actual,
			Refunded: refunded,
			Ref:      in.Ref,
		}, now)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplayRace
		}
		res = CaptureResult{Captured: actual, Refunded: refunded}
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return l.CaptureCredit(ctx, in)
	}
	if err != nil {
		if errors.Is(err, ErrOverCapture) {
			l.log.Warn().Err(err).Str("ref", in.Ref).Msg("capture rejected")
			return CaptureResult{}, err
		}
		return CaptureResult{}, fmt.Errorf("capture credit: %w", err)
	}
	if res.Replayed {
		return res, nil
	}

	l.log.Info().
		Str("account_id", in.AccountID).
		Str("ref", in.Ref).
		Int64("captured", res.Captured).
		Int64("refunded", res.Refunded).
		Msg("credit captured")

	l.dispatch(ctx, ev)
	return res, nil
}

// RemoveCredit takes up to quantity credits out of one batch. The amount
// removed is capped at what the batch still holds and is returned.
func (l *Ledger) RemoveCredit(ctx context.Context, in RemoveCreditInput) (removed int64, err error) {
	start := time.Now()
	defer func() { l.observe("remove_credit", start, err) }()

	if err := validateCaller(in.AccountID, in.IdempotencyKey); err != nil {
		return 0, err
	}
	qty, err := ceilCredits(in.Quantity)
	if err != nil {
		return 0, err
	}
	if qty == 0 {
		return 0, ErrInvalidQuantity
	}

	now := l.clock.Now()
	key := eventKey(in.IdempotencyKey, EventCreditRemoved)

	var (
		ev       Event
		replayed bool
	)
	err = l.store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.FindEvent(ctx, in.AccountID, EventCreditRemoved, key)
		if err != nil {
			return err
		}
		if existing != nil {
			var p CreditRemovedPayload
			if err := json.Unmarshal(existing.Payload, &p); err != nil {
				return fmt.Errorf("decode credit removed payload: %w", err)
			}
			removed, replayed = p.Removed, true
			return nil
		}

		b, err := tx.LockBatch(ctx, in.AccountID, in.BatchID)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrBatchNotFound
		}
		take := min(qty, b.QuantityRemaining)
		if take > 0 {
			if err := tx.AdjustBatch(ctx, b.ID, -take); err != nil {
				return err
			}
		}

		ev, err = l.newEvent(in.AccountID, EventCreditRemoved, key, CreditRemovedPayload{
			BatchID:   b.ID,
			Requested: qty,
			Removed:   take,
			Reason:    in.Reason,
		}, now)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplayRace
		}
		removed = take
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return l.RemoveCredit(ctx, in)
	}
	if err != nil {
		return 0, fmt.Errorf("remove credit: %w", err)
	}
	if replayed {
		return removed, nil
	}

	l.log.Info().
		Str("account_id", in.AccountID).
		Str("batch_id", in.BatchID).
		Int64("requested", qty).
		Int64("removed", removed).
		Str("reason", in.Reason).
		Msg("credit removed")

	l.dispatch(ctx, ev)
	return removed, nil
}

// ReleaseExpiredHolds returns the full quantity of every lapsed ACTIVE hold
// to its batch and marks the hold EXPIRED. It returns the number released.
func (l *Ledger) ReleaseExpiredHolds(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { l.observe("release_expired_holds", start, err) }()

	now := l.clock.Now()
	var (
		events  []Event
		credits int64
	)
	err = l.store.WithTx(ctx, func(tx Tx) error {
		events, credits, n = nil, 0, 0

		holds, err := tx.LockLapsedHolds(ctx, now, l.reapLimit)
		if err != nil {
			return err
		}
		returns := make([]draw, 0, len(holds))
		for _, h := range holds {
			returns = append(returns, draw{BatchID: h.BatchID, Quantity: h.QuantityHeld})
		}
		if err := applyBatchDeltas(ctx, tx, returns); err != nil {
			return err
		}
		for _, h := range holds {
			if err := tx.SettleHold(ctx, h.ID, h.QuantityHeld, HoldExpired, now); err != nil {
				return err
			}
			ev, err := l.newEvent(h.AccountID, EventCreditHoldExpired,
				eventKey(h.ID, EventCreditHoldExpired), HoldExpiredPayload{
					HoldID:   h.ID,
					BatchID:  h.BatchID,
					Quantity: h.QuantityHeld,
				}, now)
			if err != nil {
				return err
			}
			inserted, err := tx.InsertEvent(ctx, ev)
			if err != nil {
				return err
			}
			if inserted {
				events = append(events, ev)
			}
			credits += h.QuantityHeld
		}
		n = len(holds)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release expired holds: %w", err)
	}

	if n > 0 {
		l.log.Info().
			Int("holds", n).
			Int64("credits", credits).
			Msg("expired holds released")
	}
	l.metrics.ReclaimedItems("hold", n, credits)

	for _, ev := range events {
		l.dispatch(ctx, ev)
	}
	return n, nil
}

// ExpireBatches zeroes every batch whose expiry has passed while it still
// had credit. It returns the number of batches expired.
func (l *Ledger) ExpireBatches(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { l.observe("expire_batches", start, err) }()

	now := l.clock.Now()
	var (
		events  []Event
		credits int64
	)
	err = l.store.WithTx(ctx, func(tx Tx) error {
		events, credits, n = nil, 0, 0

		batches, err := tx.LockExpiredBatches(ctx, now, l.reapLimit)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if err := tx.AdjustBatch(ctx, b.ID, -b.QuantityRemaining); err != nil {
				return err
			}
			// A batch can expire more than once when a capture refunds
			// into it after expiry, so the key carries the instant.
			key := fmt.Sprintf("%s_%d", b.ID, now.UnixNano())
			ev, err := l.newEvent(b.AccountID, EventCreditExpired,
				eventKey(key, EventCreditExpired), CreditExpiredPayload{
					BatchID:  b.ID,
					Quantity: b.QuantityRemaining,
				}, now)
			if err != nil {
				return err
			}
			inserted, err := tx.InsertEvent(ctx, ev)
			if err != nil {
				return err
			}
			if inserted {
				events = append(events, ev)
			}
			credits += b.QuantityRemaining
		}
		n = len(batches)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire batches: %w", err)
	}

	if n > 0 {
		l.log.Info().
			Int("batches", n).
			Int64("credits", credits).
			Msg("expired batches zeroed")
	}
	l.metrics.ReclaimedItems("batch", n, credits)

	for _, ev := range events {
		l.dispatch(ctx, ev)
	}
	return n, nil
}

// Balance returns the account's spendable and held credit.
func (l *Ledger) Balance(ctx context.Context, accountID string) (Balance, error) {
	if accountID == "" {
		return Balance{}, ErrAccountRequired
	}
	b, err := l.store.Balance(ctx, accountID, l.clock.Now())
	if err != nil {
		return Balance{}, fmt.Errorf("balance: %w", err)
	}
	return b, nil
}

func (l *Ledger) newEvent(accountID string, t EventType, key string, payload any, now time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{
		ID:             l.newID(),
		AccountID:      accountID,
		Type:           t,
		Payload:        raw,
		IdempotencyKey: key,
		Status:         EventPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// dispatch hands a committed event to the dispatcher. The caller's
// cancellation must not abort side effects of a mutation that already
// committed.
func (l *Ledger) dispatch(ctx context.Context, ev Event) {
	l.dispatcher.Dispatch(context.WithoutCancel(ctx), ev)
}

func (l *Ledger) observe(op string, start time.Time, err error) {
	l.metrics.ObserveLedgerOp(op, resultLabel(err), start)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient"
	case errors.Is(err, ErrOverCapture):
		return "over_capture"
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrNoActiveHolds):
		return "not_found"
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrAccountRequired):
		return "invalid"
	default:
		return "error"
	}
}

func validateCaller(accountID, key string) error {
	if accountID == "" {
		return ErrAccountRequired
	}
	if key == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

func holdIDsOf(e Event) ([]string, error) {
	var p HoldCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode hold created payload: %w", err)
	}
	return p.HoldIDs, nil
}

func captureResultOf(e Event) (CaptureResult, error) {
	var p HoldCapturedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return CaptureResult{}, fmt.Errorf("decode hold captured payload: %w", err)
	}
	return CaptureResult{Captured: p.Captured, Refunded: p.Refunded, Replayed: true}, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
