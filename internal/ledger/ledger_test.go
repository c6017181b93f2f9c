package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditledger/internal/clock"
	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/metrics"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, e ledger.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) types() []ledger.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ledger.EventType, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store    *ledger.MemoryStore
	clock    *clock.Manual
	dispatch *recordingDispatcher
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		clock:    clock.NewManual(epoch),
		dispatch: &recordingDispatcher{},
	}
	opts = append([]ledger.Option{
		ledger.WithClock(f.clock),
		ledger.WithDispatcher(f.dispatch),
	}, opts...)
	f.ledger = ledger.New(f.store, zerolog.Nop(), opts...)
	return f
}

func (f *fixture) grant(t *testing.T, account string, qty float64, key string, expires *time.Time) string {
	t.Helper()
	id, err := f.ledger.AddCredit(context.Background(), ledger.AddCreditInput{
		AccountID:      account,
		Quantity:       qty,
		IdempotencyKey: key,
		ExpiresAt:      expires,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return id
}

func (f *fixture) batch(t *testing.T, account, id string) ledger.Batch {
	t.Helper()
	for _, b := range f.store.Batches(account) {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("batch %s not found", id)
	return ledger.Batch{}
}

func at(d time.Duration) *time.Time {
	t := epoch.Add(d)
	return &t
}

func TestGrantThenPartialCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.grant(t, "acct", 100, "grant-1", nil)

	holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{
		AccountID: "acct", MaxQuantity: 10, Ref: "call-1", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, int64(90), f.batch(t, "acct", batchID).QuantityRemaining)

	res, err := f.ledger.CaptureCredit(ctx, ledger.CaptureInput{
		AccountID: "acct", HoldIDs: holds, ActualQuantity: 7, Ref: "call-1", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.CaptureResult{Captured: 7, Refunded: 3}, res)

	assert.Equal(t, int64(93), f.batch(t, "acct", batchID).QuantityRemaining)
	stored := f.store.Holds("acct")
	require.Len(t, stored, 1)
	assert.Equal(t, ledger.HoldCaptured, stored[0].State)
	assert.Equal(t, int64(7), stored[0].QuantityHeld)

	assert.Equal(t, []ledger.EventType{
		ledger.EventCreditAdded,
		ledger.EventCreditHoldCreated,
		ledger.EventCreditHoldCapture,
	}, f.dispatch.types())
}

func TestHoldDrawsSoonestExpiryFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	later := f.grant(t, "acct", 10, "grant-later", at(48*time.Hour))
	sooner := f.grant(t, "acct", 5, "grant-sooner", at(24*time.Hour))

	holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{
		AccountID: "acct", MaxQuantity: 8, Ref: "call", IdempotencyKey: "req",
	})
	require.NoError(t, err)
	require.Len(t, holds, 2)

	assert.Equal(t, int64(0), f.batch(t, "acct", sooner).QuantityRemaining)
	assert.Equal(t, int64(7), f.batch(t, "acct", later).QuantityRemaining)

	stored := f.store.Holds("acct")
	require.Len(t, stored, 2)
	assert.Equal(t, sooner, stored[0].BatchID)
	assert.Equal(t, int64(5), stored[0].QuantityHeld)
	assert.Equal(t, later, stored[1].BatchID)
	assert.Equal(t, int64(3), stored[1].QuantityHeld)
}

func TestHoldPrefersExpiringBatchOverNonExpiring(t *testing.T) {
	f := newFixture(t)
	forever := f.grant(t, "acct", 10, "grant-forever", nil)
	expiring := f.grant(t, "acct", 10, "grant-expiring", at(time.Hour))

	_, err := f.ledger.HoldCredit(context.Background(), ledger.HoldInput{
		AccountID: "acct", MaxQuantity: 4, IdempotencyKey: "req",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.batch(t, "acct", forever).QuantityRemaining)
	assert.Equal(t, int64(6), f.batch(t, "acct", expiring).QuantityRemaining)
}

func TestInsufficientCreditLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	batchID := f.grant(t, "acct", 3, "grant", nil)
	before := len(f.store.Events())

	_, err := f.ledger.HoldCredit(context.Background(), ledger.HoldInput{
		AccountID: "acct", MaxQuantity: 5, Ref: "call", IdempotencyKey: "req",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)

	var insufficient *ledger.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(5), insufficient.Requested)
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Contains(t, err.Error(), "Add credits")

	assert.Equal(t, int64(3), f.batch(t, "acct", batchID).QuantityRemaining)
	assert.Empty(t, f.store.Holds("acct"))
	assert.Len(t, f.store.Events(), before)
	assert.Equal(t, []ledger.EventType{ledger.EventCreditAdded}, f.dispatch.types())
}

func TestHoldIgnoresExpiredBatches(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acct", 50, "grant", at(time.Minute))
	f.clock.Advance(2 * time.Minute)

	_, err := f.ledger.HoldCredit(context.Background(), ledger.HoldInput{
		AccountID: "acct", MaxQuantity: 1, IdempotencyKey: "req",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
}

func TestAddCreditIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := ledger.AddCreditInput{AccountID: "acct", Quantity: 100, IdempotencyKey: "stripe-evt-1"}

	first, err := f.ledger.AddCredit(ctx, in)
	require.NoError(t, err)
	second, err := f.ledger.AddCredit(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.store.Batches("acct"), 1)
	assert.Len(t, f.store.Events(), 1)
	assert.Len(t, f.dispatch.types(), 1)

	bal, err := f.ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Available)
}

func TestAddCreditRoundsUp(t *testing.T) {
	f := newFixture(t)
	id := f.grant(t, "acct", 2.1, "grant", nil)
	assert.Equal(t, int64(3), f.batch(t, "acct", id).QuantityGranted)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AddCredit(ctx, ledger.AddCreditInput{AccountID: "acct", Quantity: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	_, err = f.ledger.AddCredit(ctx, ledger.AddCreditInput{AccountID: "acct", Quantity: -5, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	_, err = f.ledger.AddCredit(ctx, ledger.AddCreditInput{AccountID: "acct", Quantity: 5})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyRequired)

	_, err = f.ledger.HoldCredit(ctx, ledger.HoldInput{MaxQuantity: 5, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrAccountRequired)

	_, err = f.ledger.CaptureCredit(ctx, ledger.CaptureInput{AccountID: "acct", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrNoActiveHolds)

	_, err = f.ledger.Balance(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrAccountRequired)
}

func TestOverCaptureIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.grant(t, "acct", 100, "grant", nil)

	holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 10, IdempotencyKey: "req"})
	require.NoError(t, err)

	_, err = f.ledger.CaptureCredit(ctx, ledger.CaptureInput{
		AccountID: "acct", HoldIDs: holds, ActualQuantity: 11, IdempotencyKey: "req",
	})
	require.Error(t, err)
	var over *ledger.OverCaptureError
	require.True(t, errors.As(err, &over))
	assert.Equal(t, int64(10), over.Held)

	assert.Equal(t, int64(90), f.batch(t, "acct", batchID).QuantityRemaining)
	assert.Equal(t, ledger.HoldActive, f.store.Holds("acct")[0].State)
}

func TestCaptureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.grant(t, "acct", 100, "grant", nil)
	holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 10, IdempotencyKey: "req"})
	require.NoError(t, err)

	in := ledger.CaptureInput{AccountID: "acct", HoldIDs: holds, ActualQuantity: 4, IdempotencyKey: "req"}
	first, err := f.ledger.CaptureCredit(ctx, in)
	require.NoError(t, err)
	second, err := f.ledger.CaptureCredit(ctx, in)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Captured, second.Captured)
	assert.Equal(t, first.Refunded, second.Refunded)
	assert.Equal(t, int64(96), f.batch(t, "acct", batchID).QuantityRemaining)
}

func TestHoldReplayReturnsOriginalHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.grant(t, "acct", 100, "grant", nil)
	in := ledger.HoldInput{AccountID: "acct", MaxQuantity: 10, IdempotencyKey: "req"}

	first, err := f.ledger.HoldCredit(ctx, in)
	require.NoError(t, err)
	second, err := f.ledger.HoldCredit(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(90), f.batch(t, "acct", batchID).QuantityRemaining)
	assert.Len(t, f.store.Holds("acct"), 1)
}

func TestCaptureWithUnknownHoldsFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CaptureCredit(context.Background(), ledger.CaptureInput{
		AccountID: "acct", HoldIDs: []string{"missing"}, ActualQuantity: 1, IdempotencyKey: "req",
	})
	assert.ErrorIs(t, err, ledger.ErrNoActiveHolds)
}

func TestReleaseExpiredHoldsReclaimsFully(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := newFixture(t, ledger.WithHoldTTL(10*time.Minute), ledger.WithMetrics(m))
	ctx := context.Background()
	batchID := f.grant(t, "acct", 100, "grant", nil)

	_, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 40, IdempotencyKey: "req"})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	n, err := f.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(6 * time.Minute)
	n, err = f.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, int64(100), f.batch(t, "acct", batchID).QuantityRemaining)
	hold := f.store.Holds("acct")[0]
	assert.Equal(t, ledger.HoldExpired, hold.State)
	assert.Equal(t, int64(40), hold.QuantityHeld)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reclaimed.WithLabelValues("hold")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.ReclaimedCredits.WithLabelValues("hold")))

	n, err = f.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredHoldCannotBeCaptured(t *testing.T) {
	f := newFixture(t, ledger.WithHoldTTL(time.Minute))
	ctx := context.Background()
	f.grant(t, "acct", 100, "grant", nil)
	holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 10, IdempotencyKey: "req"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)

	_, err = f.ledger.CaptureCredit(ctx, ledger.CaptureInput{
		AccountID: "acct", HoldIDs: holds, ActualQuantity: 5, IdempotencyKey: "req",
	})
	assert.ErrorIs(t, err, ledger.ErrNoActiveHolds)
}

func TestExpireBatchesZeroesRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiring := f.grant(t, "acct", 30, "grant-1", at(time.Hour))
	forever := f.grant(t, "acct", 20, "grant-2", nil)

	f.clock.Set(epoch.Add(2 * time.Hour))
	n, err := f.ledger.ExpireBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, int64(0), f.batch(t, "acct", expiring).QuantityRemaining)
	assert.Equal(t, int64(20), f.batch(t, "acct", forever).QuantityRemaining)
	assert.Contains(t, f.dispatch.types(), ledger.EventCreditExpired)

	n, err = f.ledger.ExpireBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveCreditCapsAtRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.grant(t, "acct", 10, "grant", nil)

	removed, err := f.ledger.RemoveCredit(ctx, ledger.RemoveCreditInput{
		AccountID: "acct", BatchID: batchID, Quantity: 25, Reason: "refund", IdempotencyKey: "chargeback-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), removed)
	assert.Equal(t, int64(0), f.batch(t, "acct", batchID).QuantityRemaining)

	again, err := f.ledger.RemoveCredit(ctx, ledger.RemoveCreditInput{
		AccountID: "acct", BatchID: batchID, Quantity: 25, IdempotencyKey: "chargeback-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), again)

	_, err = f.ledger.RemoveCredit(ctx, ledger.RemoveCreditInput{
		AccountID: "other", BatchID: batchID, Quantity: 1, IdempotencyKey: "x",
	})
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestBalanceReportsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "acct", 100, "grant", nil)
	_, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 25, IdempotencyKey: "req"})
	require.NoError(t, err)

	bal, err := f.ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{AccountID: "acct", Available: 75, Held: 25}, bal)
}

func TestConcurrentHoldersNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "acct", 60, "grant-1", nil)
	f.grant(t, "acct", 40, "grant-2", at(time.Hour))

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{
				AccountID:      "acct",
				MaxQuantity:    3,
				IdempotencyKey: fmt.Sprintf("req-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	bal, err := f.ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Available)
	assert.Equal(t, int64(99), bal.Held)
	for _, b := range f.store.Batches("acct") {
		assert.GreaterOrEqual(t, b.QuantityRemaining, int64(0))
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	f := newFixture(t, ledger.WithHoldTTL(time.Minute))
	ctx := context.Background()
	f.grant(t, "acct", 50, "grant-a", at(time.Hour))
	b := f.grant(t, "acct", 50, "grant-b", nil)

	h1, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 70, IdempotencyKey: "r1"})
	require.NoError(t, err)
	_, err = f.ledger.CaptureCredit(ctx, ledger.CaptureInput{AccountID: "acct", HoldIDs: h1, ActualQuantity: 55, IdempotencyKey: "r1"})
	require.NoError(t, err)

	_, err = f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 20, IdempotencyKey: "r2"})
	require.NoError(t, err)
	removed, err := f.ledger.RemoveCredit(ctx, ledger.RemoveCreditInput{AccountID: "acct", BatchID: b, Quantity: 2, IdempotencyKey: "rm"})
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	var granted, remaining, held, captured int64
	for _, b := range f.store.Batches("acct") {
		granted += b.QuantityGranted
		remaining += b.QuantityRemaining
	}
	for _, h := range f.store.Holds("acct") {
		switch h.State {
		case ledger.HoldActive:
			held += h.QuantityHeld
		case ledger.HoldCaptured:
			captured += h.QuantityHeld
		}
	}
	assert.Equal(t, int64(100), granted)
	assert.Equal(t, int64(20), held)
	assert.Equal(t, int64(55), captured)
	assert.Equal(t, granted, remaining+held+captured+removed)

	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	n, err := f.ledger.ExpireBatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the expiring batch was fully consumed")

	bal, err := f.ledger.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{AccountID: "acct", Available: 43, Held: 0}, bal)
}

func TestCaptureFollowsDrawOrder(t *testing.T) {
	// Hold IDs are random, so repeat to cover both relative orders.
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		ctx := context.Background()
		soon := f.grant(t, "acct", 5, "grant-soon", at(24*time.Hour))
		later := f.grant(t, "acct", 5, "grant-later", at(48*time.Hour))

		holds, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 8, IdempotencyKey: "req"})
		require.NoError(t, err)
		require.Len(t, holds, 2)

		_, err = f.ledger.CaptureCredit(ctx, ledger.CaptureInput{AccountID: "acct", HoldIDs: holds, ActualQuantity: 4, IdempotencyKey: "req"})
		require.NoError(t, err)

		assert.Equal(t, int64(1), f.batch(t, "acct", soon).QuantityRemaining)
		assert.Equal(t, int64(5), f.batch(t, "acct", later).QuantityRemaining)
	}
}

// adjustRecorder records the batch IDs passed to AdjustBatch.
type adjustRecorder struct {
	*ledger.MemoryStore
	mu       sync.Mutex
	adjusted []string
}

func (r *adjustRecorder) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return r.MemoryStore.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&adjustRecordingTx{Tx: tx, r: r})
	})
}

func (r *adjustRecorder) reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.adjusted
	r.adjusted = nil
	return out
}

type adjustRecordingTx struct {
	ledger.Tx
	r *adjustRecorder
}

func (t *adjustRecordingTx) AdjustBatch(ctx context.Context, batchID string, delta int64) error {
	t.r.mu.Lock()
	t.r.adjusted = append(t.r.adjusted, batchID)
	t.r.mu.Unlock()
	return t.Tx.AdjustBatch(ctx, batchID, delta)
}

func TestBatchRowsUpdatedInBatchIDOrder(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		clk := clock.NewManual(epoch)
		rec := &adjustRecorder{MemoryStore: ledger.NewMemoryStore()}
		l := ledger.New(rec, zerolog.Nop(), ledger.WithClock(clk), ledger.WithHoldTTL(time.Minute))

		for j := 1; j <= 3; j++ {
			exp := epoch.Add(time.Duration(j) * time.Hour)
			_, err := l.AddCredit(ctx, ledger.AddCreditInput{
				AccountID: "acct", Quantity: 2, IdempotencyKey: fmt.Sprintf("grant-%d", j), ExpiresAt: &exp,
			})
			require.NoError(t, err)
		}

		// Capture refunds three batches.
		holds, err := l.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 6, IdempotencyKey: "a"})
		require.NoError(t, err)
		rec.reset()
		_, err = l.CaptureCredit(ctx, ledger.CaptureInput{AccountID: "acct", HoldIDs: holds, ActualQuantity: 1, IdempotencyKey: "a"})
		require.NoError(t, err)
		adjusted := rec.reset()
		assert.Len(t, adjusted, 3)
		assert.True(t, sort.StringsAreSorted(adjusted), "capture adjusted %v", adjusted)

		// Two lapsed draws over the same batches collapse to one update per batch.
		_, err = l.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 2, IdempotencyKey: "b"})
		require.NoError(t, err)
		_, err = l.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 3, IdempotencyKey: "c"})
		require.NoError(t, err)
		rec.reset()

		clk.Advance(2 * time.Minute)
		n, err := l.ReleaseExpiredHolds(ctx)
		require.NoError(t, err)
		assert.Positive(t, n)
		adjusted = rec.reset()
		assert.True(t, sort.StringsAreSorted(adjusted), "reaper adjusted %v", adjusted)
		for k := 1; k < len(adjusted); k++ {
			assert.NotEqual(t, adjusted[k-1], adjusted[k])
		}

		bal, err := l.Balance(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, ledger.Balance{AccountID: "acct", Available: 5}, bal)
	}
}

func TestMemoryStore_LocksActiveHoldsInIDOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, "acct", 2, "grant-1", at(time.Hour))
	f.grant(t, "acct", 2, "grant-2", at(2*time.Hour))
	f.grant(t, "acct", 2, "grant-3", nil)

	ids, err := f.ledger.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 6, IdempotencyKey: "req"})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	var locked []string
	err = f.store.WithTx(ctx, func(tx ledger.Tx) error {
		holds, err := tx.LockActiveHolds(ctx, "acct", ids)
		for _, h := range holds {
			locked = append(locked, h.ID)
		}
		return err
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, locked)
	assert.True(t, sort.StringsAreSorted(locked))
}

// missFirstLookup hides the idempotency event from the first FindEvent, as
// if a same-key transaction committed between the lookup and the insert.
type missFirstLookup struct {
	*ledger.MemoryStore
	missed bool
}

func (m *missFirstLookup) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return m.MemoryStore.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&missFirstLookupTx{Tx: tx, m: m})
	})
}

type missFirstLookupTx struct {
	ledger.Tx
	m *missFirstLookup
}

func (t *missFirstLookupTx) FindEvent(ctx context.Context, accountID string, et ledger.EventType, key string) (*ledger.Event, error) {
	if !t.m.missed {
		t.m.missed = true
		return nil, nil
	}
	return t.Tx.FindEvent(ctx, accountID, et, key)
}

func TestInsertConflictRetriesAsReplay(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	store := &missFirstLookup{MemoryStore: ledger.NewMemoryStore(), missed: true}
	l := ledger.New(store, zerolog.Nop(), ledger.WithClock(clk))

	batch, err := l.AddCredit(ctx, ledger.AddCreditInput{AccountID: "acct", Quantity: 10, IdempotencyKey: "grant"})
	require.NoError(t, err)
	held, err := l.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 4, IdempotencyKey: "req"})
	require.NoError(t, err)
	removed, err := l.RemoveCredit(ctx, ledger.RemoveCreditInput{AccountID: "acct", BatchID: batch, Quantity: 1, IdempotencyKey: "rm"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	store.missed = false
	heldAgain, err := l.HoldCredit(ctx, ledger.HoldInput{AccountID: "acct", MaxQuantity: 4, IdempotencyKey: "req"})
	require.NoError(t, err)
	assert.Equal(t, held, heldAgain)

	store.missed = false
	removed, err = l.RemoveCredit(ctx, ledger.RemoveCreditInput{AccountID: "acct", BatchID: batch, Quantity: 1, IdempotencyKey: "rm"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The retried attempts rolled back: one grant, one hold, one removal.
	bal, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{AccountID: "acct", Available: 5, Held: 4}, bal)
	assert.Len(t, store.Events(), 3)
}
