package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Transactions are serialized and run
// against a copy of the tables that replaces the live copy only on commit,
// so a failed callback leaves no trace. It also implements the event status
// operations used by the dispatcher.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	batches map[string]Batch
	holds   map[string]Hold
	events  map[string]Event
	seq     int64
	order   map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		batches: make(map[string]Batch),
		holds:   make(map[string]Hold),
		events:  make(map[string]Event),
		order:   make(map[string]int64),
	}}
}

func (s memState) clone() memState {
	c := memState{
		batches: make(map[string]Batch, len(s.batches)),
		holds:   make(map[string]Hold, len(s.holds)),
		events:  make(map[string]Event, len(s.events)),
		order:   make(map[string]int64, len(s.order)),
		seq:     s.seq,
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

// WithTx runs fn against a private copy of the tables.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Balance sums non-expired remaining credit and ACTIVE holds.
func (s *MemoryStore) Balance(ctx context.Context, accountID string, now time.Time) (Balance, error) {
	b, _, err := s.VersionedBalance(ctx, accountID, now)
	return b, err
}

// VersionedBalance reads a balance and the account's event count.
func (s *MemoryStore) VersionedBalance(_ context.Context, accountID string, now time.Time) (Balance, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Balance{AccountID: accountID}
	for _, batch := range s.state.batches {
		if batch.AccountID == accountID && batch.QuantityRemaining > 0 && !batch.ExpiredAt(now) {
			b.Available += batch.QuantityRemaining
		}
	}
	for _, h := range s.state.holds {
		if h.AccountID == accountID && h.State == HoldActive {
			b.Held += h.QuantityHeld
		}
	}
	var version int64
	for _, e := range s.state.events {
		if e.AccountID == accountID {
			version++
		}
	}
	return b, version, nil
}

// Accounts lists accounts with events created at or after since.
func (s *MemoryStore) Accounts(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range s.state.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		out = append(out, e.AccountID)
	}
	sort.Strings(out)
	return out, nil
}

// Batches returns a copy of the account's batches in creation order.
func (s *MemoryStore) Batches(accountID string) []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Batch
	for _, b := range s.state.batches {
		if b.AccountID == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.state.order[out[i].ID] < s.state.order[out[j].ID] })
	return out
}

// Holds returns a copy of the account's holds in creation order.
func (s *MemoryStore) Holds(accountID string) []Hold {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Hold
	for _, h := range s.state.holds {
		if h.AccountID == accountID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.state.order[out[i].ID] < s.state.order[out[j].ID] })
	return out
}

// Events returns a copy of every stored event in insertion order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sortedEvents()
}

// Event returns one event by ID.
func (s *MemoryStore) Event(id string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.events[id]
	return e, ok
}

// Claim flips a PENDING event to PROCESSING and reports whether it did.
func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.events[id]
	if !ok || e.Status != EventPending {
		return false, nil
	}
	e.Status, e.UpdatedAt = EventProcessing, now
	s.state.events[id] = e
	return true, nil
}

// ClaimPending claims up to limit PENDING events, oldest first.
func (s *MemoryStore) ClaimPending(_ context.Context, limit int, now time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.state.sortedEvents() {
		if len(out) == limit {
			break
		}
		if e.Status != EventPending {
			continue
		}
		e.Status, e.UpdatedAt = EventProcessing, now
		s.state.events[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

// MarkProcessed records a successful dispatch.
func (s *MemoryStore) MarkProcessed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.events[id]
	if !ok {
		return nil
	}
	e.Status, e.LastError, e.UpdatedAt = EventProcessed, "", now
	s.state.events[id] = e
	return nil
}

// MarkFailed records a failed dispatch attempt.
func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.events[id]
	if !ok {
		return nil
	}
	e.Status, e.LastError, e.UpdatedAt = EventFailed, reason, now
	e.RetryCount++
	s.state.events[id] = e
	return nil
}

// RequeueProcessing moves PROCESSING events last touched before cutoff back to PENDING.
func (s *MemoryStore) RequeueProcessing(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.state.events {
		if e.Status == EventProcessing && e.UpdatedAt.Before(cutoff) {
			e.Status, e.UpdatedAt = EventPending, now
			s.state.events[id] = e
			n++
		}
	}
	return n, nil
}

// RequeueFailed moves retryable FAILED events last touched before cutoff back to PENDING.
func (s *MemoryStore) RequeueFailed(_ context.Context, cutoff, now time.Time, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.state.events {
		if e.Status == EventFailed && e.RetryCount < maxRetries && e.UpdatedAt.Before(cutoff) {
			e.Status, e.UpdatedAt = EventPending, now
			s.state.events[id] = e
			n++
		}
	}
	return n, nil
}

// CountDead counts FAILED events that exhausted their retries.
func (s *MemoryStore) CountDead(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.state.events {
		if e.Status == EventFailed && e.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (s *memState) next(id string) {
	s.seq++
	s.order[id] = s.seq
}

func (s *memState) sortedEvents() []Event {
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

type memTx struct {
	st *memState
}

func (t *memTx) FindEvent(_ context.Context, accountID string, et EventType, key string) (*Event, error) {
	for _, e := range t.st.events {
		if e.AccountID == accountID && e.Type == et && e.IdempotencyKey == key {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertEvent(ctx context.Context, e Event) (bool, error) {
	existing, _ := t.FindEvent(ctx, e.AccountID, e.Type, e.IdempotencyKey)
	if existing != nil {
		return false, nil
	}
	e.Status = EventPending
	e.UpdatedAt = e.CreatedAt
	t.st.events[e.ID] = e
	t.st.next(e.ID)
	return true, nil
}

func (t *memTx) InsertBatch(_ context.Context, b Batch) error {
	t.st.batches[b.ID] = b
	t.st.next(b.ID)
	return nil
}

func (t *memTx) LockNextEligibleBatch(_ context.Context, accountID string, now time.Time, exclude []string) (*Batch, error) {
	var candidates []Batch
	for _, b := range t.st.batches {
		if b.AccountID != accountID || b.QuantityRemaining <= 0 || b.ExpiredAt(now) {
			continue
		}
		if slices.Contains(exclude, b.ID) {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return batchLess(candidates[i], candidates[j])
	})
	b := candidates[0]
	return &b, nil
}

// batchLess orders by expires_at ASC NULLS LAST, created_at, id.
func batchLess(a, b Batch) bool {
	switch {
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.ID < b.ID
	}
}

func (t *memTx) LockBatch(_ context.Context, accountID, batchID string) (*Batch, error) {
	b, ok := t.st.batches[batchID]
	if !ok || b.AccountID != accountID {
		return nil, nil
	}
	return &b, nil
}

func (t *memTx) AdjustBatch(_ context.Context, batchID string, delta int64) error {
	b, ok := t.st.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	if b.QuantityRemaining+delta < 0 {
		return ErrInvalidQuantity
	}
	b.QuantityRemaining += delta
	t.st.batches[batchID] = b
	return nil
}

func (t *memTx) LockExpiredBatches(_ context.Context, now time.Time, limit int) ([]Batch, error) {
	var out []Batch
	for _, b := range t.st.batches {
		if b.QuantityRemaining > 0 && b.ExpiredAt(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return batchLess(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertHold(_ context.Context, h Hold) error {
	t.st.holds[h.ID] = h
	t.st.next(h.ID)
	return nil
}

func (t *memTx) LockActiveHolds(_ context.Context, accountID string, ids []string) ([]Hold, error) {
	var out []Hold
	for _, id := range ids {
		h, ok := t.st.holds[id]
		if ok && h.AccountID == accountID && h.State == HoldActive {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) LockLapsedHolds(_ context.Context, now time.Time, limit int) ([]Hold, error) {
	var out []Hold
	for _, h := range t.st.holds {
		if h.State == HoldActive && !h.ExpiresAt.After(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) SettleHold(_ context.Context, holdID string, quantity int64, state HoldState, now time.Time) error {
	h, ok := t.st.holds[holdID]
	if !ok || h.State != HoldActive {
		return ErrNoActiveHolds
	}
	h.QuantityHeld, h.State, h.UpdatedAt = quantity, state, now
	t.st.holds[holdID] = h
	return nil
}
