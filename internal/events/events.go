// Package events dispatches ledger domain events to their side-effect
// handlers and recovers events whose dispatch never finished.
//
// Every ledger mutation commits a PENDING event row. The ledger hands the
// event to Dispatcher.Dispatch right after commit; a background drain
// (ProcessPending) picks up anything that was missed. Both paths claim the
// row with a conditional PENDING -> PROCESSING update first, so an event is
// handled by exactly one of them per attempt.
//
// Status lifecycle:
//
//	PENDING -> PROCESSING -> PROCESSED
//	                      -> FAILED -> PENDING (RetryStuckEvents, while retries remain)
//	PROCESSING (stuck)    -> PENDING (RetryStuckEvents)
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/clock"
	"github.com/kelpejol/creditledger/internal/ledger"
	"github.com/kelpejol/creditledger/internal/metrics"
)

const (
	// DefaultStuckTimeout is how long an event may sit in PROCESSING or
	// FAILED before the reaper puts it back in the queue.
	DefaultStuckTimeout = 5 * time.Minute

	// DefaultMaxRetries bounds how many failed attempts an event gets.
	DefaultMaxRetries = 5
)

// HandlerFunc performs the side effects of one event. Returning an error
// marks the event FAILED.
type HandlerFunc func(ctx context.Context, e ledger.Event) error

// Registry maps event types to handlers. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	handlers map[ledger.EventType]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ledger.EventType]HandlerFunc)}
}

// Register binds h to t. Unknown types and second registrations are rejected.
func (r *Registry) Register(t ledger.EventType, h HandlerFunc) error {
	if !t.Valid() {
		return fmt.Errorf("register handler: unknown event type %q", t)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %s", t)
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("register handler: %s already has a handler", t)
	}
	r.handlers[t] = h
	return nil
}

// Lookup returns the handler bound to t.
func (r *Registry) Lookup(t ledger.EventType) (HandlerFunc, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Store persists dispatch status. Every transition is a conditional update
// so concurrent dispatchers in other processes stay consistent.
type Store interface {
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]ledger.Event, error)
	MarkProcessed(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	RequeueProcessing(ctx context.Context, cutoff, now time.Time) (int64, error)
	RequeueFailed(ctx context.Context, cutoff, now time.Time, maxRetries int) (int64, error)
	CountDead(ctx context.Context, maxRetries int) (int64, error)
}

// Dispatcher runs registered handlers and records the outcome on the event.
type Dispatcher struct {
	store        Store
	registry     *Registry
	clock        clock.Clock
	log          zerolog.Logger
	metrics      *metrics.Metrics
	stuckTimeout time.Duration
	maxRetries   int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithStuckTimeout overrides DefaultStuckTimeout.
func WithStuckTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.stuckTimeout = timeout
		}
	}
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, registry *Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		registry:     registry,
		clock:        clock.NewSystem(),
		log:          logger.With().Str("component", "dispatcher").Logger(),
		stuckTimeout: DefaultStuckTimeout,
		maxRetries:   DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch claims a freshly committed event and handles it. Losing the
// claim means another dispatcher already owns the event.
func (d *Dispatcher) Dispatch(ctx context.Context, e ledger.Event) {
	won, err := d.store.Claim(ctx, e.ID, d.clock.Now())
	if err != nil {
		d.log.Error().Err(err).
			Str("event_id", e.ID).
			Str("type", string(e.Type)).
			Msg("claim failed, leaving event for the drain")
		return
	}
	if !won {
		return
	}
	d.Handle(ctx, e)
}

// Handle runs the handler for an already claimed event. Handler errors and
// panics are recorded on the event and never returned.
func (d *Dispatcher) Handle(ctx context.Context, e ledger.Event) {
	log := d.log.With().
		Str("event_id", e.ID).
		Str("type", string(e.Type)).
		Str("account_id", e.AccountID).
		Logger()

	h, ok := d.registry.Lookup(e.Type)
	if !ok {
		d.markProcessed(ctx, e, log)
		d.metrics.EventDispatched(string(e.Type), "no_handler")
		return
	}

	if err := safeCall(ctx, h, e); err != nil {
		log.Warn().Err(err).Int("retry_count", e.RetryCount+1).Msg("event handler failed")
		if markErr := d.store.MarkFailed(ctx, e.ID, err.Error(), d.clock.Now()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark event failed")
		}
		d.metrics.EventDispatched(string(e.Type), "failed")
		return
	}

	d.markProcessed(ctx, e, log)
	d.metrics.EventDispatched(string(e.Type), "processed")
	log.Debug().Msg("event processed")
}

func (d *Dispatcher) markProcessed(ctx context.Context, e ledger.Event, log zerolog.Logger) {
	if err := d.store.MarkProcessed(ctx, e.ID, d.clock.Now()); err != nil {
		log.Error().Err(err).Msg("failed to mark event processed")
	}
}

// ProcessPending claims up to batchSize PENDING events and handles them in
// order. It returns the number handled.
func (d *Dispatcher) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	claimed, err := d.store.ClaimPending(ctx, batchSize, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("claim pending events: %w", err)
	}
	for _, e := range claimed {
		d.Handle(ctx, e)
	}
	if len(claimed) > 0 {
		d.log.Info().Int("count", len(claimed)).Msg("pending events processed")
	}
	return len(claimed), nil
}

// RetryStats summarises one RetryStuckEvents pass.
type RetryStats struct {
	Processing int64 `json:"requeued_processing"`
	Failed     int64 `json:"requeued_failed"`
	Dead       int64 `json:"dead"`
}

// RetryStuckEvents re-queues events stuck in PROCESSING and failed events
// with retries left. Events that exhausted their retries stay FAILED and are
// reported as dead.
func (d *Dispatcher) RetryStuckEvents(ctx context.Context) (RetryStats, error) {
	now := d.clock.Now()
	cutoff := now.Add(-d.stuckTimeout)

	var (
		stats RetryStats
		err   error
	)
	stats.Processing, err = d.store.RequeueProcessing(ctx, cutoff, now)
	if err != nil {
		return stats, fmt.Errorf("requeue processing events: %w", err)
	}
	stats.Failed, err = d.store.RequeueFailed(ctx, cutoff, now, d.maxRetries)
	if err != nil {
		return stats, fmt.Errorf("requeue failed events: %w", err)
	}
	stats.Dead, err = d.store.CountDead(ctx, d.maxRetries)
	if err != nil {
		return stats, fmt.Errorf("count dead events: %w", err)
	}

	d.metrics.Requeued("processing", stats.Processing)
	d.metrics.Requeued("failed", stats.Failed)
	d.metrics.SetDeadEvents(stats.Dead)

	if stats.Processing > 0 || stats.Failed > 0 {
		d.log.Info().
			Int64("processing", stats.Processing).
			Int64("failed", stats.Failed).
			Msg("stuck events requeued")
	}
	if stats.Dead > 0 {
		d.log.Error().
			Int64("dead", stats.Dead).
			Int("max_retries", d.maxRetries).
			Msg("events exhausted retries and need operator attention")
	}
	return stats, nil
}

func safeCall(ctx context.Context, h HandlerFunc, e ledger.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
