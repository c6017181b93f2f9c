// Package reaper runs the periodic repair passes that keep the ledger
// healthy when callers disappear: releasing holds nobody captured, zeroing
// expired batches and re-driving events whose dispatch never finished.
//
// The reapers only own the timers. The work itself lives in the ledger and
// the event dispatcher, and every pass is safe to run from several
// processes at once because all selections skip rows locked by others.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/creditledger/internal/events"
)

const (
	DefaultHoldInterval  = time.Minute
	DefaultEventInterval = 30 * time.Second
	DefaultDrainBatch    = 100

	passTimeout = 2 * time.Minute
)

// HoldReclaimer is implemented by *ledger.Ledger.
type HoldReclaimer interface {
	ReleaseExpiredHolds(ctx context.Context) (int, error)
	ExpireBatches(ctx context.Context) (int, error)
}

// EventRecoverer is implemented by *events.Dispatcher.
type EventRecoverer interface {
	RetryStuckEvents(ctx context.Context) (events.RetryStats, error)
	ProcessPending(ctx context.Context, batchSize int) (int, error)
}

// loop is the ticker shared by both reapers.
type loop struct {
	name     string
	interval time.Duration
	log      zerolog.Logger
	run      func(ctx context.Context) error

	started atomic.Bool
	once    sync.Once
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newLoop(name string, interval time.Duration, logger zerolog.Logger, run func(context.Context) error) *loop {
	return &loop{
		name:     name,
		interval: interval,
		log:      logger.With().Str("component", name).Logger(),
		run:      run,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (l *loop) start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.log.Info().Dur("interval", l.interval).Msg("starting reaper")

	ticker := time.NewTicker(l.interval)

	go func() {
		defer close(l.doneCh)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
				if err := l.run(ctx); err != nil {
					l.log.Error().Err(err).Msg("reaper pass failed")
				}
				cancel()

			case <-l.stopCh:
				ticker.Stop()
				l.log.Info().Msg("reaper stopped")
				return
			}
		}
	}()
}

// stop ends the loop and waits for an in-flight pass to finish.
func (l *loop) stop() {
	if !l.started.Load() {
		return
	}
	l.once.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

// HoldReaper releases lapsed holds and expires batches.
type HoldReaper struct {
	ledger HoldReclaimer
	loop   *loop
}

// NewHoldReaper creates a HoldReaper. A zero interval uses DefaultHoldInterval.
func NewHoldReaper(l HoldReclaimer, interval time.Duration, logger zerolog.Logger) *HoldReaper {
	if interval <= 0 {
		interval = DefaultHoldInterval
	}
	r := &HoldReaper{ledger: l}
	r.loop = newLoop("hold_reaper", interval, logger, func(ctx context.Context) error {
		_, _, err := r.RunOnce(ctx)
		return err
	})
	return r
}

// RunOnce performs one pass and returns the holds released and batches expired.
func (r *HoldReaper) RunOnce(ctx context.Context) (holds, batches int, err error) {
	holds, err = r.ledger.ReleaseExpiredHolds(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("release expired holds: %w", err)
	}
	batches, err = r.ledger.ExpireBatches(ctx)
	if err != nil {
		return holds, 0, fmt.Errorf("expire batches: %w", err)
	}
	return holds, batches, nil
}

// Start runs RunOnce on every tick until Stop.
func (r *HoldReaper) Start() { r.loop.start() }

// Stop ends the ticker and waits for an in-flight pass.
func (r *HoldReaper) Stop() { r.loop.stop() }

// EventReaper re-queues stuck events and drains the PENDING queue.
type EventReaper struct {
	dispatcher EventRecoverer
	batch      int
	loop       *loop
}

// NewEventReaper creates an EventReaper. Zero values use the defaults.
func NewEventReaper(d EventRecoverer, interval time.Duration, batch int, logger zerolog.Logger) *EventReaper {
	if interval <= 0 {
		interval = DefaultEventInterval
	}
	if batch <= 0 {
		batch = DefaultDrainBatch
	}
	r := &EventReaper{dispatcher: d, batch: batch}
	r.loop = newLoop("event_reaper", interval, logger, func(ctx context.Context) error {
		_, _, err := r.RunOnce(ctx)
		return err
	})
	return r
}

// RunOnce re-queues stuck events, then drains one batch of PENDING events.
func (r *EventReaper) RunOnce(ctx context.Context) (events.RetryStats, int, error) {
	stats, err := r.dispatcher.RetryStuckEvents(ctx)
	if err != nil {
		return stats, 0, fmt.Errorf("retry stuck events: %w", err)
	}
	n, err := r.dispatcher.ProcessPending(ctx, r.batch)
	if err != nil {
		return stats, 0, fmt.Errorf("process pending: %w", err)
	}
	return stats, n, nil
}

// Start runs RunOnce on every tick until Stop.
func (r *EventReaper) Start() { r.loop.start() }

// Stop ends the ticker and waits for an in-flight pass.
func (r *EventReaper) Stop() { r.loop.stop() }
