// Package metrics defines the Prometheus collectors exported by the credit
// ledger service. A nil *Metrics is valid and records nothing, so callers
// that do not care about metrics (tests, the CLI) can leave it unset.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "creditledger"

// Metrics groups every collector the service registers.
type Metrics struct {
	LedgerOps        *prometheus.CounterVec
	LedgerLatency    *prometheus.HistogramVec
	EventsDispatched *prometheus.CounterVec
	Reclaimed        *prometheus.CounterVec
	ReclaimedCredits *prometheus.CounterVec
	EventsRequeued   *prometheus.CounterVec
	DeadEvents       prometheus.Gauge
	CacheLookups     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and result.",
		}, []string{"op", "result"}),
		LedgerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger transactions.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Domain events handled by the dispatcher, by type and outcome.",
		}, []string{"type", "outcome"}),
		Reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_reclaimed_total",
			Help:      "Holds released and batches expired by the reaper.",
		}, []string{"kind"}),
		ReclaimedCredits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_reclaimed_credits_total",
			Help:      "Credits returned by hold expiry or zeroed by batch expiry.",
		}, []string{"kind"}),
		EventsRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_requeued_total",
			Help:      "Events moved back to PENDING by the stuck-event reaper.",
		}, []string{"from"}),
		DeadEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dead",
			Help:      "FAILED events that exhausted their retries.",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_lookups_total",
			Help:      "Balance cache lookups by result.",
		}, []string{"result"}),
	}
}

// ObserveLedgerOp records the outcome and latency of one ledger operation.
func (m *Metrics) ObserveLedgerOp(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
	m.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EventDispatched counts one dispatcher outcome.
func (m *Metrics) EventDispatched(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(eventType, outcome).Inc()
}

// ReclaimedItems counts reaped holds or batches and the credits involved.
func (m *Metrics) ReclaimedItems(kind string, items int, credits int64) {
	if m == nil || items == 0 {
		return
	}
	m.Reclaimed.WithLabelValues(kind).Add(float64(items))
	m.ReclaimedCredits.WithLabelValues(kind).Add(float64(credits))
}

// Requeued counts events moved back to PENDING.
func (m *Metrics) Requeued(from string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.EventsRequeued.WithLabelValues(from).Add(float64(n))
}

// SetDeadEvents publishes the number of events that will not be retried.
func (m *Metrics) SetDeadEvents(n int64) {
	if m == nil {
		return
	}
	m.DeadEvents.Set(float64(n))
}

// CacheLookup counts one balance cache lookup.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
