// Package observability holds the service's Prometheus metrics and tracing
// setup.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "talkpdf"

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	turns               *prometheus.CounterVec
	tokens              *prometheus.CounterVec
	retrievalDegraded   prometheus.Counter
	reconcileFailures   prometheus.Counter
	persistenceFailures prometheus.Counter
	firstToken          prometheus.Histogram
	turnDuration        prometheus.Histogram
	reconcileQueue      prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_recorded_total",
			Help:      "Tokens recorded against user quotas by operation.",
		}, []string{"operation"}),
		retrievalDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degraded_total",
			Help:      "Turns answered without document context because retrieval failed.",
		}),
		reconcileFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Usage records dropped after exhausting retries.",
		}),
		persistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Completed turns whose messages could not be saved.",
		}),
		firstToken: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from turn start to the first streamed event.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16},
		}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   prometheus.ExponentialBuckets(.25, 2, 9),
		}),
		reconcileQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_queue_depth",
			Help:      "Usage records waiting to be written.",
		}),
	}
}

// Turn counts a finished turn. outcome is "finished", "aborted", "errored" or
// a rejection kind.
func (m *Metrics) Turn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.turnDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Tokens(operation string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) RetrievalDegraded() {
	if m == nil {
		return
	}
	m.retrievalDegraded.Inc()
}

func (m *Metrics) ReconcileFailed() {
	if m == nil {
		return
	}
	m.reconcileFailures.Inc()
}

func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

func (m *Metrics) FirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.reconcileQueue.Set(float64(n))
}
