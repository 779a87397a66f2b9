// Package metrics holds the Prometheus collectors for money movement,
// concurrency conflicts, refills and cache effectiveness.
//
// A nil *Metrics is valid and records nothing, so engines can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tally"

// Result labels.
const (
	ResultOK           = "ok"
	ResultReplay       = "replay"
	ResultInsufficient = "insufficient_credit"
	ResultConflict     = "conflict"
	ResultError        = "error"
	ResultSkipped      = "skipped"
	ResultHit          = "hit"
	ResultMiss         = "miss"
)

type Metrics struct {
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	versionRetries *prometheus.CounterVec
	refills        *prometheus.CounterVec
	cacheRequests  *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation, strategy and result.",
		}, []string{"operation", "strategy", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		versionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_retries_total",
			Help:      "Wallet version conflicts that triggered a retry.",
		}, []string{"operation"}),
		refills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_refills_total",
			Help:      "Refill checks by result.",
		}, []string{"result"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Rows changed by periodic sweeps.",
		}, []string{"sweep"}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.versionRetries, m.refills, m.cacheRequests, m.sweeps)
	}
	return m
}

func (m *Metrics) Operation(operation, strategy, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, strategy, result).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) VersionRetry(operation string) {
	if m == nil {
		return
	}
	m.versionRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Refill(result string) {
	if m == nil {
		return
	}
	m.refills.WithLabelValues(result).Inc()
}

func (m *Metrics) Cache(cache, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) Sweep(sweep string, rows int64) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(sweep).Add(float64(rows))
}
