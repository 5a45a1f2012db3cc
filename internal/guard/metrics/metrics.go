// Package metrics exposes Prometheus counters for guard decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the guard-level Prometheus collectors.
type Metrics struct {
	rateLimitDecisions *prometheus.CounterVec
	idempotencyBegins  *prometheus.CounterVec
	sweepsTotal        prometheus.Counter
	sweepRowsDeleted   prometheus.Counter
}

// New registers guard collectors with the default registry.
func New() *Metrics {
	return &Metrics{
		rateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_rate_limit_decisions_total",
			Help: "Rate limit decisions by route and outcome (allowed/denied).",
		}, []string{"route", "outcome"}),
		idempotencyBegins: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_idempotency_begins_total",
			Help: "Idempotency Begin decisions by route and outcome.",
		}, []string{"route", "outcome"}),
		sweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_expired_sweeps_total",
			Help: "Opportunistic expired-record sweeps executed.",
		}),
		sweepRowsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_expired_rows_deleted_total",
			Help: "Expired coordination rows removed by sweeps.",
		}),
	}
}

// RecordRateLimit counts one rate-limit decision.
func (m *Metrics) RecordRateLimit(route string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.rateLimitDecisions.WithLabelValues(route, outcome).Inc()
}

// RecordBegin counts one idempotency Begin decision.
func (m *Metrics) RecordBegin(route, outcome string) {
	if m == nil {
		return
	}
	m.idempotencyBegins.WithLabelValues(route, outcome).Inc()
}

// RecordSweep counts one sweep and the rows it removed.
func (m *Metrics) RecordSweep(deleted int64) {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
	if deleted > 0 {
		m.sweepRowsDeleted.Add(float64(deleted))
	}
}
