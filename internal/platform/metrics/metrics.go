package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the consent engine.
type Metrics struct {
	// ConsentOps counts lifecycle operations by operation and outcome
	// (ok, validation, conflict, not_found, error).
	ConsentOps *prometheus.CounterVec
	// LazyExpiries counts ACTIVE->EXPIRED flips discovered on read.
	LazyExpiries prometheus.Counter
	// AuthorizeDecisions counts guard decisions by result
	// (allow, no_grant, revoked, expired, scope_missing).
	AuthorizeDecisions *prometheus.CounterVec
	// SummaryCache counts trainer-summary cache hits and misses.
	SummaryCache *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers metrics on a caller-supplied registerer so tests can use
// isolated registries.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConsentOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainshare_consent_operations_total",
			Help: "Consent lifecycle operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		LazyExpiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "trainshare_consent_lazy_expiries_total",
			Help: "Consents flipped to expired during read-side normalization",
		}),
		AuthorizeDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainshare_authorize_decisions_total",
			Help: "Authorization guard decisions by result",
		}, []string{"result"}),
		SummaryCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainshare_summary_cache_total",
			Help: "Trainer summary cache lookups by result (hit, miss)",
		}, []string{"result"}),
	}
}

// RecordOp increments the lifecycle operation counter.
func (m *Metrics) RecordOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.ConsentOps.WithLabelValues(operation, outcome).Inc()
}

// RecordDecision increments the guard decision counter.
func (m *Metrics) RecordDecision(result string) {
	if m == nil {
		return
	}
	m.AuthorizeDecisions.WithLabelValues(result).Inc()
}

// RecordLazyExpiry increments the lazy expiry counter.
func (m *Metrics) RecordLazyExpiry() {
	if m == nil {
		return
	}
	m.LazyExpiries.Inc()
}

// RecordCache increments the summary cache counter.
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.SummaryCache.WithLabelValues(result).Inc()
}
