package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements goverify.Metrics using Prometheus.
type Metrics struct {
	verificationsTotal         *prometheus.CounterVec
	verificationErrorsTotal    *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec
	providerCallDuration       *prometheus.HistogramVec
	ledgerOpsDuration          *prometheus.HistogramVec
	ledgerOpsErrors            *prometheus.CounterVec
	staleWritesTotal           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		verificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of completed verifications by canonical status.",
		}, []string{"app_id", "status", "source"}),

		verificationErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_errors_total",
			Help:      "Total number of verifications that ended with an error.",
		}, []string{"app_id", "kind"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}, []string{"dimension"}),

		providerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of upstream provider calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
		}, []string{"outcome"}),

		ledgerOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		ledgerOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operation_errors_total",
			Help:      "Total number of ledger operation errors.",
		}, []string{"operation"}),

		staleWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_stale_writes_total",
			Help:      "Total number of entitlement writes skipped because a newer verification was stored.",
		}, []string{"app_id"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordVerification(appID, status, source string) {
	m.verificationsTotal.WithLabelValues(appID, status, source).Inc()
}

func (m *Metrics) RecordVerificationError(appID, kind string) {
	m.verificationErrorsTotal.WithLabelValues(appID, kind).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordRateLimited(dimension string) {
	m.rateLimitedTotal.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordProviderCall(outcome string, duration time.Duration) {
	m.providerCallDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {
	m.ledgerOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.ledgerOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordStaleWrite(appID string) {
	m.staleWritesTotal.WithLabelValues(appID).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
