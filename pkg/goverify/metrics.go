package goverify

import "time"

// Metrics defines the interface for tracking verification outcomes and dependency latency.
type Metrics interface {
	// RecordVerification records a completed verification with its canonical status.
	// source is "provider" or "cache".
	RecordVerification(appID, status, source string)

	// RecordVerificationError records a verification that ended with an error of the given kind.
	RecordVerificationError(appID, kind string)

	// RecordCacheHit records a verification cache hit.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a verification cache miss.
	RecordCacheMiss(cacheType string)

	// RecordRateLimited records a request rejected by the limiter on a dimension (ip, user, token).
	RecordRateLimited(dimension string)

	// RecordProviderCall records the duration and outcome of an upstream provider call.
	RecordProviderCall(outcome string, duration time.Duration)

	// RecordLedgerOperation records the duration and status of a ledger operation.
	RecordLedgerOperation(operation string, duration time.Duration, err error)

	// RecordStaleWrite records an entitlement write rejected by the monotonic check.
	RecordStaleWrite(appID string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordVerification(appID, status, source string)                           {}
func (n *NoopMetrics) RecordVerificationError(appID, kind string)                                {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                           {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                          {}
func (n *NoopMetrics) RecordRateLimited(dimension string)                                        {}
func (n *NoopMetrics) RecordProviderCall(outcome string, duration time.Duration)                 {}
func (n *NoopMetrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordStaleWrite(appID string)                                             {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
