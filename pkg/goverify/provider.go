package goverify

import (
	"context"
	"errors"
	"fmt"
)

// ProviderClient fetches a subscription from the upstream store.
type ProviderClient interface {
	FetchSubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) (*RawRecord, error)
}

// ProviderFunc adapts a function to ProviderClient.
type ProviderFunc func(ctx context.Context, packageName, subscriptionID, purchaseToken string) (*RawRecord, error)

// FetchSubscription calls f.
func (f ProviderFunc) FetchSubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) (*RawRecord, error) {
	return f(ctx, packageName, subscriptionID, purchaseToken)
}

// ProviderErrorClass tells the engine how to treat a provider failure.
type ProviderErrorClass string

const (
	// ProviderErrorTransient covers timeouts, quota and 5xx answers. Retryable; no entitlement change.
	ProviderErrorTransient ProviderErrorClass = "transient"
	// ProviderErrorPermanent means the token is invalid or unknown. Audited as UNKNOWN.
	ProviderErrorPermanent ProviderErrorClass = "permanent"
	// ProviderErrorUpstream covers other rejections such as bad credentials. Not retried; no entitlement change.
	ProviderErrorUpstream ProviderErrorClass = "upstream"
)

// ProviderError is returned by ProviderClient implementations.
// Err must not contain the purchase token.
type ProviderError struct {
	Class      ProviderErrorClass
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the class.
func (e *ProviderError) Is(target error) bool {
	switch e.Class {
	case ProviderErrorTransient:
		return target == ErrProviderTransient
	case ProviderErrorPermanent:
		return target == ErrProviderPermanent
	default:
		return target == ErrProviderFailure
	}
}

// ClassifyProviderError returns the class of err. Errors that are not ProviderErrors,
// including timeouts and an open circuit, are transient.
func ClassifyProviderError(err error) ProviderErrorClass {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Class
	}
	return ProviderErrorTransient
}

// CircuitBreakerProvider wraps a ProviderClient with circuit breaker protection.
// Only transient failures count against the circuit.
type CircuitBreakerProvider struct {
	provider ProviderClient
	cb       CircuitBreaker
}

// NewCircuitBreakerProvider creates a new provider wrapper with circuit breaker.
func NewCircuitBreakerProvider(provider ProviderClient, cb CircuitBreaker) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		provider: provider,
		cb:       cb,
	}
}

func (p *CircuitBreakerProvider) FetchSubscription(
	ctx context.Context, packageName, subscriptionID, purchaseToken string,
) (*RawRecord, error) {
	var raw *RawRecord
	var answered error
	err := p.cb.Execute(ctx, func() error {
		var e error
		raw, e = p.provider.FetchSubscription(ctx, packageName, subscriptionID, purchaseToken)
		if e != nil && ClassifyProviderError(e) != ProviderErrorTransient {
			// The provider answered; the circuit stays healthy.
			answered = e
			return nil
		}
		return e
	})
	if err != nil {
		return nil, err
	}
	if answered != nil {
		return nil, answered
	}
	return raw, nil
}
