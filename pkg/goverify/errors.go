package goverify

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is returned for malformed requests
	ErrValidation = errors.New("invalid request")

	// ErrAuthDenied is returned when the app, package or client key is not accepted
	ErrAuthDenied = errors.New("authorization denied")

	// ErrRateLimited is returned when any limiter dimension is exhausted
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderTransient is returned for retryable upstream failures
	ErrProviderTransient = errors.New("provider temporarily unavailable")

	// ErrProviderPermanent marks a provider answer that the token is invalid or unknown
	ErrProviderPermanent = errors.New("provider rejected purchase token")

	// ErrProviderFailure is returned for non-retryable upstream failures unrelated to the token
	ErrProviderFailure = errors.New("provider request failed")

	// ErrPersistence is returned when the ledger could not be written
	ErrPersistence = errors.New("persistence failed")

	// ErrUnavailable is returned when a dependency other than the provider or ledger failed
	ErrUnavailable = errors.New("service unavailable")

	// ErrEntitlementNotFound is returned when no entitlement exists for an app and user
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrLedgerUnavailable is returned when the engine is built without a ledger
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrProviderUnavailable is returned when the engine is built without a provider client
	ErrProviderUnavailable = errors.New("provider client unavailable")

	// ErrEmptyPepper is returned when the token hashing secret is empty
	ErrEmptyPepper = errors.New("purchase token hash pepper is empty")
)

// ErrorKind classifies a verification failure at the engine boundary.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthDenied        ErrorKind = "auth_denied"
	KindForbidden         ErrorKind = "forbidden"
	KindRateLimited       ErrorKind = "rate_limited"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderFailure   ErrorKind = "provider_failure"
	KindPersistence       ErrorKind = "persistence"
	KindUnavailable       ErrorKind = "unavailable"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuthDenied, KindForbidden:
		return ErrAuthDenied
	case KindRateLimited:
		return ErrRateLimited
	case KindProviderTransient:
		return ErrProviderTransient
	case KindProviderFailure:
		return ErrProviderFailure
	case KindPersistence:
		return ErrPersistence
	default:
		return ErrUnavailable
	}
}

// VerifyError is the error returned by Engine.Verify. Message is safe to show to clients.
type VerifyError struct {
	Kind    ErrorKind
	Message string
	Err     error

	// Dimension and RetryAfter are set for KindRateLimited.
	Dimension  Dimension
	RetryAfter time.Duration
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the kind.
func (e *VerifyError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newVerifyError(kind ErrorKind, message string, err error) *VerifyError {
	return &VerifyError{Kind: kind, Message: message, Err: err}
}

// PersistenceStage tells how far a failed ledger write got.
type PersistenceStage string

const (
	// StageNothingWritten means neither the audit record nor the entitlement was written.
	StageNothingWritten PersistenceStage = "nothing_written"
	// StageEntitlementStale means the audit record exists but the entitlement was not updated.
	StageEntitlementStale PersistenceStage = "audited_entitlement_stale"
)

// PersistenceError wraps a ledger failure with the stage it happened at.
type PersistenceError struct {
	Stage PersistenceStage
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
