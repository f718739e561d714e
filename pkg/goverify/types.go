package goverify

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the canonical subscription status derived from a provider record.
type Status string

const (
	StatusTrialActive    Status = "TRIAL_ACTIVE"
	StatusPaidActive     Status = "PAID_ACTIVE"
	StatusOnHold         Status = "ON_HOLD"
	StatusCanceledActive Status = "CANCELED_ACTIVE"
	StatusExpired        Status = "EXPIRED"
	StatusUnknown        Status = "UNKNOWN"
)

// Active reports whether the status grants access.
func (s Status) Active() bool {
	switch s {
	case StatusTrialActive, StatusPaidActive, StatusCanceledActive:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialActive, StatusPaidActive, StatusOnHold, StatusCanceledActive, StatusExpired, StatusUnknown:
		return true
	default:
		return false
	}
}

// RecordSource identifies where the result of a verification came from.
type RecordSource string

const (
	SourceProvider      RecordSource = "provider"
	SourceCache         RecordSource = "cache"
	SourceProviderError RecordSource = "provider_error"
)

// Request is a single verification request as received from a client.
// PurchaseToken and ClientKey are secrets and are never logged or persisted.
type Request struct {
	AppID          string
	PackageName    string
	SubscriptionID string
	UserID         string
	PurchaseToken  string
	ClientKey      string
	SourceIP       string

	// Force bypasses the verification cache. Rate limits still apply.
	Force bool
}

func (r *Request) normalize() {
	r.AppID = strings.TrimSpace(r.AppID)
	r.PackageName = strings.TrimSpace(r.PackageName)
	r.SubscriptionID = strings.TrimSpace(r.SubscriptionID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.PurchaseToken = strings.TrimSpace(r.PurchaseToken)
	r.ClientKey = strings.TrimSpace(r.ClientKey)
	r.SourceIP = strings.TrimSpace(r.SourceIP)
}

// Result is the outcome of a verification, identical in shape for provider and cache answers.
type Result struct {
	Active         bool   `json:"active"`
	Status         Status `json:"status"`
	IsTrial        bool   `json:"is_trial"`
	AutoRenewing   bool   `json:"auto_renewing"`
	ExpiryTimeMs   int64  `json:"expiry_time_ms"`
	AppID          string `json:"app_id"`
	PackageName    string `json:"package_name"`
	SubscriptionID string `json:"subscription_id"`

	// VerifiedAtMs is the time the provider was consulted. Cached results keep the original value.
	VerifiedAtMs int64 `json:"verified_at_ms"`
}

// Clone returns a copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// RawRecord is the provider's subscription record reduced to the facts the status mapper needs.
type RawRecord struct {
	// ExpiryTimeMs is the expiry in unix milliseconds, 0 when the provider did not report one.
	ExpiryTimeMs int64

	// Trial marks a live purchase currently in its free trial. It drives TRIAL_ACTIVE.
	Trial bool

	// TrialOffer marks a purchase bought through a trial offer. It only sets IsTrial.
	TrialOffer bool

	Canceled       bool
	OnHold         bool
	Expired        bool
	AutoRenewing   bool
	InGoodStanding bool

	// Raw is the provider payload, persisted with the audit record when enabled.
	Raw json.RawMessage
}

// Mapping is the canonical view of a raw provider record.
type Mapping struct {
	Active       bool
	Status       Status
	ExpiryTimeMs int64
	IsTrial      bool
	AutoRenewing bool
}

// VerificationRecord is an immutable audit row written for every verification attempt.
type VerificationRecord struct {
	ID                  string          `json:"id"`
	CreatedAt           time.Time       `json:"created_at"`
	AppID               string          `json:"app_id"`
	PackageName         string          `json:"package_name"`
	SubscriptionID      string          `json:"subscription_id"`
	UserID              string          `json:"user_id"`
	PurchaseTokenHash   string          `json:"purchase_token_hash"`
	Active              bool            `json:"active"`
	Status              Status          `json:"status"`
	ExpiryTimeMs        int64           `json:"expiry_time_ms"`
	IsTrial             bool            `json:"is_trial"`
	AutoRenewing        bool            `json:"auto_renewing"`
	Source              RecordSource    `json:"source"`
	RawProviderResponse json.RawMessage `json:"raw_provider_response,omitempty"`
}

// Entitlement is the current access state of a user within an app.
type Entitlement struct {
	AppID             string    `json:"app_id"`
	UserID            string    `json:"user_id"`
	PurchaseTokenHash string    `json:"purchase_token_hash"`
	Status            Status    `json:"status"`
	Active            bool      `json:"active"`
	ExpiryTimeMs      int64     `json:"expiry_time_ms"`
	LastVerifiedMs    int64     `json:"last_verified_ms"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ActiveAt reports whether the entitlement grants access at now.
// An active entitlement whose expiry has passed no longer does.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	if e == nil || !e.Active {
		return false
	}
	return e.ExpiryTimeMs == 0 || e.ExpiryTimeMs > now.UnixMilli()
}

// CacheKey identifies a cached verification result.
type CacheKey struct {
	AppID     string
	UserID    string
	TokenHash string
}

// String returns the flat form of the key used by shared stores.
func (k CacheKey) String() string {
	return k.AppID + "|" + k.UserID + "|" + k.TokenHash
}
