package goverify

import (
	"context"
	"time"
)

// Dimension is one of the independent rate limit keys of a verification.
type Dimension string

const (
	DimensionIP    Dimension = "ip"
	DimensionUser  Dimension = "user"
	DimensionToken Dimension = "token"
)

const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
)

// RateLimitConfig sets the per-window limit of each dimension. A limit of zero or less disables it.
type RateLimitConfig struct {
	IPLimit    int
	UserLimit  int
	TokenLimit int
	Window     time.Duration
	Algorithm  string
}

// DefaultRateLimitConfig returns the per-minute limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IPLimit:    60,
		UserLimit:  30,
		TokenLimit: 10,
		Window:     time.Minute,
		Algorithm:  AlgorithmFixedWindow,
	}
}

// WithDefaults fills in the window and algorithm when unset.
func (c RateLimitConfig) WithDefaults() RateLimitConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmFixedWindow
	}
	return c
}

// RateKeys are the limiter keys of a single verification.
type RateKeys struct {
	IP    string
	User  string
	Token string
}

// NewRateKeys builds the keys for a request. The token dimension uses the hash, never the raw token.
func NewRateKeys(sourceIP, appID, userID, tokenHash string) RateKeys {
	return RateKeys{
		IP:    "ip:" + sourceIP,
		User:  "user:" + appID + ":" + userID,
		Token: "token:" + appID + ":" + tokenHash,
	}
}

// RateCheck is one dimension's key and limit.
type RateCheck struct {
	Dimension Dimension
	Key       string
	Limit     int
}

// Checks returns the enabled dimensions of keys under config, in a fixed order.
func (c RateLimitConfig) Checks(keys RateKeys) []RateCheck {
	all := []RateCheck{
		{Dimension: DimensionIP, Key: keys.IP, Limit: c.IPLimit},
		{Dimension: DimensionUser, Key: keys.User, Limit: c.UserLimit},
		{Dimension: DimensionToken, Key: keys.Token, Limit: c.TokenLimit},
	}
	checks := all[:0]
	for _, check := range all {
		if check.Limit > 0 {
			checks = append(checks, check)
		}
	}
	return checks
}

// RateDecision is the result of a limiter check.
type RateDecision struct {
	Allowed bool

	// Dimension is the first exhausted dimension when the request is rejected.
	Dimension Dimension

	// RetryAfter is how long until the rejecting window frees a slot.
	RetryAfter time.Duration
}

// RateLimiter admits a verification only if every dimension is under its limit.
// Counters are incremented only for admitted requests, and all three move together.
type RateLimiter interface {
	Allow(ctx context.Context, keys RateKeys) (*RateDecision, error)
}
