package goverify

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultProviderTimeout = 8 * time.Second
	defaultUpsertRetries   = 2
)

// Config holds the engine configuration
type Config struct {
	// Pepper keys the purchase token hash. Required.
	Pepper string

	// Apps is the allow-list of applications. Required.
	Apps map[string]AppConfig

	// ClientKeys maps app IDs (or "*" / "shared") to accepted client keys.
	ClientKeys map[string][]ClientKey

	// RequireClientKey denies apps without configured client keys.
	RequireClientKey bool

	// RateLimit sets the per-dimension limits of the default in-memory limiter.
	RateLimit RateLimitConfig

	// RateLimiter replaces the in-memory limiter, e.g. with a shared Redis limiter.
	RateLimiter RateLimiter

	// RateLimitFailOpen admits requests when the limiter itself fails.
	RateLimitFailOpen bool

	// CacheTTL is how long a verification result is served from cache.
	// Zero selects the default; a negative value disables caching.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the default in-memory cache.
	CacheMaxEntries int

	// Cache replaces the in-memory cache.
	Cache VerificationCache

	// ProviderTimeout bounds a single provider call.
	ProviderTimeout time.Duration

	// CircuitBreaker guards provider calls when enabled.
	CircuitBreaker CircuitBreakerConfig

	// DiscardRawResponse drops provider payloads from audit records.
	DiscardRawResponse bool

	// UpsertRetries is how often a failed entitlement upsert is retried after the audit record was written.
	// Zero selects the default; a negative value disables retries.
	UpsertRetries int

	// Logger is used for structured logging. Defaults to NoopLogger.
	Logger Logger

	// Metrics records engine metrics. Defaults to NoopMetrics.
	Metrics Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Pepper == "" {
		return ErrEmptyPepper
	}
	if len(c.Apps) == 0 {
		return errors.New("config: at least one app must be configured")
	}
	for appID, app := range c.Apps {
		if app.PackageName == "" {
			return fmt.Errorf("config: app %q has no package name", appID)
		}
	}
	if c.RateLimit.IPLimit < 0 || c.RateLimit.UserLimit < 0 || c.RateLimit.TokenLimit < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	switch c.RateLimit.Algorithm {
	case "", AlgorithmFixedWindow, AlgorithmSlidingWindow:
	default:
		return fmt.Errorf("config: unknown rate limit algorithm %q", c.RateLimit.Algorithm)
	}
	if c.ProviderTimeout < 0 {
		return errors.New("config: provider timeout must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	switch {
	case c.UpsertRetries == 0:
		c.UpsertRetries = defaultUpsertRetries
	case c.UpsertRetries < 0:
		c.UpsertRetries = 0
	}
	if c.RateLimit == (RateLimitConfig{}) {
		c.RateLimit = DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
