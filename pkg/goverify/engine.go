package goverify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const cacheTypeVerification = "verification"

// Engine verifies subscriptions and reconciles the resulting entitlements.
type Engine struct {
	ledger     Ledger
	provider   ProviderClient
	config     Config
	hasher     *TokenHasher
	authorizer *Authorizer
	limiter    RateLimiter
	cache      VerificationCache
	logger     Logger
	metrics    Metrics
	now        func() time.Time
	newID      func() string

	inflight singleflight.Group
}

// NewEngine creates a verification engine writing to ledger and asking provider.
func NewEngine(ledger Ledger, provider ProviderClient, config *Config) (*Engine, error) {
	if ledger == nil {
		return nil, ErrLedgerUnavailable
	}
	if provider == nil {
		return nil, ErrProviderUnavailable
	}
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	hasher, err := NewTokenHasher(cfg.Pepper)
	if err != nil {
		return nil, err
	}
	authorizer, err := NewAuthorizer(AuthorizerConfig{
		Apps:             cfg.Apps,
		ClientKeys:       cfg.ClientKeys,
		RequireClientKey: cfg.RequireClientKey,
	})
	if err != nil {
		return nil, err
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = NewMemoryRateLimiterWithClock(cfg.RateLimit, cfg.Now)
	}

	cache := cfg.Cache
	switch {
	case cfg.CacheTTL < 0:
		cache = NewNoopCache()
	case cache == nil:
		cache = NewLRUCacheWithClock(cfg.CacheMaxEntries, cfg.Now)
	}

	if cfg.CircuitBreaker.Enabled {
		metrics := cfg.Metrics
		logger := cfg.Logger
		cb := NewDefaultCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout,
			func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
				logger.Warn("provider circuit breaker state changed", Field{Key: "state", Value: string(state)})
			})
		cb.now = cfg.Now
		provider = NewCircuitBreakerProvider(provider, cb)
	}

	return &Engine{
		ledger:     ledger,
		provider:   provider,
		config:     cfg,
		hasher:     hasher,
		authorizer: authorizer,
		limiter:    limiter,
		cache:      cache,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		newID:      uuid.NewString,
	}, nil
}

// fetchOutcome is shared between callers collapsed onto one provider call.
type fetchOutcome struct {
	raw        *RawRecord
	err        error
	verifiedAt time.Time
}

// Verify authorizes, rate limits and verifies req, then records the outcome.
// Errors are *VerifyError values; errors.Is matches the package sentinels.
func (e *Engine) Verify(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, e.fail("", newVerifyError(KindValidation, "request is required", nil))
	}
	r := *req
	r.normalize()

	if err := r.Validate(); err != nil {
		return nil, e.fail(r.AppID, err)
	}
	if err := e.authorizer.Authorize(r.AppID, r.ClientKey); err != nil {
		e.logger.Warn("verify_denied",
			Field{Key: "app_id", Value: r.AppID},
			Field{Key: "reason", Value: err.Error()})
		return nil, e.fail(r.AppID, err)
	}
	if err := e.authorizer.CheckProduct(r.AppID, r.PackageName, r.SubscriptionID); err != nil {
		e.logger.Warn("verify_denied",
			Field{Key: "app_id", Value: r.AppID},
			Field{Key: "reason", Value: err.Error()})
		return nil, e.fail(r.AppID, err)
	}

	tokenHash := e.hasher.Hash(r.PurchaseToken)
	logFields := []Field{
		{Key: "app_id", Value: r.AppID},
		{Key: "user_id", Value: r.UserID},
		{Key: "token_hash", Value: ShortHash(tokenHash)},
	}

	if err := e.checkRateLimit(ctx, &r, tokenHash, logFields); err != nil {
		return nil, e.fail(r.AppID, err)
	}

	key := CacheKey{AppID: r.AppID, UserID: r.UserID, TokenHash: tokenHash}
	if !r.Force {
		if cached := e.cachedResult(ctx, &r, key, logFields); cached != nil {
			return e.serveCached(ctx, &r, tokenHash, cached, logFields)
		}
	}

	return e.verifyWithProvider(ctx, &r, key, logFields)
}

func (e *Engine) checkRateLimit(ctx context.Context, r *Request, tokenHash string, logFields []Field) error {
	decision, err := e.limiter.Allow(ctx, NewRateKeys(r.SourceIP, r.AppID, r.UserID, tokenHash))
	if err != nil {
		if e.config.RateLimitFailOpen {
			e.logger.Warn("rate limiter failed, admitting request", append(logFields, Field{Key: "error", Value: err.Error()})...)
			return nil
		}
		e.logger.Error("rate limiter failed", append(logFields, Field{Key: "error", Value: err.Error()})...)
		return newVerifyError(KindUnavailable, "rate limiter unavailable", err)
	}
	if decision.Allowed {
		return nil
	}

	e.metrics.RecordRateLimited(string(decision.Dimension))
	e.logger.Info("verify_rate_limited", append(logFields, Field{Key: "dimension", Value: string(decision.Dimension)})...)
	verr := newVerifyError(KindRateLimited, "too many verification attempts", nil)
	verr.Dimension = decision.Dimension
	verr.RetryAfter = decision.RetryAfter
	return verr
}

// cachedResult returns a live cached result for the requested product.
// Entries for another package or subscription, and entries whose expiry has passed since caching, are misses.
func (e *Engine) cachedResult(ctx context.Context, r *Request, key CacheKey, logFields []Field) *Result {
	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("verification cache read failed", append(logFields, Field{Key: "error", Value: err.Error()})...)
		e.metrics.RecordCacheMiss(cacheTypeVerification)
		return nil
	}
	if !ok || cached == nil || cached.PackageName != r.PackageName || cached.SubscriptionID != r.SubscriptionID {
		e.metrics.RecordCacheMiss(cacheTypeVerification)
		return nil
	}
	if cached.Active && cached.ExpiryTimeMs > 0 && cached.ExpiryTimeMs <= e.now().UnixMilli() {
		e.metrics.RecordCacheMiss(cacheTypeVerification)
		return nil
	}
	e.metrics.RecordCacheHit(cacheTypeVerification)
	return cached
}

func (e *Engine) serveCached(
	ctx context.Context, r *Request, tokenHash string, cached *Result, logFields []Field,
) (*Result, error) {
	mapping := Mapping{
		Active:       cached.Active,
		Status:       cached.Status,
		ExpiryTimeMs: cached.ExpiryTimeMs,
		IsTrial:      cached.IsTrial,
		AutoRenewing: cached.AutoRenewing,
	}
	rec := e.newRecord(r, tokenHash, mapping, SourceCache, nil)
	ent := e.newEntitlement(r, tokenHash, mapping, cached.VerifiedAtMs)

	applied, err := e.persist(ctx, rec, ent)
	if err != nil {
		e.logger.Error("ledger_write_failed", append(logFields, Field{Key: "error", Value: err.Error()})...)
		return nil, e.fail(r.AppID, newVerifyError(KindPersistence, "could not record verification", err))
	}
	e.noteStale(r.AppID, applied, logFields)

	e.metrics.RecordVerification(r.AppID, string(cached.Status), string(SourceCache))
	e.logger.Debug("verify_cache_hit", append(logFields, Field{Key: "status", Value: string(cached.Status)})...)
	return cached.Clone(), nil
}

func (e *Engine) verifyWithProvider(ctx context.Context, r *Request, key CacheKey, logFields []Field) (*Result, error) {
	outcome := e.fetch(ctx, r, key)

	source := SourceProvider
	raw := outcome.raw
	var rawPayload json.RawMessage

	if outcome.err != nil {
		class := ClassifyProviderError(outcome.err)
		fields := append(logFields,
			Field{Key: "class", Value: string(class)},
			Field{Key: "error", Value: outcome.err.Error()})
		switch class {
		case ProviderErrorPermanent:
			e.logger.Warn("provider_failed", fields...)
			source = SourceProviderError
			raw = nil
			rawPayload = providerErrorPayload(outcome.err)
		case ProviderErrorUpstream:
			e.logger.Error("provider_failed", fields...)
			return nil, e.fail(r.AppID, newVerifyError(KindProviderFailure, "provider request failed", outcome.err))
		default:
			e.logger.Warn("provider_failed", fields...)
			return nil, e.fail(r.AppID, newVerifyError(KindProviderTransient, "provider temporarily unavailable", outcome.err))
		}
	} else if raw != nil {
		rawPayload = raw.Raw
	}

	mapping := MapStatus(raw, outcome.verifiedAt)
	verifiedAtMs := outcome.verifiedAt.UnixMilli()
	tokenHash := key.TokenHash

	rec := e.newRecord(r, tokenHash, mapping, source, rawPayload)
	ent := e.newEntitlement(r, tokenHash, mapping, verifiedAtMs)

	applied, err := e.persist(ctx, rec, ent)
	if err != nil {
		e.logger.Error("ledger_write_failed", append(logFields, Field{Key: "error", Value: err.Error()})...)
		return nil, e.fail(r.AppID, newVerifyError(KindPersistence, "could not record verification", err))
	}
	e.noteStale(r.AppID, applied, logFields)

	result := &Result{
		Active:         mapping.Active,
		Status:         mapping.Status,
		IsTrial:        mapping.IsTrial,
		AutoRenewing:   mapping.AutoRenewing,
		ExpiryTimeMs:   mapping.ExpiryTimeMs,
		AppID:          r.AppID,
		PackageName:    r.PackageName,
		SubscriptionID: r.SubscriptionID,
		VerifiedAtMs:   verifiedAtMs,
	}
	if err := e.cache.Set(ctx, key, result, e.config.CacheTTL); err != nil {
		e.logger.Warn("verification cache write failed", append(logFields, Field{Key: "error", Value: err.Error()})...)
	}

	e.metrics.RecordVerification(r.AppID, string(result.Status), string(source))
	e.logger.Info("verify_success", append(logFields,
		Field{Key: "status", Value: string(result.Status)},
		Field{Key: "active", Value: result.Active})...)
	return result.Clone(), nil
}

// fetch calls the provider, collapsing concurrent calls for the same token and product.
// No limiter or cache lock is held here.
func (e *Engine) fetch(ctx context.Context, r *Request, key CacheKey) fetchOutcome {
	flightKey := key.String() + "|" + r.SubscriptionID
	v, _, _ := e.inflight.Do(flightKey, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ProviderTimeout)
		defer cancel()

		verifiedAt := e.now()
		start := time.Now()
		raw, err := e.provider.FetchSubscription(callCtx, r.PackageName, r.SubscriptionID, r.PurchaseToken)
		outcome := "ok"
		if err != nil {
			outcome = string(ClassifyProviderError(err))
		}
		e.metrics.RecordProviderCall(outcome, time.Since(start))
		return fetchOutcome{raw: raw, err: err, verifiedAt: verifiedAt}, nil
	})
	return v.(fetchOutcome)
}

// persist writes the audit record and the monotonic entitlement upsert.
func (e *Engine) persist(ctx context.Context, rec *VerificationRecord, ent *Entitlement) (bool, error) {
	if atomicLedger, ok := e.ledger.(AtomicLedger); ok {
		start := time.Now()
		applied, err := atomicLedger.RecordAndUpsert(ctx, rec, ent)
		e.metrics.RecordLedgerOperation("record_and_upsert", time.Since(start), err)
		if err != nil {
			return false, &PersistenceError{Stage: StageNothingWritten, Err: err}
		}
		return applied, nil
	}

	start := time.Now()
	err := e.ledger.Record(ctx, rec)
	e.metrics.RecordLedgerOperation("record", time.Since(start), err)
	if err != nil {
		return false, &PersistenceError{Stage: StageNothingWritten, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.UpsertRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, &PersistenceError{Stage: StageEntitlementStale, Err: errors.Join(lastErr, ctx.Err())}
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		start = time.Now()
		applied, err := e.ledger.UpsertEntitlement(ctx, ent)
		e.metrics.RecordLedgerOperation("upsert_entitlement", time.Since(start), err)
		if err == nil {
			return applied, nil
		}
		lastErr = err
	}
	return false, &PersistenceError{Stage: StageEntitlementStale, Err: lastErr}
}

func (e *Engine) noteStale(appID string, applied bool, logFields []Field) {
	if applied {
		return
	}
	e.metrics.RecordStaleWrite(appID)
	e.logger.Debug("entitlement_stale_write", logFields...)
}

func (e *Engine) newRecord(
	r *Request, tokenHash string, m Mapping, source RecordSource, raw json.RawMessage,
) *VerificationRecord {
	if e.config.DiscardRawResponse {
		raw = nil
	}
	return &VerificationRecord{
		ID:                  e.newID(),
		CreatedAt:           e.now().UTC(),
		AppID:               r.AppID,
		PackageName:         r.PackageName,
		SubscriptionID:      r.SubscriptionID,
		UserID:              r.UserID,
		PurchaseTokenHash:   tokenHash,
		Active:              m.Active,
		Status:              m.Status,
		ExpiryTimeMs:        m.ExpiryTimeMs,
		IsTrial:             m.IsTrial,
		AutoRenewing:        m.AutoRenewing,
		Source:              source,
		RawProviderResponse: raw,
	}
}

func (e *Engine) newEntitlement(r *Request, tokenHash string, m Mapping, verifiedAtMs int64) *Entitlement {
	return &Entitlement{
		AppID:             r.AppID,
		UserID:            r.UserID,
		PurchaseTokenHash: tokenHash,
		Status:            m.Status,
		Active:            m.Active,
		ExpiryTimeMs:      m.ExpiryTimeMs,
		LastVerifiedMs:    verifiedAtMs,
		UpdatedAt:         e.now().UTC(),
	}
}

func (e *Engine) fail(appID string, err error) error {
	var verr *VerifyError
	if errors.As(err, &verr) {
		e.metrics.RecordVerificationError(appID, string(verr.Kind))
	}
	return err
}

func providerErrorPayload(err error) json.RawMessage {
	payload := map[string]interface{}{"error": string(ClassifyProviderError(err))}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.StatusCode != 0 {
		payload["status_code"] = perr.StatusCode
	}
	data, _ := json.Marshal(payload)
	return data
}

// Authorize checks that clientKey may act for appID. Errors are *VerifyError values.
func (e *Engine) Authorize(appID, clientKey string) error {
	return e.authorizer.Authorize(appID, clientKey)
}

// AppIDs returns the configured app IDs.
func (e *Engine) AppIDs() []string {
	return e.authorizer.AppIDs()
}

// Entitlement returns the stored entitlement of a user.
func (e *Engine) Entitlement(ctx context.Context, appID, userID string) (*Entitlement, error) {
	start := time.Now()
	ent, err := e.ledger.GetEntitlement(ctx, appID, userID)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		e.metrics.RecordLedgerOperation("get_entitlement", time.Since(start), err)
		return nil, err
	}
	e.metrics.RecordLedgerOperation("get_entitlement", time.Since(start), nil)
	return ent, err
}

// EntitlementChecker answers whether a user currently has access. *Engine implements it.
type EntitlementChecker interface {
	HasActiveEntitlement(ctx context.Context, appID, userID string) (bool, error)
}

// HasActiveEntitlement reports whether the user currently has access.
func (e *Engine) HasActiveEntitlement(ctx context.Context, appID, userID string) (bool, error) {
	ent, err := e.Entitlement(ctx, appID, userID)
	if errors.Is(err, ErrEntitlementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ent.ActiveAt(e.now()), nil
}

// InvalidateCache drops the cached result for a purchase token.
func (e *Engine) InvalidateCache(ctx context.Context, appID, userID, purchaseToken string) error {
	key := CacheKey{AppID: appID, UserID: userID, TokenHash: e.hasher.Hash(purchaseToken)}
	return e.cache.Invalidate(ctx, key)
}

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}
