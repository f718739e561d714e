// Package redis provides Redis implementations of the goverify.RateLimiter and
// goverify.VerificationCache interfaces, shared by every instance of a deployment.
// Rate limit checks run as a single Lua script so all dimensions are checked and
// incremented atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// Storage implements goverify.RateLimiter and goverify.VerificationCache using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goverify:").
	// On Redis Cluster use a hash tag such as "{goverify}:" so the keys of one
	// rate limit check land in the same slot.
	KeyPrefix string

	// RateLimit holds the per-dimension limits, window and algorithm
	RateLimit goverify.RateLimitConfig
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goverify:",
		RateLimit: goverify.DefaultRateLimitConfig(),
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goverify:"
	}
	config.RateLimit = config.RateLimit.WithDefaults()

	switch config.RateLimit.Algorithm {
	case goverify.AlgorithmFixedWindow, goverify.AlgorithmSlidingWindow:
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", config.RateLimit.Algorithm)
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Check every key first, then increment every key. Nothing is counted on rejection.
	// ARGV: now_ms, window_ms, sliding (0/1), member, limit per key.
	// Returns {allowed, rejected key index (1-based), retry after ms}.
	s.scripts["allow"] = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local sliding = ARGV[3] == '1'
		local member = ARGV[4]

		for i = 1, #KEYS do
			local key = KEYS[i]
			local limit = tonumber(ARGV[4 + i])
			if sliding then
				redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
				local count = redis.call('ZCARD', key)
				if count >= limit then
					local retry = window
					local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
					if oldest and #oldest >= 2 then
						retry = tonumber(oldest[2]) + window - now
					end
					return {0, i, retry}
				end
			else
				local count = tonumber(redis.call('GET', key) or '0')
				if count >= limit then
					local retry = redis.call('PTTL', key)
					if retry < 0 then
						retry = window
					end
					return {0, i, retry}
				end
			end
		end

		for i = 1, #KEYS do
			local key = KEYS[i]
			if sliding then
				redis.call('ZADD', key, now, member)
				redis.call('PEXPIRE', key, window)
			else
				local count = redis.call('INCR', key)
				if count == 1 then
					redis.call('PEXPIRE', key, window)
				end
			end
		end

		return {1, 0, 0}
	`)
}

// Allow implements goverify.RateLimiter
func (s *Storage) Allow(ctx context.Context, keys goverify.RateKeys) (*goverify.RateDecision, error) {
	checks := s.config.RateLimit.Checks(keys)
	if len(checks) == 0 {
		return &goverify.RateDecision{Allowed: true}, nil
	}

	redisKeys := make([]string, len(checks))
	args := make([]interface{}, 0, 4+len(checks))
	sliding := "0"
	if s.config.RateLimit.Algorithm == goverify.AlgorithmSlidingWindow {
		sliding = "1"
	}
	args = append(args,
		s.now().UnixMilli(),
		s.config.RateLimit.Window.Milliseconds(),
		sliding,
		uuid.NewString(),
	)
	for i, check := range checks {
		redisKeys[i] = s.rateLimitKey(check.Key)
		args = append(args, check.Limit)
	}

	result, err := s.scripts["allow"].Run(ctx, s.client, redisKeys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	allowed, index, retryMs, err := parseAllowResult(result)
	if err != nil {
		return nil, err
	}
	if allowed {
		return &goverify.RateDecision{Allowed: true}, nil
	}
	if index < 1 || index > len(checks) {
		return nil, fmt.Errorf("unexpected rejected key index from rate limit script: %d", index)
	}

	return &goverify.RateDecision{
		Dimension:  checks[index-1].Dimension,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

//nolint:gocritic // Named return values would reduce readability here
func parseAllowResult(result interface{}) (bool, int, int64, error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected result from rate limit script: %v", result)
	}

	values := make([]int64, 3)
	for i, v := range resultSlice {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("invalid value at position %d from rate limit script: %T", i, v)
		}
		values[i] = n
	}

	return values[0] == 1, int(values[1]), values[2], nil
}

// cacheEntry is the stored form of a cached result. Key is checked on read.
type cacheEntry struct {
	Key         string           `json:"key"`
	Result      *goverify.Result `json:"result"`
	ExpiresAtMs int64            `json:"expires_at_ms,omitempty"`
}

// Get implements goverify.VerificationCache
func (s *Storage) Get(ctx context.Context, key goverify.CacheKey) (*goverify.Result, bool, error) {
	result, _, ok, err := s.GetWithExpiry(ctx, key)
	return result, ok, err
}

// GetWithExpiry implements goverify.ExpiringCache. Entries written without an
// expiry report the zero time.
func (s *Storage) GetWithExpiry(ctx context.Context, key goverify.CacheKey) (*goverify.Result, time.Time, bool, error) {
	data, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to get cached result: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	if entry.Key != key.String() || entry.Result == nil {
		return nil, time.Time{}, false, nil
	}

	var expiresAt time.Time
	if entry.ExpiresAtMs > 0 {
		expiresAt = time.UnixMilli(entry.ExpiresAtMs)
	}
	return entry.Result, expiresAt, true, nil
}

// Set implements goverify.VerificationCache. A non-positive ttl stores nothing.
func (s *Storage) Set(ctx context.Context, key goverify.CacheKey, result *goverify.Result, ttl time.Duration) error {
	if result == nil || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cacheEntry{
		Key:         key.String(),
		Result:      result,
		ExpiresAtMs: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cached result: %w", err)
	}

	if err := s.client.Set(ctx, s.cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached result: %w", err)
	}
	return nil
}

// Invalidate implements goverify.VerificationCache
func (s *Storage) Invalidate(ctx context.Context, key goverify.CacheKey) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached result: %w", err)
	}
	return nil
}

func (s *Storage) rateLimitKey(key string) string {
	return s.config.KeyPrefix + "ratelimit:" + key
}

// cacheKey uses length-prefixed fields so no combination of IDs can collide.
func (s *Storage) cacheKey(key goverify.CacheKey) string {
	return s.config.KeyPrefix + "cache:" +
		strconv.Itoa(len(key.AppID)) + ":" + key.AppID + ":" +
		strconv.Itoa(len(key.UserID)) + ":" + key.UserID + ":" +
		key.TokenHash
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
