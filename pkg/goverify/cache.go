package goverify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// VerificationCache memoizes verification results per (app, user, token hash).
// Implementations must never return a result stored under a different key.
type VerificationCache interface {
	// Get returns the cached result and true if a live entry exists for key.
	Get(ctx context.Context, key CacheKey) (*Result, bool, error)

	// Set stores result under key for ttl.
	Set(ctx context.Context, key CacheKey, result *Result, ttl time.Duration) error

	// Invalidate removes the entry for key.
	Invalidate(ctx context.Context, key CacheKey) error
}

// ExpiringCache is a VerificationCache that also reports when an entry expires.
// Tiered caches use it so a copied entry never outlives its source.
type ExpiringCache interface {
	VerificationCache

	// GetWithExpiry is Get plus the entry's expiry. A zero time means unknown.
	GetWithExpiry(ctx context.Context, key CacheKey) (*Result, time.Time, bool, error)
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ context.Context, _ CacheKey) (*Result, bool, error) {
	return nil, false, nil
}

func (c *NoopCache) Set(_ context.Context, _ CacheKey, _ *Result, _ time.Duration) error {
	return nil
}

func (c *NoopCache) Invalidate(_ context.Context, _ CacheKey) error {
	return nil
}

const (
	defaultCacheEntries = 10000
	defaultCacheShards  = 16
)

// cacheEntry wraps a cached result with expiration time and access time for LRU
type cacheEntry struct {
	key        CacheKey
	value      *Result
	expiration time.Time
	accessTime time.Time
	sequence   int64 // For tiebreaking when access times are equal
}

type cacheShard struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	max      int
	sequence int64
}

// LRUCache implements VerificationCache in memory with TTL expiry and LRU eviction.
type LRUCache struct {
	shards []*cacheShard
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewLRUCache creates a cache holding at most maxEntries results.
func NewLRUCache(maxEntries int) *LRUCache {
	return NewLRUCacheWithClock(maxEntries, time.Now)
}

// NewLRUCacheWithClock creates a cache that reads time from now.
func NewLRUCacheWithClock(maxEntries int, now func() time.Time) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if now == nil {
		now = time.Now
	}

	shardCount := defaultCacheShards
	if maxEntries < shardCount {
		shardCount = 1
	}
	perShard := (maxEntries + shardCount - 1) / shardCount

	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = &cacheShard{
			entries: make(map[string]*cacheEntry),
			max:     perShard,
		}
	}
	return &LRUCache{shards: shards, now: now}
}

func (c *LRUCache) shard(id string) *cacheShard {
	return c.shards[xxhash.Sum64String(id)%uint64(len(c.shards))]
}

func (c *LRUCache) Get(ctx context.Context, key CacheKey) (*Result, bool, error) {
	result, _, ok, err := c.GetWithExpiry(ctx, key)
	return result, ok, err
}

// GetWithExpiry implements ExpiringCache.
func (c *LRUCache) GetWithExpiry(_ context.Context, key CacheKey) (*Result, time.Time, bool, error) {
	id := key.String()
	s := c.shard(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[id]
	if !exists || entry.key != key {
		c.misses.Add(1)
		return nil, time.Time{}, false, nil
	}
	if !now.Before(entry.expiration) {
		delete(s.entries, id)
		c.misses.Add(1)
		return nil, time.Time{}, false, nil
	}

	entry.accessTime = now
	seq := s.sequence
	s.sequence++
	entry.sequence = seq

	c.hits.Add(1)
	// Return a copy to prevent external modifications
	return entry.value.Clone(), entry.expiration, true, nil
}

func (c *LRUCache) Set(_ context.Context, key CacheKey, result *Result, ttl time.Duration) error {
	if result == nil || ttl <= 0 {
		return nil
	}
	id := key.String()
	s := c.shard(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists && len(s.entries) >= s.max {
		c.evictLocked(s, now)
	}

	seq := s.sequence
	s.sequence++
	s.entries[id] = &cacheEntry{
		key:        key,
		value:      result.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
	return nil
}

// evictLocked drops expired entries, or the least recently used one if none have expired.
func (c *LRUCache) evictLocked(s *cacheShard, now time.Time) {
	expired := 0
	for id, entry := range s.entries {
		if !now.Before(entry.expiration) {
			delete(s.entries, id)
			expired++
		}
	}
	if expired > 0 {
		c.evictions.Add(int64(expired))
		return
	}

	var oldestID string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for id, entry := range s.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestID = id
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestID)
		c.evictions.Add(1)
	}
}

func (c *LRUCache) Invalidate(_ context.Context, key CacheKey) error {
	id := key.String()
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Clear removes all entries from the cache
func (c *LRUCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*cacheEntry)
		s.mu.Unlock()
	}
}

func (c *LRUCache) Stats() CacheStats {
	size := 0
	for _, s := range c.shards {
		s.mu.Lock()
		size += len(s.entries)
		s.mu.Unlock()
	}
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}
