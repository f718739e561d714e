package goverify

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultLimiterShards = 32
	sweepEvery           = 1000
)

// MemoryRateLimiter implements RateLimiter with in-process windows.
// Windows are sharded by key; a check locks only the shards its keys fall in.
type MemoryRateLimiter struct {
	config RateLimitConfig
	shards []*limiterShard
	now    func() time.Time

	requests atomic.Uint64
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
	// hits holds admission times for the sliding window algorithm.
	hits []time.Time
}

// NewMemoryRateLimiter creates an in-memory limiter.
func NewMemoryRateLimiter(config RateLimitConfig) *MemoryRateLimiter {
	return NewMemoryRateLimiterWithClock(config, time.Now)
}

// NewMemoryRateLimiterWithClock creates an in-memory limiter reading time from now.
func NewMemoryRateLimiterWithClock(config RateLimitConfig, now func() time.Time) *MemoryRateLimiter {
	shards := make([]*limiterShard, defaultLimiterShards)
	for i := range shards {
		shards[i] = &limiterShard{windows: make(map[string]*rateWindow)}
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimiter{
		config: config.WithDefaults(),
		shards: shards,
		now:    now,
	}
}

func (r *MemoryRateLimiter) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(r.shards)))
}

// Allow checks all enabled dimensions and counts the request against each only if all admit it.
func (r *MemoryRateLimiter) Allow(_ context.Context, keys RateKeys) (*RateDecision, error) {
	checks := r.config.Checks(keys)
	if len(checks) == 0 {
		return &RateDecision{Allowed: true}, nil
	}

	indexes := make([]int, 0, len(checks))
	seen := make(map[int]bool, len(checks))
	for _, check := range checks {
		idx := r.shardIndex(check.Key)
		if !seen[idx] {
			seen[idx] = true
			indexes = append(indexes, idx)
		}
	}
	// Lock in ascending shard order so concurrent checks cannot deadlock.
	sort.Ints(indexes)
	for _, idx := range indexes {
		r.shards[idx].mu.Lock()
	}
	decision := r.allowLocked(checks, r.now())
	for i := len(indexes) - 1; i >= 0; i-- {
		r.shards[indexes[i]].mu.Unlock()
	}

	if r.requests.Add(1)%sweepEvery == 0 {
		r.Sweep()
	}
	return decision, nil
}

func (r *MemoryRateLimiter) allowLocked(checks []RateCheck, now time.Time) *RateDecision {
	window := r.config.Window
	sliding := r.config.Algorithm == AlgorithmSlidingWindow

	for _, check := range checks {
		w := r.shards[r.shardIndex(check.Key)].windows[check.Key]
		if w == nil {
			continue
		}
		if sliding {
			w.prune(now, window)
			if len(w.hits) >= check.Limit {
				return &RateDecision{
					Dimension:  check.Dimension,
					RetryAfter: w.hits[0].Add(window).Sub(now),
				}
			}
			continue
		}
		if now.Sub(w.start) >= window {
			continue
		}
		if w.count >= check.Limit {
			return &RateDecision{
				Dimension:  check.Dimension,
				RetryAfter: w.start.Add(window).Sub(now),
			}
		}
	}

	for _, check := range checks {
		shard := r.shards[r.shardIndex(check.Key)]
		w := shard.windows[check.Key]
		if w == nil {
			w = &rateWindow{start: now}
			shard.windows[check.Key] = w
		}
		if sliding {
			w.hits = append(w.hits, now)
			continue
		}
		if now.Sub(w.start) >= window {
			w.start = now
			w.count = 0
		}
		w.count++
	}
	return &RateDecision{Allowed: true}
}

func (w *rateWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *rateWindow) expired(now time.Time, window time.Duration, sliding bool) bool {
	if sliding {
		w.prune(now, window)
		return len(w.hits) == 0
	}
	return now.Sub(w.start) >= window
}

// Sweep drops windows that no longer hold any count.
func (r *MemoryRateLimiter) Sweep() {
	now := r.now()
	sliding := r.config.Algorithm == AlgorithmSlidingWindow
	for _, shard := range r.shards {
		shard.mu.Lock()
		for key, w := range shard.windows {
			if w.expired(now, r.config.Window, sliding) {
				delete(shard.windows, key)
			}
		}
		shard.mu.Unlock()
	}
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *MemoryRateLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.config.Window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Size returns the number of tracked windows.
func (r *MemoryRateLimiter) Size() int {
	n := 0
	for _, shard := range r.shards {
		shard.mu.Lock()
		n += len(shard.windows)
		shard.mu.Unlock()
	}
	return n
}
