// Package tiered provides a two-level goverify.VerificationCache that puts a fast
// process-local cache (Hot) in front of a shared cache (Cold), so repeated
// verifications on one instance skip the network round trip.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (e.g., goverify.LRUCache) local to the process
	Hot goverify.VerificationCache

	// Cold is the L2 cache (e.g., Redis) shared by all instances
	Cold goverify.VerificationCache

	// HotTTL caps how long an entry lives in Hot. Entries filled from Cold
	// live for HotTTL or the Cold entry's remaining lifetime, whichever is
	// shorter, when Cold implements goverify.ExpiringCache.
	// Default: 1 minute
	HotTTL time.Duration

	// Now is the clock used to compute remaining lifetimes. Defaults to time.Now.
	Now func() time.Time

	// AsyncColdWrites makes Set return after the Hot write and push the Cold
	// write to a background worker. If false, writes are synchronous.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold write fails or is dropped.
	AsyncErrorHandler func(error)
}

// Cache implements a Hot/Cold tiered verification cache.
// - Read-Through: Get (Hot → Cold → populate Hot)
// - Write-Through: Set (Cold → Hot), or Hot then async Cold
// - Invalidate: both tiers
type Cache struct {
	hot  goverify.VerificationCache
	cold goverify.VerificationCache
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered cache.
func New(config Config) (*Cache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}

	if config.HotTTL <= 0 {
		config.HotTTL = time.Minute
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Cache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncColdWrites {
		c.startWorker()
	}

	return c, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (c *Cache) Close() error {
	if c.conf.AsyncColdWrites {
		select {
		case <-c.shutdown:
			// Already closed
		default:
			close(c.shutdown)
			c.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (c *Cache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				if err := job(); err != nil {
					c.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-c.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-c.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *Cache) reportError(err error) {
	if c.conf.AsyncErrorHandler != nil {
		c.conf.AsyncErrorHandler(err)
	}
}

func (c *Cache) hotTTL(ttl time.Duration) time.Duration {
	if ttl > c.conf.HotTTL {
		return c.conf.HotTTL
	}
	return ttl
}

// getCold reads Cold and returns the TTL a Hot copy may use.
func (c *Cache) getCold(ctx context.Context, key goverify.CacheKey) (*goverify.Result, time.Duration, bool, error) {
	expiring, ok := c.cold.(goverify.ExpiringCache)
	if !ok {
		res, found, err := c.cold.Get(ctx, key)
		return res, c.conf.HotTTL, found, err
	}

	res, expiresAt, found, err := expiring.GetWithExpiry(ctx, key)
	if err != nil || !found || expiresAt.IsZero() {
		return res, c.conf.HotTTL, found, err
	}
	return res, c.hotTTL(expiresAt.Sub(c.conf.Now())), true, nil
}

// Get implements goverify.VerificationCache with read-through strategy.
func (c *Cache) Get(ctx context.Context, key goverify.CacheKey) (*goverify.Result, bool, error) {
	// 1. Try Hot
	if res, ok, err := c.hot.Get(ctx, key); err == nil && ok {
		return res, true, nil
	}

	// 2. Try Cold
	res, ttl, ok, err := c.getCold(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	// 3. Populate Hot (Read-Repair)
	if ttl > 0 {
		_ = c.hot.Set(ctx, key, res, ttl) //nolint:errcheck // Cache fill - errors are non-critical
	}

	return res, true, nil
}

// Set implements goverify.VerificationCache with write-through strategy.
func (c *Cache) Set(ctx context.Context, key goverify.CacheKey, result *goverify.Result, ttl time.Duration) error {
	if !c.conf.AsyncColdWrites {
		// 1. Write Cold (shared by all instances)
		if err := c.cold.Set(ctx, key, result, ttl); err != nil {
			return err
		}
		// 2. Write Hot
		_ = c.hot.Set(ctx, key, result, c.hotTTL(ttl)) //nolint:errcheck // Best effort - Cold is shared
		return nil
	}

	if err := c.hot.Set(ctx, key, result, c.hotTTL(ttl)); err != nil {
		return err
	}

	// Clone result to avoid race conditions if caller modifies it
	clone := result.Clone()

	// Attempt to enqueue non-blocking
	select {
	case c.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return c.cold.Set(context.Background(), key, clone, ttl)
	}:
	default:
		c.reportError(errors.New("tiered cache: sync queue full, dropping cold write"))
	}
	return nil
}

// Invalidate implements goverify.VerificationCache. Both tiers are cleared.
func (c *Cache) Invalidate(ctx context.Context, key goverify.CacheKey) error {
	hotErr := c.hot.Invalidate(ctx, key)
	if err := c.cold.Invalidate(ctx, key); err != nil {
		return err
	}
	return hotErr
}
