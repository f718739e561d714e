package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goverify/pkg/goverify"
	"github.com/mihaimyh/goverify/storage/tiered"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func newTestStorage(t *testing.T, limits goverify.RateLimitConfig) (*Storage, *time.Time) {
	t.Helper()
	client := setupTestRedis(t)

	config := DefaultConfig()
	config.KeyPrefix = "test:"
	config.RateLimit = limits

	storage, err := New(client, config)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	storage.now = func() time.Time { return now }
	return storage, &now
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty config gets defaults",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  Config{},
			wantErr: false,
		},
		{
			name:   "unknown algorithm",
			client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config: Config{
				RateLimit: goverify.RateLimitConfig{IPLimit: 1, Algorithm: "token_bucket"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "goverify:", storage.config.KeyPrefix)
			assert.Equal(t, time.Minute, storage.config.RateLimit.Window)
		})
	}
}

func TestStorage_Allow_FixedWindow(t *testing.T) {
	storage, _ := newTestStorage(t, goverify.RateLimitConfig{
		IPLimit: 5, UserLimit: 2, TokenLimit: 10, Window: time.Minute,
		Algorithm: goverify.AlgorithmFixedWindow,
	})
	ctx := context.Background()
	keys := goverify.NewRateKeys("10.0.0.1", "talktype", "user1", "hash1")

	for i := 0; i < 2; i++ {
		decision, err := storage.Allow(ctx, keys)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := storage.Allow(ctx, keys)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, goverify.DimensionUser, decision.Dimension)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)

	// The rejected request did not count against the IP dimension.
	count, err := storage.client.Get(ctx, storage.rateLimitKey(keys.IP)).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Another user on the same IP is still admitted.
	other := goverify.NewRateKeys("10.0.0.1", "talktype", "user2", "hash2")
	decision, err = storage.Allow(ctx, other)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestStorage_Allow_SlidingWindow(t *testing.T) {
	storage, now := newTestStorage(t, goverify.RateLimitConfig{
		IPLimit: 2, Window: time.Minute, Algorithm: goverify.AlgorithmSlidingWindow,
	})
	ctx := context.Background()
	keys := goverify.NewRateKeys("10.0.0.2", "talktype", "user1", "hash1")

	decision, err := storage.Allow(ctx, keys)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	*now = now.Add(30 * time.Second)
	decision, err = storage.Allow(ctx, keys)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = storage.Allow(ctx, keys)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, goverify.DimensionIP, decision.Dimension)
	assert.Equal(t, 30*time.Second, decision.RetryAfter)

	// The first hit leaves the window.
	*now = now.Add(31 * time.Second)
	decision, err = storage.Allow(ctx, keys)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestStorage_Allow_Concurrent(t *testing.T) {
	storage, _ := newTestStorage(t, goverify.RateLimitConfig{
		TokenLimit: 10, Window: time.Minute, Algorithm: goverify.AlgorithmFixedWindow,
	})
	ctx := context.Background()
	keys := goverify.NewRateKeys("10.0.0.3", "talktype", "user1", "hash1")

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := storage.Allow(ctx, keys)
			if assert.NoError(t, err) && decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestStorage_Allow_AllDisabled(t *testing.T) {
	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)

	decision, err := storage.Allow(context.Background(), goverify.RateKeys{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestStorage_Cache(t *testing.T) {
	storage, _ := newTestStorage(t, goverify.DefaultRateLimitConfig())
	ctx := context.Background()
	key := goverify.CacheKey{AppID: "talktype", UserID: "user1", TokenHash: "hash1"}
	result := &goverify.Result{
		Active:         true,
		Status:         goverify.StatusPaidActive,
		ExpiryTimeMs:   1700000000000,
		AppID:          "talktype",
		PackageName:    "com.talktype.app",
		SubscriptionID: "talktype_pro_monthly",
		VerifiedAtMs:   1690000000000,
	}

	_, ok, err := storage.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.Set(ctx, key, result, time.Minute))

	got, ok, err := storage.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result, got)

	t.Run("different user misses", func(t *testing.T) {
		_, ok, err := storage.Get(ctx, goverify.CacheKey{AppID: "talktype", UserID: "user2", TokenHash: "hash1"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ttl is set", func(t *testing.T) {
		ttl, err := storage.client.PTTL(ctx, storage.cacheKey(key)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("expiry is reported", func(t *testing.T) {
		_, expiresAt, ok, err := storage.GetWithExpiry(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)
	})

	t.Run("tiered hot copy is bounded by remaining ttl", func(t *testing.T) {
		hot := goverify.NewLRUCache(10)
		cache, err := tiered.New(tiered.Config{Hot: hot, Cold: storage, HotTTL: time.Hour})
		require.NoError(t, err)
		defer cache.Close()

		_, ok, err := cache.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)

		_, expiresAt, ok, err := hot.GetWithExpiry(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, expiresAt.Before(time.Now().Add(time.Minute+time.Second)))
	})

	require.NoError(t, storage.Invalidate(ctx, key))
	_, ok, err = storage.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_Cache_RejectsForeignEntry(t *testing.T) {
	storage, _ := newTestStorage(t, goverify.DefaultRateLimitConfig())
	ctx := context.Background()
	key := goverify.CacheKey{AppID: "talktype", UserID: "user1", TokenHash: "hash1"}

	// An entry stored under this key for a different identity is never served.
	raw := `{"key":"talktype|user2|hash1","result":{"active":true,"status":"PAID_ACTIVE"}}`
	require.NoError(t, storage.client.Set(ctx, storage.cacheKey(key), raw, time.Minute).Err())

	_, ok, err := storage.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_Cache_NonPositiveTTL(t *testing.T) {
	storage, _ := newTestStorage(t, goverify.DefaultRateLimitConfig())
	ctx := context.Background()
	key := goverify.CacheKey{AppID: "talktype", UserID: "user1", TokenHash: "hash1"}

	require.NoError(t, storage.Set(ctx, key, &goverify.Result{Status: goverify.StatusExpired}, 0))
	_, ok, err := storage.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
