package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

func testEntitlement(userID string, verifiedMs int64, status goverify.Status) *goverify.Entitlement {
	return &goverify.Entitlement{
		AppID:             "talktype",
		UserID:            userID,
		PurchaseTokenHash: "hash-" + userID,
		Status:            status,
		Active:            status.Active(),
		ExpiryTimeMs:      verifiedMs + int64(time.Hour/time.Millisecond),
		LastVerifiedMs:    verifiedMs,
		UpdatedAt:         time.Now().UTC(),
	}
}

func testRecord(id, userID string) *goverify.VerificationRecord {
	return &goverify.VerificationRecord{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		AppID:     "talktype",
		UserID:    userID,
		Status:    goverify.StatusPaidActive,
		Source:    goverify.SourceProvider,
	}
}

func TestStorage_GetEntitlement_NotFound(t *testing.T) {
	storage := New()

	_, err := storage.GetEntitlement(context.Background(), "talktype", "user1")
	assert.ErrorIs(t, err, goverify.ErrEntitlementNotFound)
}

func TestStorage_UpsertEntitlement_Monotonic(t *testing.T) {
	storage := New()
	ctx := context.Background()

	applied, err := storage.UpsertEntitlement(ctx, testEntitlement("user1", 2000, goverify.StatusCanceledActive))
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("older write is skipped", func(t *testing.T) {
		applied, err := storage.UpsertEntitlement(ctx, testEntitlement("user1", 1000, goverify.StatusTrialActive))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("equal write is skipped", func(t *testing.T) {
		applied, err := storage.UpsertEntitlement(ctx, testEntitlement("user1", 2000, goverify.StatusExpired))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	got, err := storage.GetEntitlement(ctx, "talktype", "user1")
	require.NoError(t, err)
	assert.Equal(t, goverify.StatusCanceledActive, got.Status)
	assert.Equal(t, int64(2000), got.LastVerifiedMs)

	t.Run("newer write wins", func(t *testing.T) {
		applied, err := storage.UpsertEntitlement(ctx, testEntitlement("user1", 3000, goverify.StatusExpired))
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := storage.GetEntitlement(ctx, "talktype", "user1")
		require.NoError(t, err)
		assert.Equal(t, goverify.StatusExpired, got.Status)
		assert.False(t, got.Active)
	})
}

func TestStorage_UpsertEntitlement_Invalid(t *testing.T) {
	storage := New()

	_, err := storage.UpsertEntitlement(context.Background(), nil)
	assert.Error(t, err)

	_, err = storage.UpsertEntitlement(context.Background(), &goverify.Entitlement{AppID: "talktype"})
	assert.Error(t, err)
}

func TestStorage_GetEntitlement_ReturnsCopy(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.UpsertEntitlement(ctx, testEntitlement("user1", 1000, goverify.StatusPaidActive))
	require.NoError(t, err)

	got, err := storage.GetEntitlement(ctx, "talktype", "user1")
	require.NoError(t, err)
	got.Status = goverify.StatusExpired

	again, err := storage.GetEntitlement(ctx, "talktype", "user1")
	require.NoError(t, err)
	assert.Equal(t, goverify.StatusPaidActive, again.Status)
}

func TestStorage_RecordAndUpsert(t *testing.T) {
	storage := New()
	ctx := context.Background()

	applied, err := storage.RecordAndUpsert(ctx, testRecord("r1", "user1"),
		testEntitlement("user1", 1000, goverify.StatusPaidActive))
	require.NoError(t, err)
	assert.True(t, applied)

	// A stale write still appends its audit record.
	applied, err = storage.RecordAndUpsert(ctx, testRecord("r2", "user1"),
		testEntitlement("user1", 500, goverify.StatusExpired))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, storage.RecordCount())

	records, err := storage.ListRecords(ctx, "talktype", "user1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r2", records[0].ID)
	assert.Equal(t, "r1", records[1].ID)

	_, err = storage.RecordAndUpsert(ctx, &goverify.VerificationRecord{}, testEntitlement("user1", 9000, goverify.StatusExpired))
	assert.Error(t, err)
	assert.Equal(t, 2, storage.RecordCount())
}

func TestStorage_ListQueries(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i, user := range []string{"user1", "user2", "user3"} {
		ent := testEntitlement(user, int64(1000*(i+1)), goverify.StatusPaidActive)
		ent.PurchaseTokenHash = "shared-hash"
		_, err := storage.UpsertEntitlement(ctx, ent)
		require.NoError(t, err)
	}
	inactive := testEntitlement("user4", 500, goverify.StatusExpired)
	_, err := storage.UpsertEntitlement(ctx, inactive)
	require.NoError(t, err)

	byHash, err := storage.ListByTokenHash(ctx, "shared-hash")
	require.NoError(t, err)
	require.Len(t, byHash, 3)
	assert.Equal(t, "user1", byHash[0].UserID)

	cutoff := int64(2500) + int64(time.Hour/time.Millisecond)
	expiring, err := storage.ListExpiringBefore(ctx, cutoff, 0)
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	assert.Equal(t, "user1", expiring[0].UserID)
	assert.Equal(t, "user2", expiring[1].UserID)

	limited, err := storage.ListExpiringBefore(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStorage_ConcurrentUpsertsConvergeToLatest(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(ms int64) {
			defer wg.Done()
			_, err := storage.RecordAndUpsert(ctx,
				testRecord("r"+time.Duration(ms).String(), "user1"),
				testEntitlement("user1", ms, goverify.StatusPaidActive))
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	got, err := storage.GetEntitlement(ctx, "talktype", "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.LastVerifiedMs)
	assert.Equal(t, 100, storage.RecordCount())
}
