package googleplay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/mihaimyh/goverify/pkg/goverify"
	"github.com/mihaimyh/goverify/storage/memory"
)

func newEngineForClient(t *testing.T, client *Client, providerTimeout time.Duration) (*goverify.Engine, *memory.Storage) {
	t.Helper()
	ledger := memory.New()
	engine, err := goverify.NewEngine(ledger, client, &goverify.Config{
		Pepper: "test-pepper",
		Apps: map[string]goverify.AppConfig{
			"talktype": {PackageName: "com.talktype.app"},
		},
		ProviderTimeout: providerTimeout,
	})
	require.NoError(t, err)
	return engine, ledger
}

func verifyRequest(token string) *goverify.Request {
	return &goverify.Request{
		AppID:          "talktype",
		PackageName:    "com.talktype.app",
		SubscriptionID: "premium_monthly",
		UserID:         "u1",
		PurchaseToken:  token,
	}
}

func TestEngine_CanceledTrialIsCanceledActive(t *testing.T) {
	expiry := time.Now().Add(48 * time.Hour).UTC()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subscriptionState": StateCanceled,
			"lineItems": []map[string]interface{}{{
				"productId":    "premium_monthly",
				"expiryTime":   expiry.Format(time.RFC3339),
				"offerDetails": map[string]interface{}{"basePlanId": "monthly", "offerId": "free-trial-7d"},
			}},
		})
	}, 0)
	engine, _ := newEngineForClient(t, client, client.CallBudget())
	ctx := context.Background()

	res, err := engine.Verify(ctx, verifyRequest("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, goverify.StatusCanceledActive, res.Status)
	assert.True(t, res.Active)
	assert.True(t, res.IsTrial)

	ent, err := engine.Entitlement(ctx, "talktype", "u1")
	require.NoError(t, err)
	assert.Equal(t, goverify.StatusCanceledActive, ent.Status)
}

func TestClient_CallBudget(t *testing.T) {
	client, err := New(context.Background(), Config{
		ClientOptions: []option.ClientOption{option.WithoutAuthentication()},
		Timeout:       time.Second,
		Retries:       2,
		RetryBackoff:  100 * time.Millisecond,
	})
	require.NoError(t, err)

	// three attempts plus 100ms and 200ms of backoff
	assert.Equal(t, 3300*time.Millisecond, client.CallBudget())
}

func TestEngine_ProviderTimeoutLeavesRoomForRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(400 * time.Millisecond):
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"subscriptionState": StateActive,
			"lineItems": []map[string]interface{}{{
				"productId":  "premium_monthly",
				"expiryTime": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
			}},
		})
	}))
	t.Cleanup(srv.Close)

	client, err := New(context.Background(), Config{
		ClientOptions: []option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithoutAuthentication()},
		Timeout:       200 * time.Millisecond,
		Retries:       1,
		RetryBackoff:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	engine, _ := newEngineForClient(t, client, client.CallBudget())

	res, err := engine.Verify(context.Background(), verifyRequest("tok-slow"))
	require.NoError(t, err)
	assert.Equal(t, goverify.StatusPaidActive, res.Status)
	assert.Equal(t, int64(2), calls.Load())
}
