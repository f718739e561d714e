package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goverify/pkg/goverify"
	"github.com/mihaimyh/goverify/storage/memory"
)

const (
	testApp     = "talktype"
	testPackage = "com.talktype.app"
	testSub     = "premium_monthly"
	testKey     = "client-secret"
	testToken   = "purchase-token-abcdefghijklmnop"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubProvider struct {
	raw *goverify.RawRecord
	err error
}

func (p *stubProvider) FetchSubscription(_ context.Context, _, _, _ string) (*goverify.RawRecord, error) {
	if p.err != nil {
		return nil, p.err
	}
	c := *p.raw
	return &c, nil
}

func paidRecord() *goverify.RawRecord {
	return &goverify.RawRecord{
		ExpiryTimeMs:   testNow.Add(30 * 24 * time.Hour).UnixMilli(),
		AutoRenewing:   true,
		InGoodStanding: true,
	}
}

// recordingLogger keeps the messages it receives
type recordingLogger struct {
	goverify.NoopLogger
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) Info(msg string, _ ...goverify.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func newTestHandler(t *testing.T, provider goverify.ProviderClient, mutate func(*goverify.Config, *Config)) *Handler {
	t.Helper()
	engineConfig := &goverify.Config{
		Pepper: "test-pepper",
		Apps: map[string]goverify.AppConfig{
			testApp: {PackageName: testPackage, SubscriptionIDs: []string{testSub}},
		},
		ClientKeys: map[string][]goverify.ClientKey{
			testApp: {goverify.MustParseClientKey("plain:" + testKey)},
		},
		Now: func() time.Time { return testNow },
	}
	handlerConfig := &Config{}
	if mutate != nil {
		mutate(engineConfig, handlerConfig)
	}

	engine, err := goverify.NewEngine(memory.New(), provider, engineConfig)
	require.NoError(t, err)

	handlerConfig.Engine = engine
	handler, err := NewHandler(*handlerConfig)
	require.NoError(t, err)
	return handler
}

func verifyBody(userID string) string {
	body, _ := json.Marshal(VerifyRequest{
		AppID:          testApp,
		PackageName:    testPackage,
		SubscriptionID: testSub,
		PurchaseToken:  testToken,
		UserID:         userID,
	})
	return string(body)
}

func doVerify(h *Handler, body, clientKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/android/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if clientKey != "" {
		req.Header.Set(HeaderClientKey, clientKey)
	}
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestHandler_Verify_Success(t *testing.T) {
	h := newTestHandler(t, &stubProvider{raw: paidRecord()}, nil)

	w := doVerify(h, verifyBody("user-0001"), testKey)
	require.Equal(t, http.StatusOK, w.Code)

	var res goverify.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Active)
	assert.Equal(t, goverify.StatusPaidActive, res.Status)
	assert.True(t, res.AutoRenewing)
	assert.Equal(t, testApp, res.AppID)
	assert.Equal(t, testPackage, res.PackageName)
	assert.Equal(t, testSub, res.SubscriptionID)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.NotContains(t, w.Body.String(), testToken)
}

func TestHandler_Verify_RequestID(t *testing.T) {
	logger := &recordingLogger{}
	h := newTestHandler(t, &stubProvider{raw: paidRecord()}, func(_ *goverify.Config, c *Config) {
		c.Logger = logger
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/android/verify", strings.NewReader(verifyBody("user-0001")))
	req.Header.Set(HeaderClientKey, testKey)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))
	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Contains(t, logger.messages, "http_request")
}

func TestHandler_Verify_Errors(t *testing.T) {
	tests := []struct {
		name       string
		provider   goverify.ProviderClient
		body       string
		clientKey  string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed json",
			provider:   &stubProvider{raw: paidRecord()},
			body:       `{"app_id":`,
			clientKey:  testKey,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "unknown field",
			provider:   &stubProvider{raw: paidRecord()},
			body:       `{"app_id":"talktype","extra":true}`,
			clientKey:  testKey,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "empty body",
			provider:   &stubProvider{raw: paidRecord()},
			body:       "",
			clientKey:  testKey,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "missing client key",
			provider:   &stubProvider{raw: paidRecord()},
			body:       verifyBody("user-0001"),
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthorized,
		},
		{
			name:       "wrong client key",
			provider:   &stubProvider{raw: paidRecord()},
			body:       verifyBody("user-0001"),
			clientKey:  "nope",
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthorized,
		},
		{
			name:       "unknown app",
			provider:   &stubProvider{raw: paidRecord()},
			body:       strings.Replace(verifyBody("user-0001"), testApp, "otherapp", 1),
			clientKey:  testKey,
			wantStatus: http.StatusForbidden,
			wantCode:   CodeForbiddenApp,
		},
		{
			name: "transient provider failure",
			provider: &stubProvider{err: &goverify.ProviderError{
				Class: goverify.ProviderErrorTransient, StatusCode: 503, Err: errors.New("backend error"),
			}},
			body:       verifyBody("user-0001"),
			clientKey:  testKey,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeProviderUnavailable,
		},
		{
			name: "upstream provider failure",
			provider: &stubProvider{err: &goverify.ProviderError{
				Class: goverify.ProviderErrorUpstream, StatusCode: 401, Err: errors.New("bad credentials"),
			}},
			body:       verifyBody("user-0001"),
			clientKey:  testKey,
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.provider, nil)
			w := doVerify(h, tt.body, tt.clientKey)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Error)
		})
	}
}

func TestHandler_Verify_PermanentProviderErrorIsUnknown(t *testing.T) {
	h := newTestHandler(t, &stubProvider{err: &goverify.ProviderError{
		Class: goverify.ProviderErrorPermanent, StatusCode: 410, Err: errors.New("purchase token no longer valid"),
	}}, nil)

	w := doVerify(h, verifyBody("user-0001"), testKey)
	require.Equal(t, http.StatusOK, w.Code)

	var res goverify.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Active)
	assert.Equal(t, goverify.StatusUnknown, res.Status)
}

func TestHandler_Verify_RateLimited(t *testing.T) {
	h := newTestHandler(t, &stubProvider{raw: paidRecord()}, func(c *goverify.Config, _ *Config) {
		c.RateLimit = goverify.RateLimitConfig{IPLimit: 100, UserLimit: 1, TokenLimit: 100, Window: time.Minute}
	})

	w := doVerify(h, verifyBody("user-0001"), testKey)
	require.Equal(t, http.StatusOK, w.Code)

	w = doVerify(h, verifyBody("user-0001"), testKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	body := decodeError(t, w)
	assert.Equal(t, CodeRateLimited, body.Error)
	assert.Equal(t, "Too many requests for user_id", body.Message)
}

func TestHandler_Verify_CustomOnError(t *testing.T) {
	var gotStatus int
	h := newTestHandler(t, &stubProvider{raw: paidRecord()}, func(_ *goverify.Config, c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, status int, body ErrorResponse) {
			gotStatus = status
			w.WriteHeader(http.StatusTeapot)
		}
	})

	w := doVerify(h, verifyBody("user-0001"), "")
	assert.Equal(t, http.StatusUnauthorized, gotStatus)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestHandler_GetEntitlement(t *testing.T) {
	h := newTestHandler(t, &stubProvider{raw: paidRecord()}, nil)

	get := func(path, clientKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		if clientKey != "" {
			req.Header.Set(HeaderClientKey, clientKey)
		}
		w := httptest.NewRecorder()
		h.Routes().ServeHTTP(w, req)
		return w
	}

	t.Run("not found", func(t *testing.T) {
		w := get("/v1/entitlements/talktype/user-0001", testKey)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, CodeNotFound, decodeError(t, w).Error)
	})

	require.Equal(t, http.StatusOK, doVerify(h, verifyBody("user-0001"), testKey).Code)

	t.Run("found", func(t *testing.T) {
		w := get("/v1/entitlements/talktype/user-0001", testKey)
		require.Equal(t, http.StatusOK, w.Code)

		var ent EntitlementResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ent))
		assert.Equal(t, "user-0001", ent.UserID)
		assert.Equal(t, string(goverify.StatusPaidActive), ent.Status)
		assert.True(t, ent.Active)
		assert.Equal(t, testNow.UnixMilli(), ent.LastVerifiedMs)
		assert.NotContains(t, w.Body.String(), "purchase_token_hash")
	})

	t.Run("requires client key", func(t *testing.T) {
		w := get("/v1/entitlements/talktype/user-0001", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown app", func(t *testing.T) {
		w := get("/v1/entitlements/otherapp/user-0001", testKey)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestHandler_Health(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{raw: paidRecord()}, nil)
		w := httptest.NewRecorder()
		h.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	})

	t.Run("failing check", func(t *testing.T) {
		h := newTestHandler(t, &stubProvider{raw: paidRecord()}, func(_ *goverify.Config, c *Config) {
			c.HealthChecks = map[string]HealthCheck{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			}
		})
		w := httptest.NewRecorder()
		h.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"ok":false,"checks":{"postgres":"ok","redis":"error"}}`, w.Body.String())
	})
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "2", retryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, "60", retryAfterSeconds(time.Minute))
}
