package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goverify/internal/httputil"
	"github.com/mihaimyh/goverify/pkg/goverify"
)

const (
	// HeaderClientKey carries the per-app client key
	HeaderClientKey = "X-Client-Key"
	// HeaderRequestID is echoed back, or generated when absent
	HeaderRequestID = "X-Request-ID"

	maxRequestIDLen    = 128
	healthCheckTimeout = 2 * time.Second
)

type contextKey struct{}

// RequestIDFromContext returns the request ID set by the request logger, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Handler provides the HTTP endpoints of the verification service
type Handler struct {
	config Config
	engine *goverify.Engine
	logger goverify.Logger
}

// Routes returns a mux with every endpoint mounted and request logging applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/billing/android/verify", h.Verify)
	mux.HandleFunc("GET /v1/entitlements/{app_id}/{user_id}", h.GetEntitlement)
	mux.HandleFunc("GET /health", h.Health)
	return h.RequestLogger(mux)
}

// RequestLogger assigns a request ID and logs one event per request.
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		r = r.WithContext(context.WithValue(r.Context(), contextKey{}, requestID))

		started := time.Now()
		rec := httputil.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		h.logger.Info("http_request",
			goverify.Field{Key: "request_id", Value: requestID},
			goverify.Field{Key: "method", Value: r.Method},
			goverify.Field{Key: "path", Value: r.URL.Path},
			goverify.Field{Key: "status_code", Value: rec.Status},
			goverify.Field{Key: "latency_ms", Value: time.Since(started).Milliseconds()},
		)
	})
}

// Verify handles POST /v1/billing/android/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	var payload VerifyRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		h.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	res, err := h.engine.Verify(r.Context(), &goverify.Request{
		AppID:          payload.AppID,
		PackageName:    payload.PackageName,
		SubscriptionID: payload.SubscriptionID,
		UserID:         payload.UserID,
		PurchaseToken:  payload.PurchaseToken,
		ClientKey:      r.Header.Get(HeaderClientKey),
		SourceIP:       httputil.ClientIP(r, h.config.TrustProxyHeaders),
		Force:          payload.Force,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, res) //nolint:errcheck // Response already started
}

// GetEntitlement handles GET /v1/entitlements/{app_id}/{user_id}
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	appID := h.config.PathParam(r, "app_id")
	userID := h.config.PathParam(r, "user_id")
	if appID == "" || userID == "" || len(appID) > 64 || len(userID) > 128 {
		h.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "app_id and user_id are required")
		return
	}

	if err := h.engine.Authorize(appID, r.Header.Get(HeaderClientKey)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	ent, err := h.engine.Entitlement(r.Context(), appID, userID)
	if errors.Is(err, goverify.ErrEntitlementNotFound) {
		h.writeError(w, r, http.StatusNotFound, CodeNotFound, "no entitlement for user")
		return
	}
	if err != nil {
		h.logger.Error("entitlement_read_failed",
			goverify.Field{Key: "request_id", Value: RequestIDFromContext(r.Context())},
			goverify.Field{Key: "app_id", Value: appID},
			goverify.Field{Key: "error", Value: err},
		)
		h.writeError(w, r, http.StatusServiceUnavailable, CodeDatabaseError, "failed to read entitlement")
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, EntitlementResponse{ //nolint:errcheck // Response already started
		AppID:          ent.AppID,
		UserID:         ent.UserID,
		Status:         string(ent.Status),
		Active:         ent.ActiveAt(h.engine.Now()),
		ExpiryTimeMs:   ent.ExpiryTimeMs,
		LastVerifiedMs: ent.LastVerifiedMs,
	})
}

// Health handles GET /health. Any failing check turns the reply into a 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true}
	if len(h.config.HealthChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.config.HealthChecks))
	}

	for name, check := range h.config.HealthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			resp.OK = false
			resp.Checks[name] = "error"
			h.logger.Warn("health_check_failed",
				goverify.Field{Key: "check", Value: name},
				goverify.Field{Key: "error", Value: err},
			)
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, status, resp) //nolint:errcheck // Response already started
}

// writeEngineError maps an engine error to its HTTP status and error code.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *goverify.VerifyError
	if !errors.As(err, &verr) {
		h.logger.Error("unexpected_error",
			goverify.Field{Key: "request_id", Value: RequestIDFromContext(r.Context())},
			goverify.Field{Key: "error", Value: err},
		)
		h.writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	switch verr.Kind {
	case goverify.KindValidation:
		h.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, verr.Message)
	case goverify.KindAuthDenied:
		h.writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "Missing or invalid X-Client-Key")
	case goverify.KindForbidden:
		h.writeError(w, r, http.StatusForbidden, CodeForbiddenApp, verr.Message)
	case goverify.KindRateLimited:
		w.Header().Set("Retry-After", retryAfterSeconds(verr.RetryAfter))
		h.writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, rateLimitMessage(verr.Dimension))
	case goverify.KindProviderTransient:
		h.writeError(w, r, http.StatusServiceUnavailable, CodeProviderUnavailable, verr.Message)
	case goverify.KindProviderFailure:
		h.writeError(w, r, http.StatusBadGateway, CodeProviderError, verr.Message)
	case goverify.KindPersistence:
		h.writeError(w, r, http.StatusServiceUnavailable, CodeDatabaseError, "Failed to persist verification")
	default:
		h.writeError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, verr.Message)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := ErrorResponse{Error: code, Message: message}
	if h.config.OnError != nil {
		h.config.OnError(w, r, status, body)
		return
	}
	_ = httputil.WriteJSON(w, status, body) //nolint:errcheck // Response already started
}

func rateLimitMessage(dim goverify.Dimension) string {
	switch dim {
	case goverify.DimensionIP:
		return "Too many requests from IP"
	case goverify.DimensionUser:
		return "Too many requests for user_id"
	case goverify.DimensionToken:
		return "Too many requests for purchase_token"
	default:
		return "Too many requests"
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
