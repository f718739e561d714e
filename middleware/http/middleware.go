// Package http provides HTTP middleware that admits only users with an active subscription
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goverify/internal/httputil"
	"github.com/mihaimyh/goverify/pkg/goverify"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AppIDExtractor extracts the app ID the request belongs to
type AppIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker answers entitlement lookups, usually a *goverify.Engine
	Checker goverify.EntitlementChecker

	// GetAppID extracts the app ID from request (required)
	GetAppID AppIDExtractor

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnNoEntitlement is called when the user has no active entitlement
	// If nil, returns 403 Forbidden
	OnNoEntitlement func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires an active entitlement
func Middleware(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Checker == nil {
		panic("goverify/http: Config.Checker is required")
	}
	if config.GetAppID == nil || config.GetUserID == nil {
		panic("goverify/http: Config.GetAppID and Config.GetUserID are required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			appID := config.GetAppID(r)
			if userID == "" || appID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					_ = httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			active, err := config.Checker.HasActiveEntitlement(r.Context(), appID, userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					_ = httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
				}
				return
			}
			if !active {
				if config.OnNoEntitlement != nil {
					config.OnNoEntitlement(w, r)
				} else {
					_ = httputil.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "Subscription required"})
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "goverify:userID"
)

// FromContext returns a UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedApp returns an AppIDExtractor for services that serve a single app
func FixedApp(appID string) AppIDExtractor {
	return func(*http.Request) string {
		return appID
	}
}

// AppFromHeader returns an AppIDExtractor that gets the app ID from a header
func AppFromHeader(headerName string) AppIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
