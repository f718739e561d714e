// Package gin provides Gin middleware that admits only users with an active subscription
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AppIDExtractor extracts the app ID from a Gin context
type AppIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker answers entitlement lookups, usually a *goverify.Engine
	Checker goverify.EntitlementChecker

	// GetAppID extracts the app ID from context (required)
	GetAppID AppIDExtractor

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNoEntitlement is called when the user has no active entitlement
	// If nil, returns 403 Forbidden
	OnNoEntitlement func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an active entitlement
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("goverify/gin: Config.Checker is required")
	}
	if cfg.GetAppID == nil {
		panic("goverify/gin: Config.GetAppID is required")
	}
	if cfg.GetUserID == nil {
		panic("goverify/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		appID := cfg.GetAppID(c)
		if userID == "" || appID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		active, err := cfg.Checker.HasActiveEntitlement(c.Request.Context(), appID, userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			}
			c.Abort()
			return
		}
		if !active {
			if cfg.OnNoEntitlement != nil {
				cfg.OnNoEntitlement(c)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{"error": "Subscription required"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedApp returns an AppIDExtractor for services that serve a single app
func FixedApp(appID string) AppIDExtractor {
	return func(*gongin.Context) string {
		return appID
	}
}

// AppFromParam returns an AppIDExtractor that gets the app ID from a route parameter
func AppFromParam(paramName string) AppIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
