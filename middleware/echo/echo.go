// Package echo provides Echo middleware that admits only users with an active subscription
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AppIDExtractor extracts the app ID from an Echo context
type AppIDExtractor func(c echo.Context) string

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
	OnNoEntitlement func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an active entitlement
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("goverify/echo: Config.Checker is required")
	}
	if cfg.GetAppID == nil {
		panic("goverify/echo: Config.GetAppID is required")
	}
	if cfg.GetUserID == nil {
		panic("goverify/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			appID := cfg.GetAppID(c)
			if userID == "" || appID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			active, err := cfg.Checker.HasActiveEntitlement(c.Request().Context(), appID, userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}
			if !active {
				if cfg.OnNoEntitlement != nil {
					return cfg.OnNoEntitlement(c)
				}
				return defaultNoEntitlement(c)
			}

			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultNoEntitlement(c echo.Context) error {
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Subscription required"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedApp returns an AppIDExtractor for services that serve a single app
func FixedApp(appID string) AppIDExtractor {
	return func(echo.Context) string {
		return appID
	}
}

// AppFromParam returns an AppIDExtractor that gets the app ID from a route parameter
func AppFromParam(paramName string) AppIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
