// Package fiber provides Fiber middleware that admits only users with an active subscription
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// AppIDExtractor extracts the app ID from a Fiber context
type AppIDExtractor func(c *fiber.Ctx) string

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
	OnNoEntitlement func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an active entitlement
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("goverify/fiber: Config.Checker is required")
	}
	if cfg.GetAppID == nil {
		panic("goverify/fiber: Config.GetAppID is required")
	}
	if cfg.GetUserID == nil {
		panic("goverify/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		appID := cfg.GetAppID(c)
		if userID == "" || appID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		active, err := cfg.Checker.HasActiveEntitlement(c.UserContext(), appID, userID)
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

		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultNoEntitlement(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Subscription required"})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedApp returns an AppIDExtractor for services that serve a single app
func FixedApp(appID string) AppIDExtractor {
	return func(*fiber.Ctx) string {
		return appID
	}
}

// AppFromParam returns an AppIDExtractor that gets the app ID from a route parameter
func AppFromParam(paramName string) AppIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
