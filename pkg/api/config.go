package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goverify/pkg/goverify"
)

// DefaultMaxBodyBytes bounds the verify request body.
const DefaultMaxBodyBytes int64 = 64 << 10

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds configuration for the verification API handler
type Config struct {
	// Engine is the verification engine instance (required)
	Engine *goverify.Engine

	// Logger receives one event per request. Defaults to NoopLogger.
	Logger goverify.Logger

	// MaxBodyBytes limits the verify request body. Default: 64 KiB
	MaxBodyBytes int64

	// TrustProxyHeaders takes the source IP from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool

	// PathParam reads a route parameter. Defaults to (*http.Request).PathValue,
	// which works with http.ServeMux patterns. Routers such as chi pass their own.
	PathParam func(r *http.Request, name string) string

	// HealthChecks are run by the health endpoint, keyed by dependency name
	HealthChecks map[string]HealthCheck

	// OnError handles errors instead of the default JSON error body.
	// If nil, uses default error handling
	OnError func(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	return nil
}

// NewHandler creates a new verification API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &goverify.NoopLogger{}
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.PathParam == nil {
		config.PathParam = func(r *http.Request, name string) string {
			return r.PathValue(name)
		}
	}
	return &Handler{
		config: config,
		engine: config.Engine,
		logger: config.Logger,
	}, nil
}
