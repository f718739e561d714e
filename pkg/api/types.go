package api

// VerifyRequest is the body of POST /v1/billing/android/verify
type VerifyRequest struct {
	AppID          string `json:"app_id"`
	PackageName    string `json:"package_name"`
	SubscriptionID string `json:"subscription_id"`
	PurchaseToken  string `json:"purchase_token"`
	UserID         string `json:"user_id"`
	Force          bool   `json:"force"`
}

// EntitlementResponse is the body of GET /v1/entitlements/{app_id}/{user_id}
type EntitlementResponse struct {
	AppID          string `json:"app_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	Active         bool   `json:"active"` // Stored flag, cleared once the expiry has passed
	ExpiryTimeMs   int64  `json:"expiry_time_ms"`
	LastVerifiedMs int64  `json:"last_verified_ms"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Error codes
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbiddenApp        = "FORBIDDEN_APP"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)
