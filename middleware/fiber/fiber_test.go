package fiber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChecker reports the users in active as entitled
type stubChecker struct {
	active map[string]bool
	err    error
}

func (s *stubChecker) HasActiveEntitlement(_ context.Context, appID, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.active[appID+"/"+userID], nil
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/apps/:app/premium", Middleware(cfg), func(c *fiber.Ctx) error {
		return c.SendString("success")
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, path, userID string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware(t *testing.T) {
	app := newApp(Config{
		Checker:   &stubChecker{active: map[string]bool{"talktype/user1": true}},
		GetAppID:  AppFromParam("app"),
		GetUserID: FromHeader("X-User-ID"),
	})

	tests := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
	}{
		{name: "active", path: "/apps/talktype/premium", userID: "user1", wantStatus: fiber.StatusOK},
		{name: "inactive", path: "/apps/talktype/premium", userID: "user2", wantStatus: fiber.StatusForbidden},
		{name: "other app", path: "/apps/otherapp/premium", userID: "user1", wantStatus: fiber.StatusForbidden},
		{name: "missing user", path: "/apps/talktype/premium", wantStatus: fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, doRequest(t, app, tt.path, tt.userID))
		})
	}
}

func TestMiddleware_CheckerError(t *testing.T) {
	app := newApp(Config{
		Checker:   &stubChecker{err: errors.New("connection refused")},
		GetAppID:  FixedApp("talktype"),
		GetUserID: FromHeader("X-User-ID"),
	})
	assert.Equal(t, fiber.StatusServiceUnavailable, doRequest(t, app, "/apps/talktype/premium", "user1"))
}

func TestMiddleware_FromContext(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-User-ID"); id != "" {
			c.Locals("UserID", id)
		}
		return c.Next()
	})
	app.Get("/apps/:app/premium", Middleware(Config{
		Checker:   &stubChecker{active: map[string]bool{"talktype/user1": true}},
		GetAppID:  AppFromParam("app"),
		GetUserID: FromContext("UserID"),
		OnNoEntitlement: func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusPaymentRequired)
		},
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	assert.Equal(t, fiber.StatusOK, doRequest(t, app, "/apps/talktype/premium", "user1"))
	assert.Equal(t, fiber.StatusPaymentRequired, doRequest(t, app, "/apps/talktype/premium", "user2"))
	assert.Equal(t, fiber.StatusUnauthorized, doRequest(t, app, "/apps/talktype/premium", ""))
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Checker: &stubChecker{}, GetAppID: FixedApp("a")}) })
}
