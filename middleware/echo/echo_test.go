package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
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

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.GET("/apps/:app/premium", func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	}, Middleware(cfg))
	return e
}

func doRequest(e *echo.Echo, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	e := newServer(Config{
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
		{name: "active", path: "/apps/talktype/premium", userID: "user1", wantStatus: http.StatusOK},
		{name: "inactive", path: "/apps/talktype/premium", userID: "user2", wantStatus: http.StatusForbidden},
		{name: "other app", path: "/apps/otherapp/premium", userID: "user1", wantStatus: http.StatusForbidden},
		{name: "missing user", path: "/apps/talktype/premium", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(e, tt.path, tt.userID)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestMiddleware_CheckerError(t *testing.T) {
	e := newServer(Config{
		Checker:   &stubChecker{err: errors.New("connection refused")},
		GetAppID:  FixedApp("talktype"),
		GetUserID: FromHeader("X-User-ID"),
	})
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(e, "/apps/talktype/premium", "user1").Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get("X-User-ID"); id != "" {
				c.Set("UserID", id)
			}
			return next(c)
		}
	})
	e.GET("/premium", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{
		Checker:   &stubChecker{},
		GetAppID:  FixedApp("talktype"),
		GetUserID: FromContext("UserID"),
		OnNoEntitlement: func(c echo.Context) error {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "upgrade"})
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusTeapot)
		},
	}))

	assert.Equal(t, http.StatusPaymentRequired, doRequest(e, "/premium", "user1").Code)
	assert.Equal(t, http.StatusTeapot, doRequest(e, "/premium", "").Code)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Checker: &stubChecker{}}) })
}
