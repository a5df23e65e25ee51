package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type fakeAccounts map[string]*model.Account

func (f fakeAccounts) GetByAPIKey(_ context.Context, key string) (*model.Account, error) {
	if key == "boom" {
		return nil, errors.New("db down")
	}
	return f[key], nil
}

func serveWithAuth(t *testing.T, key string) (*httptest.ResponseRecorder, int64) {
	t.Helper()
	rps := 7
	accounts := fakeAccounts{
		"good":      {ID: 11, Status: model.AccountActive, RateLimitRPS: &rps},
		"suspended": {ID: 12, Status: model.AccountSuspended},
	}

	var seen int64
	e := echo.New()
	e.GET("/", func(c echo.Context) error {
		seen, _ = AccountIDFromCtx(c)
		assert.Equal(t, 7, c.Get(ctxAccountRPS))
		return c.NoContent(http.StatusNoContent)
	}, APIKeyMiddleware(accounts))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func TestAPIKeyMiddleware(t *testing.T) {
	rec, id := serveWithAuth(t, "good")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(11), id)

	for key, code := range map[string]int{
		"":          http.StatusUnauthorized,
		"unknown":   http.StatusUnauthorized,
		"suspended": http.StatusUnauthorized,
		"boom":      http.StatusInternalServerError,
	} {
		rec, id := serveWithAuth(t, key)
		assert.Equal(t, code, rec.Code, key)
		assert.Zero(t, id, key)
	}
}

func TestRateLimitWithoutRedisAllows(t *testing.T) {
	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(ctxAccountID, int64(1))
				return next(c)
			}
		},
		RateLimitMiddleware(RateLimitConfig{DefaultRPS: 1}),
	)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
