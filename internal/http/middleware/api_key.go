package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	HeaderAPIKey = "X-API-Key"

	ctxAccountID  = "account_id"
	ctxAccountRPS = "account_rps"
)

// AccountLookup resolves API keys; (nil, nil) means unknown.
type AccountLookup interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
}

// AccountIDFromCtx extracts the authenticated account_id set by APIKeyMiddleware.
func AccountIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxAccountID).(int64)
	return id, ok && id > 0
}

// APIKeyMiddleware authenticates requests using the X-API-Key header.
// Suspended accounts are rejected like unknown keys.
func APIKeyMiddleware(accounts AccountLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			acct, err := accounts.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				c.Logger().Errorf("api key lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if acct == nil || acct.Status != model.AccountActive {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxAccountID, acct.ID)
			if acct.RateLimitRPS != nil {
				c.Set(ctxAccountRPS, *acct.RateLimitRPS)
			}
			return next(c)
		}
	}
}
