package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const DefaultRateLimitPrefix = "rl:acct:"

// RateLimitConfig config for Redis-based RPS limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	DefaultRPS     int           // fallback if account_rps not set
	KeyPrefix      string        // e.g. "rl:acct:"
	Window         time.Duration // usually 1s
	RetryAfterHint bool          // set Retry-After header when limited
	Now            func() time.Time
}

// RateLimitMiddleware applies a fixed-window per-account RPS limit.
// It expects account_id in echo.Context (set by APIKeyMiddleware).
// Redis errors fail open.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRateLimitPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			acctID, ok := AccountIDFromCtx(c)
			if !ok {
				return next(c)
			}

			max := cfg.DefaultRPS
			if m, ok := c.Get(ctxAccountRPS).(int); ok && m > 0 {
				max = m
			}
			if max <= 0 || cfg.Redis == nil {
				// no limit configured or redis missing (dev): allow
				return next(c)
			}

			// fixed-window key: rl:acct:{id}:{window index}
			now := cfg.Now()
			window := now.UnixNano() / int64(cfg.Window)
			key := cfg.KeyPrefix + strconv.FormatInt(acctID, 10) + ":" + strconv.FormatInt(window, 10)

			ctx := c.Request().Context()
			pipe := cfg.Redis.Pipeline()
			cnt := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, cfg.Window*2)
			if _, err := pipe.Exec(ctx); err != nil {
				c.Logger().Warnf("rate limit check failed: %v", err)
				return next(c)
			}

			if cnt.Val() > int64(max) {
				if cfg.RetryAfterHint {
					remain := cfg.Window - time.Duration(now.UnixNano()%int64(cfg.Window))
					secs := int((remain + time.Second - 1) / time.Second)
					c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
