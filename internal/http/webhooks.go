package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/registry"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// webhookReq is shared by create and update. On update, nil fields keep
// their stored value.
type webhookReq struct {
	Name                  *string           `json:"name"`
	TargetURL             *string           `json:"target_url"`
	Secret                *string           `json:"secret"`
	GenerateSecret        bool              `json:"generate_secret"`
	EventPatterns         []string          `json:"event_patterns"`
	HTTPMethod            *string           `json:"http_method"`
	ContentType           *string           `json:"content_type"`
	CustomHeaders         map[string]string `json:"custom_headers"`
	Active                *bool             `json:"active"`
	MaxRetries            *int              `json:"max_retries"`
	RetryBaseDelaySeconds *int              `json:"retry_base_delay_seconds"`
	TimeoutSeconds        *int              `json:"timeout_seconds"`
}

// webhookResp never carries the stored secret. Secret is only set on the
// response that generated it.
type webhookResp struct {
	model.Subscription
	HasSecret bool   `json:"has_secret"`
	Secret    string `json:"secret,omitempty"`
}

func toResp(sub *model.Subscription) webhookResp {
	return webhookResp{Subscription: *sub, HasSecret: sub.HasSecret()}
}

// apply copies the set fields onto sub and returns a freshly generated
// secret, if one was requested.
func (r webhookReq) apply(sub *model.Subscription) (string, error) {
	if r.Name != nil {
		sub.Name = *r.Name
	}
	if r.TargetURL != nil {
		sub.TargetURL = util.NormalizeTargetURL(*r.TargetURL)
	}
	if r.EventPatterns != nil {
		sub.EventPatterns = model.Patterns(r.EventPatterns)
	}
	if r.HTTPMethod != nil {
		sub.HTTPMethod = *r.HTTPMethod
	}
	if r.ContentType != nil {
		sub.ContentType = *r.ContentType
	}
	if r.CustomHeaders != nil {
		sub.CustomHeaders = model.Headers(r.CustomHeaders)
	}
	if r.Active != nil {
		sub.Active = *r.Active
	}
	if r.MaxRetries != nil {
		sub.MaxRetries = *r.MaxRetries
		if sub.MaxRetries < 0 {
			// negative would silently fall back to the default policy
			return "", errors.New("max_retries must be >= 0")
		}
	}
	if r.RetryBaseDelaySeconds != nil {
		sub.RetryBaseDelaySeconds = *r.RetryBaseDelaySeconds
	}
	if r.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *r.TimeoutSeconds
	}

	switch {
	case r.GenerateSecret:
		s, err := signature.GenerateSecret()
		if err != nil {
			return "", err
		}
		sub.Secret = []byte(s)
		return s, nil
	case r.Secret != nil:
		sub.Secret = []byte(*r.Secret)
	}
	return "", nil
}

func createWebhookHandler(reg *registry.Registry, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req webhookReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		sub := &model.Subscription{
			ID:         util.NewID(),
			AccountID:  acctID,
			Active:     true,
			MaxRetries: -1, // unset: policy default
		}
		generated, err := req.apply(sub)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		if err := reg.Save(c.Request().Context(), sub); err != nil {
			return saveError(c, logger, err)
		}

		resp := toResp(sub)
		resp.Secret = generated
		return c.JSON(http.StatusCreated, resp)
	}
}

func listWebhooksHandler(reg *registry.Registry, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		subs, err := reg.List(c.Request().Context(), acctID)
		if err != nil {
			logger.Error("list webhooks failed", zap.Int64("account_id", acctID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		results := make([]webhookResp, 0, len(subs))
		for i := range subs {
			results = append(results, toResp(&subs[i]))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(results),
			"results": results,
		})
	}
}

func getWebhookHandler(reg *registry.Registry, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, done := ownedSubscription(c, reg, logger)
		if sub == nil {
			return done
		}
		return c.JSON(http.StatusOK, toResp(sub))
	}
}

func updateWebhookHandler(reg *registry.Registry, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, done := ownedSubscription(c, reg, logger)
		if sub == nil {
			return done
		}

		var req webhookReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		updated := sub.Clone()
		generated, err := req.apply(&updated)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err := reg.Save(c.Request().Context(), &updated); err != nil {
			return saveError(c, logger, err)
		}

		resp := toResp(&updated)
		resp.Secret = generated
		return c.JSON(http.StatusOK, resp)
	}
}

func deleteWebhookHandler(reg *registry.Registry, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, done := ownedSubscription(c, reg, logger)
		if sub == nil {
			return done
		}

		err := reg.Delete(c.Request().Context(), sub.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err != nil {
			logger.Error("delete webhook failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listDeliveriesHandler(reg *registry.Registry, deliveries DeliveryLister, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, done := ownedSubscription(c, reg, logger)
		if sub == nil {
			return done
		}

		limit, offset := pageParams(c)
		recs, err := deliveries.ListDeliveries(c.Request().Context(), sub.ID, limit, offset)
		if err != nil {
			logger.Error("list deliveries failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if recs == nil {
			recs = []model.DeliveryRecord{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(recs),
			"results": recs,
		})
	}
}

// ownedSubscription loads :id for the calling account. Other accounts'
// subscriptions look exactly like missing ones. A nil subscription means the
// response has already been written and the returned error should be passed on.
func ownedSubscription(c echo.Context, reg *registry.Registry, logger *zap.Logger) (*model.Subscription, error) {
	acctID, ok := middleware.AccountIDFromCtx(c)
	if !ok {
		return nil, c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	id := c.Param("id")
	sub, err := reg.Get(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && sub.AccountID != acctID) {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	if err != nil {
		logger.Error("load webhook failed", zap.String("subscription_id", id), zap.Error(err))
		return nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
	return sub, nil
}

func saveError(c echo.Context, logger *zap.Logger, err error) error {
	if errors.Is(err, model.ErrInvalidSubscription) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	logger.Error("save webhook failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
}

func pageParams(c echo.Context) (int, int) {
	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
