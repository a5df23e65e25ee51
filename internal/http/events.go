package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/service/events"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type publishReq struct {
	ID   string          `json:"id"` // optional; generated when empty
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func publishEventHandler(pub EventPublisher, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req publishReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		ev, err := pub.Publish(c.Request().Context(), acctID, strings.TrimSpace(req.Type), strings.TrimSpace(req.ID), req.Data)
		if errors.Is(err, events.ErrInvalidEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err != nil {
			logger.Error("publish event failed", zap.Int64("account_id", acctID), zap.String("event_type", req.Type), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued": true,
			"id":       ev.ID,
			"type":     ev.Type,
		})
	}
}
