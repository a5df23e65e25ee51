package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// reportFilter reads subscription_id, event_type, status and since (RFC 3339).
// Unknown statuses and unparsable times are ignored.
func reportFilter(c echo.Context) repository.DeliveryFilter {
	f := repository.DeliveryFilter{
		SubscriptionID: strings.TrimSpace(c.QueryParam("subscription_id")),
		EventType:      strings.TrimSpace(c.QueryParam("event_type")),
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		if st := model.DeliveryStatus(raw); st.Valid() {
			f.Status = st
		}
	}
	if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = t
		}
	}
	return f
}

func listDeliveryReportsHandler(chRepo repository.CHDeliveriesRepository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit, offset := pageParams(c)
		recs, err := chRepo.ListByAccount(c.Request().Context(), acctID, reportFilter(c), limit, offset)
		if err != nil {
			logger.Error("clickhouse list failed", zap.Int64("account_id", acctID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
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

func deliverySummaryHandler(chRepo repository.CHDeliveriesRepository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		acctID, ok := middleware.AccountIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		counts, err := chRepo.StatusCounts(c.Request().Context(), acctID, reportFilter(c))
		if err != nil {
			logger.Error("clickhouse summary failed", zap.Int64("account_id", acctID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		var total uint64
		for _, sc := range counts {
			total += sc.Count
		}
		if counts == nil {
			counts = []repository.StatusCount{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"total":    total,
			"statuses": counts,
		})
	}
}
