package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveryFilter narrows report queries. Zero values are ignored.
type DeliveryFilter struct {
	SubscriptionID string
	EventType      string
	Status         model.DeliveryStatus
	Since          time.Time
}

// StatusCount is one row of the per-status rollup.
type StatusCount struct {
	Status model.DeliveryStatus `db:"status"    json:"status"`
	Count  uint64               `db:"count"     json:"count"`
}

// CHDeliveriesRepository reads delivery history from ClickHouse (final view).
type CHDeliveriesRepository interface {
	ListByAccount(ctx context.Context, accountID int64, f DeliveryFilter, limit, offset int) ([]model.DeliveryRecord, error)
	StatusCounts(ctx context.Context, accountID int64, f DeliveryFilter) ([]StatusCount, error)
}

type chDeliveriesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveriesRepository(ch *sqlx.DB) CHDeliveriesRepository {
	return &chDeliveriesRepository{ch: ch}
}

const chDeliveryColumns = `
	id, subscription_id, event_type, event_id, payload_hash, status, attempt_number,
	retry_count, response_status, error_type, error_message, duration_ms,
	started_at, completed_at, next_retry_at, created_at, updated_at
`

func (r *chDeliveriesRepository) ListByAccount(ctx context.Context, accountID int64, f DeliveryFilter, limit, offset int) ([]model.DeliveryRecord, error) {
	limit, offset = clampPage(limit, offset)

	where, args := chWhere(accountID, f)
	q := `SELECT ` + chDeliveryColumns + ` FROM whgw.deliveries_latest` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []model.DeliveryRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chDeliveriesRepository) StatusCounts(ctx context.Context, accountID int64, f DeliveryFilter) ([]StatusCount, error) {
	where, args := chWhere(accountID, f)
	q := `SELECT status, count() AS count FROM whgw.deliveries_latest` + where + ` GROUP BY status ORDER BY status`

	var rows []StatusCount
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func chWhere(accountID int64, f DeliveryFilter) (string, []any) {
	q := " WHERE subscription_id IN (SELECT id FROM whgw.subscriptions_latest WHERE account_id = ?)"
	args := []any{accountID}

	if f.SubscriptionID != "" {
		q += " AND subscription_id = ?"
		args = append(args, f.SubscriptionID)
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	return q, args
}
