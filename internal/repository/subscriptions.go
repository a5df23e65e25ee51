package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// SubscriptionsRepository defines persistence for the webhook_subscriptions table.
type SubscriptionsRepository interface {
	Upsert(ctx context.Context, tx *sqlx.Tx, sub *model.Subscription) error
	Get(ctx context.Context, id string) (*model.Subscription, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id string) error
	ListByAccount(ctx context.Context, accountID int64) ([]model.Subscription, error)
	ListActive(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error)
	ApplyCounters(ctx context.Context, tx *sqlx.Tx, id string, d model.CounterDelta) error
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

const subscriptionColumns = `
	id, account_id, name, target_url, secret, event_patterns, http_method, content_type,
	custom_headers, active, max_retries, retry_base_delay_seconds, timeout_seconds,
	total_deliveries, success_count, failure_count, total_attempts, failed_attempts,
	last_delivery_at, last_success_at, last_failure_at, created_at, updated_at
`

// Upsert writes configuration columns only; counters stay owned by ApplyCounters.
func (r *SubscriptionsRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, sub *model.Subscription) error {
	const q = `
		INSERT INTO webhook_subscriptions
		    (id, account_id, name, target_url, secret, event_patterns, http_method, content_type,
		     custom_headers, active, max_retries, retry_base_delay_seconds, timeout_seconds,
		     created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE
		    name                     = VALUES(name),
		    target_url               = VALUES(target_url),
		    secret                   = VALUES(secret),
		    event_patterns           = VALUES(event_patterns),
		    http_method              = VALUES(http_method),
		    content_type             = VALUES(content_type),
		    custom_headers           = VALUES(custom_headers),
		    active                   = VALUES(active),
		    max_retries              = VALUES(max_retries),
		    retry_base_delay_seconds = VALUES(retry_base_delay_seconds),
		    timeout_seconds          = VALUES(timeout_seconds),
		    updated_at               = NOW(6)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			sub.ID, sub.AccountID, sub.Name, sub.TargetURL, nullBytes(sub.Secret), sub.EventPatterns,
			sub.HTTPMethod, sub.ContentType, sub.CustomHeaders, sub.Active, sub.MaxRetries,
			sub.RetryBaseDelaySeconds, sub.TimeoutSeconds,
		)
		return err
	})
}

func (r *SubscriptionsRepositoryImpl) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var s model.Subscription
	err := r.db.GetContext(ctx, &s, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes the row; webhook_deliveries cascades through its foreign key.
func (r *SubscriptionsRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (r *SubscriptionsRepositoryImpl) ListByAccount(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	var rows []model.Subscription
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+`
		  FROM webhook_subscriptions
		 WHERE account_id = ?
		 ORDER BY created_at ASC
	`, accountID)
	return rows, err
}

// ListActive narrows candidates with JSON_CONTAINS so the pattern column
// does not need a side table.
func (r *SubscriptionsRepositoryImpl) ListActive(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error) {
	q := `
		SELECT ` + subscriptionColumns + `
		  FROM webhook_subscriptions
		 WHERE active = 1
		   AND (JSON_CONTAINS(event_patterns, JSON_QUOTE(?)) OR JSON_CONTAINS(event_patterns, '"*"'))
	`
	args := []any{eventType}
	if accountID > 0 {
		q += " AND account_id = ?"
		args = append(args, accountID)
	}

	var rows []model.Subscription
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ApplyCounters increments statistics in place so concurrent attempts never
// overwrite each other's read values.
func (r *SubscriptionsRepositoryImpl) ApplyCounters(ctx context.Context, tx *sqlx.Tx, id string, d model.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	var lastDelivery, lastSuccess, lastFailure *time.Time
	if !d.At.IsZero() {
		at := d.At.UTC()
		if d.Attempts > 0 {
			lastDelivery = &at
		}
		if d.AttemptSucceeded {
			lastSuccess = &at
		} else {
			lastFailure = &at
		}
	}

	const q = `
		UPDATE webhook_subscriptions
		   SET total_attempts   = total_attempts + ?,
		       failed_attempts  = failed_attempts + ?,
		       total_deliveries = total_deliveries + ?,
		       success_count    = success_count + ?,
		       failure_count    = failure_count + ?,
		       last_delivery_at = COALESCE(?, last_delivery_at),
		       last_success_at  = COALESCE(?, last_success_at),
		       last_failure_at  = COALESCE(?, last_failure_at)
		 WHERE id = ?
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			d.Attempts, d.FailedAttempts, d.Deliveries, d.Successes, d.Failures,
			lastDelivery, lastSuccess, lastFailure, id,
		)
		return err
	})
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
