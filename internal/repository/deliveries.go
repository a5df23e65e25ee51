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

// DeliveriesRepository defines persistence for the webhook_deliveries table.
type DeliveriesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, rec *model.DeliveryRecord) error
	Update(ctx context.Context, tx *sqlx.Tx, rec *model.DeliveryRecord) error
	Get(ctx context.Context, id string) (*model.DeliveryRecord, error)
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error)
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error)
	ClaimStalePending(ctx context.Context, startedBefore time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error)
	ExtendLease(ctx context.Context, id, owner string, until time.Time) error
	FindByEventID(ctx context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error)
	FindByPayloadHash(ctx context.Context, subscriptionID, payloadHash string) (*model.DeliveryRecord, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error)
}

type DeliveriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) *DeliveriesRepositoryImpl {
	return &DeliveriesRepositoryImpl{db: db}
}

var _ DeliveriesRepository = (*DeliveriesRepositoryImpl)(nil)

const deliveryColumns = `
	id, subscription_id, event_type, event_id, payload, payload_hash, status,
	attempt_number, retry_count, response_status, response_body, response_headers,
	error_type, error_message, duration_ms, started_at, completed_at, next_retry_at,
	lease_owner, lease_until, created_at, updated_at
`

func (r *DeliveriesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec *model.DeliveryRecord) error {
	const q = `
		INSERT INTO webhook_deliveries
		    (id, subscription_id, event_type, event_id, payload, payload_hash, status,
		     attempt_number, retry_count, response_body, started_at, created_at, updated_at)
		VALUES
		    (:id, :subscription_id, :event_type, :event_id, :payload, :payload_hash, :status,
		     :attempt_number, :retry_count, :response_body, :started_at, :created_at, :updated_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, rec)
		return err
	})
}

// Update writes the mutable columns and releases the lease. The write only
// lands while the row is not final and is unleased or still leased to
// rec.LeaseOwner.
func (r *DeliveriesRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, rec *model.DeliveryRecord) error {
	q := `
		UPDATE webhook_deliveries
		   SET status           = ?,
		       attempt_number   = ?,
		       retry_count      = ?,
		       response_status  = ?,
		       response_body    = ?,
		       response_headers = ?,
		       error_type       = ?,
		       error_message    = ?,
		       duration_ms      = ?,
		       started_at       = ?,
		       completed_at     = ?,
		       next_retry_at    = ?,
		       lease_owner      = NULL,
		       lease_until      = NULL,
		       updated_at       = ?
		 WHERE id = ?
		   AND status IN ('pending', 'retrying')
	`
	args := []any{
		rec.Status, rec.AttemptNumber, rec.RetryCount, rec.ResponseStatus, rec.ResponseBody,
		rec.ResponseHeaders, rec.ErrorType, rec.ErrorMessage, rec.DurationMs, rec.StartedAt,
		rec.CompletedAt, rec.NextRetryAt, rec.UpdatedAt, rec.ID,
	}
	if rec.LeaseOwner != nil {
		q += " AND lease_owner = ?"
		args = append(args, *rec.LeaseOwner)
	} else {
		q += " AND lease_owner IS NULL"
	}

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("delivery %s: %w", rec.ID, ErrLeaseLost)
		}
		rec.LeaseOwner = nil
		rec.LeaseUntil = nil
		return nil
	})
}

func (r *DeliveriesRepositoryImpl) Get(ctx context.Context, id string) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindDueRetries is a read-only view of due records; workers use ClaimDueRetries.
func (r *DeliveriesRepositoryImpl) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error) {
	var rows []model.DeliveryRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries
		 WHERE status = 'retrying' AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?
	`, now.UTC(), limit)
	return rows, err
}

func (r *DeliveriesRepositoryImpl) ClaimDueRetries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	return r.claim(ctx, `
		SELECT id
		  FROM webhook_deliveries
		 WHERE status = 'retrying'
		   AND next_retry_at <= ?
		   AND (lease_until IS NULL OR lease_until < ?)
		 ORDER BY next_retry_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, "next_retry_at", now.UTC(), limit, owner, leaseUntil)
}

func (r *DeliveriesRepositoryImpl) ClaimStalePending(ctx context.Context, startedBefore time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	return r.claim(ctx, `
		SELECT id
		  FROM webhook_deliveries
		 WHERE status = 'pending'
		   AND started_at < ?
		   AND (lease_until IS NULL OR lease_until < ?)
		 ORDER BY started_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, "started_at", startedBefore.UTC(), limit, owner, leaseUntil)
}

func (r *DeliveriesRepositoryImpl) ExtendLease(ctx context.Context, id, owner string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		   SET lease_until = ?
		 WHERE id = ?
		   AND lease_owner = ?
		   AND status IN ('pending', 'retrying')
	`, until.UTC(), id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("delivery %s: %w", id, ErrLeaseLost)
	}
	return nil
}

// claim locks candidate rows, stamps the lease and reads them back in one tx.
// The cutoff doubles as the lease expiry bound.
func (r *DeliveriesRepositoryImpl) claim(ctx context.Context, pick, orderBy string, cutoff time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []model.DeliveryRecord
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, pick, cutoff, time.Now().UTC(), limit); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		upd, args, err := sqlx.In(`
			UPDATE webhook_deliveries
			   SET lease_owner = ?, lease_until = ?
			 WHERE id IN (?)
		`, owner, leaseUntil.UTC(), ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(upd), args...); err != nil {
			return err
		}

		sel, args, err := sqlx.In(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id IN (?) ORDER BY `+orderBy+` ASC`, ids)
		if err != nil {
			return err
		}
		return tx.SelectContext(ctx, &out, tx.Rebind(sel), args...)
	})
	return out, err
}

func (r *DeliveriesRepositoryImpl) FindByEventID(ctx context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries
		 WHERE subscription_id = ? AND event_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1
	`, subscriptionID, eventID)
}

func (r *DeliveriesRepositoryImpl) FindByPayloadHash(ctx context.Context, subscriptionID, payloadHash string) (*model.DeliveryRecord, error) {
	return r.findOne(ctx, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries
		 WHERE subscription_id = ? AND payload_hash = ?
		 ORDER BY created_at DESC
		 LIMIT 1
	`, subscriptionID, payloadHash)
}

func (r *DeliveriesRepositoryImpl) findOne(ctx context.Context, q string, args ...any) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	err := r.db.GetContext(ctx, &rec, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *DeliveriesRepositoryImpl) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error) {
	limit, offset = clampPage(limit, offset)
	var rows []model.DeliveryRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?
	`, subscriptionID, limit, offset)
	return rows, err
}

// clampPage keeps list queries bounded.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
