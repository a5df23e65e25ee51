package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// Ledger is the MySQL-backed Store. It composes the table repositories and
// owns the transactions that span both tables.
type Ledger struct {
	db            *sqlx.DB
	Subscriptions SubscriptionsRepository
	Deliveries    DeliveriesRepository
}

func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{
		db:            db,
		Subscriptions: NewSubscriptionsRepository(db),
		Deliveries:    NewDeliveriesRepository(db),
	}
}

var _ Store = (*Ledger)(nil)

func (l *Ledger) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	return l.Subscriptions.Upsert(ctx, nil, sub)
}

func (l *Ledger) LoadSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return l.Subscriptions.Get(ctx, id)
}

func (l *Ledger) DeleteSubscription(ctx context.Context, id string) error {
	return l.Subscriptions.Delete(ctx, nil, id)
}

func (l *Ledger) ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	return l.Subscriptions.ListByAccount(ctx, accountID)
}

func (l *Ledger) ListActiveSubscriptions(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error) {
	return l.Subscriptions.ListActive(ctx, accountID, eventType)
}

func (l *Ledger) CreateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error {
	return l.Deliveries.Insert(ctx, nil, rec)
}

func (l *Ledger) UpdateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error {
	return l.Deliveries.Update(ctx, nil, rec)
}

// CommitAttempt persists the attempt outcome and the subscription counters
// together, so a crash never leaves one without the other.
func (l *Ledger) CommitAttempt(ctx context.Context, rec *model.DeliveryRecord, delta model.CounterDelta) error {
	return withTx(ctx, l.db, nil, func(tx *sqlx.Tx) error {
		if err := l.Deliveries.Update(ctx, tx, rec); err != nil {
			return err
		}
		return l.Subscriptions.ApplyCounters(ctx, tx, rec.SubscriptionID, delta)
	})
}

func (l *Ledger) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error) {
	return l.Deliveries.FindDueRetries(ctx, now, limit)
}

func (l *Ledger) ClaimDueRetries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	return l.Deliveries.ClaimDueRetries(ctx, now, limit, owner, leaseUntil)
}

func (l *Ledger) ClaimStalePending(ctx context.Context, startedBefore time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	return l.Deliveries.ClaimStalePending(ctx, startedBefore, limit, owner, leaseUntil)
}

func (l *Ledger) ExtendLease(ctx context.Context, id, owner string, until time.Time) error {
	return l.Deliveries.ExtendLease(ctx, id, owner, until)
}

func (l *Ledger) FindByEventID(ctx context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error) {
	return l.Deliveries.FindByEventID(ctx, subscriptionID, eventID)
}

func (l *Ledger) FindByPayloadHash(ctx context.Context, subscriptionID, payloadHash string) (*model.DeliveryRecord, error) {
	return l.Deliveries.FindByPayloadHash(ctx, subscriptionID, payloadHash)
}

func (l *Ledger) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error) {
	return l.Deliveries.ListBySubscription(ctx, subscriptionID, limit, offset)
}
