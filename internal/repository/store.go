package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a delivery write lost its claim: another
	// owner holds the row or the row already reached a final status.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	// SaveSubscription inserts or updates the configuration columns.
	// Aggregate counters are never written from here.
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	// LoadSubscription returns ErrNotFound when id is unknown.
	LoadSubscription(ctx context.Context, id string) (*model.Subscription, error)
	// DeleteSubscription removes the subscription and cascades its deliveries.
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error)
	// ListActiveSubscriptions returns active subscriptions that may want
	// eventType. accountID 0 means every account. Callers still apply Matches.
	ListActiveSubscriptions(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error)
}

// DeliveryStore is the delivery ledger.
type DeliveryStore interface {
	CreateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error
	// UpdateDeliveryRecord writes the mutable columns and releases any lease.
	// It fails with ErrLeaseLost when another owner holds the row or the
	// stored row is already success or failed.
	UpdateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error
	// CommitAttempt updates the record and applies delta to its subscription
	// in a single transaction.
	CommitAttempt(ctx context.Context, rec *model.DeliveryRecord, delta model.CounterDelta) error

	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error)
	// ClaimDueRetries leases due retrying records to owner, oldest due first.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error)
	// ClaimStalePending leases pending records started before the cutoff.
	ClaimStalePending(ctx context.Context, startedBefore time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error)
	// ExtendLease moves the lease of a non-final record still held by owner
	// to until, otherwise it fails with ErrLeaseLost.
	ExtendLease(ctx context.Context, id, owner string, until time.Time) error

	// FindByEventID and FindByPayloadHash return (nil, nil) when nothing matches.
	FindByEventID(ctx context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error)
	FindByPayloadHash(ctx context.Context, subscriptionID, payloadHash string) (*model.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error)
}

// Store is everything the delivery engine needs from persistence.
type Store interface {
	SubscriptionStore
	DeliveryStore
}
