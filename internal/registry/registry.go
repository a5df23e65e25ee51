// Package registry answers which subscriptions want an event and serves
// subscription lookups through an optional cache.
package registry

import (
	"context"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// Cache is an explicit, invalidatable subscription cache keyed by ID.
// Get returns (nil, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, id string) (*model.Subscription, error)
	Set(ctx context.Context, sub *model.Subscription) error
	Invalidate(ctx context.Context, id string) error
}

type Registry struct {
	store  repository.SubscriptionStore
	cache  Cache
	policy model.Policy
	log    *zap.Logger
}

// New builds a registry. cache may be nil.
func New(store repository.SubscriptionStore, cache Cache, policy model.Policy, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, cache: cache, policy: policy, log: log}
}

// Matches reports whether sub subscribes to eventType, exactly or by wildcard.
func Matches(sub model.Subscription, eventType string) bool {
	return sub.Matches(eventType)
}

// ListCandidates returns every active subscription that matches eventType.
func (r *Registry) ListCandidates(ctx context.Context, eventType string) ([]model.Subscription, error) {
	return r.ListCandidatesForAccount(ctx, 0, eventType)
}

// ListCandidatesForAccount scopes ListCandidates to one owner; 0 means all.
func (r *Registry) ListCandidatesForAccount(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error) {
	subs, err := r.store.ListActiveSubscriptions(ctx, accountID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", eventType, err)
	}
	out := subs[:0]
	for _, s := range subs {
		if s.Active && Matches(s, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Get loads a subscription, preferring the cache. Cache failures fall back
// to the store.
func (r *Registry) Get(ctx context.Context, id string) (*model.Subscription, error) {
	if r.cache != nil {
		sub, err := r.cache.Get(ctx, id)
		if err != nil {
			r.log.Warn("subscription cache read failed", zap.String("subscription_id", id), zap.Error(err))
		} else if sub != nil {
			return sub, nil
		}
	}

	sub, err := r.store.LoadSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, sub); err != nil {
			r.log.Warn("subscription cache write failed", zap.String("subscription_id", id), zap.Error(err))
		}
	}
	return sub, nil
}

// Save applies the default policy, validates and persists sub, then drops
// its cache entry.
func (r *Registry) Save(ctx context.Context, sub *model.Subscription) error {
	sub.ApplyDefaults(r.policy)
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := r.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	r.invalidate(ctx, sub.ID)
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *Registry) List(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	return r.store.ListSubscriptions(ctx, accountID)
}

// Invalidate drops a cached entry. The executor calls it after counter
// commits so cached statistics do not go stale for long.
func (r *Registry) Invalidate(ctx context.Context, id string) {
	r.invalidate(ctx, id)
}

func (r *Registry) invalidate(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, id); err != nil {
		r.log.Warn("subscription cache invalidate failed", zap.String("subscription_id", id), zap.Error(err))
	}
}
