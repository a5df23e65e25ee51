// Package memory is an in-process repository.Store used by tests and the
// single-binary dev mode. It mirrors the SQL ledger's lease and cascade rules.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
)

type Store struct {
	mu         sync.Mutex
	subs       map[string]*model.Subscription
	deliveries map[string]*model.DeliveryRecord
	now        func() time.Time

	commitErr error
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		subs:       make(map[string]*model.Subscription),
		deliveries: make(map[string]*model.DeliveryRecord),
		now:        time.Now,
	}
}

// WithClock replaces the clock used for lease expiry checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// FailCommits makes every CommitAttempt and UpdateDeliveryRecord return err
// without writing. A nil err restores normal behaviour.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

func (s *Store) SaveSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	c := sub.Clone()
	if cur, ok := s.subs[sub.ID]; ok {
		c.TotalDeliveries = cur.TotalDeliveries
		c.SuccessCount = cur.SuccessCount
		c.FailureCount = cur.FailureCount
		c.TotalAttempts = cur.TotalAttempts
		c.FailedAttempts = cur.FailedAttempts
		c.LastDeliveryAt = cur.LastDeliveryAt
		c.LastSuccessAt = cur.LastSuccessAt
		c.LastFailureAt = cur.LastFailureAt
		c.AccountID = cur.AccountID
		c.CreatedAt = cur.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.subs[sub.ID] = &c
	return nil
}

func (s *Store) LoadSubscription(_ context.Context, id string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, repository.ErrNotFound)
	}
	c := sub.Clone()
	return &c, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, repository.ErrNotFound)
	}
	delete(s.subs, id)
	for rid, rec := range s.deliveries {
		if rec.SubscriptionID == id {
			delete(s.deliveries, rid)
		}
	}
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, accountID int64) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Subscription
	for _, sub := range s.subs {
		if sub.AccountID == accountID {
			out = append(out, sub.Clone())
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (s *Store) ListActiveSubscriptions(_ context.Context, accountID int64, eventType string) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Subscription
	for _, sub := range s.subs {
		if !sub.Active || !sub.Matches(eventType) {
			continue
		}
		if accountID > 0 && sub.AccountID != accountID {
			continue
		}
		out = append(out, sub.Clone())
	}
	sortSubscriptions(out)
	return out, nil
}

func (s *Store) CreateDeliveryRecord(_ context.Context, rec *model.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[rec.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %s: %w", rec.SubscriptionID, repository.ErrNotFound)
	}
	if _, ok := s.deliveries[rec.ID]; ok {
		return fmt.Errorf("delivery %s already exists", rec.ID)
	}
	c := rec.Clone()
	s.deliveries[rec.ID] = &c
	return nil
}

func (s *Store) UpdateDeliveryRecord(_ context.Context, rec *model.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		return s.commitErr
	}
	return s.updateLocked(rec)
}

func (s *Store) CommitAttempt(_ context.Context, rec *model.DeliveryRecord, delta model.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		return s.commitErr
	}
	if err := s.updateLocked(rec); err != nil {
		return err
	}
	if sub, ok := s.subs[rec.SubscriptionID]; ok {
		sub.Apply(delta)
	}
	return nil
}

// updateLocked applies the same predicate as the SQL ledger: the row must
// not be final and must be unleased or leased to rec.LeaseOwner.
func (s *Store) updateLocked(rec *model.DeliveryRecord) error {
	cur, ok := s.deliveries[rec.ID]
	if !ok || cur.Status.IsFinal() {
		return fmt.Errorf("delivery %s: %w", rec.ID, repository.ErrLeaseLost)
	}
	if !sameOwner(cur.LeaseOwner, rec.LeaseOwner) {
		return fmt.Errorf("delivery %s: %w", rec.ID, repository.ErrLeaseLost)
	}

	c := rec.Clone()
	c.Payload = cur.Payload
	c.PayloadHash = cur.PayloadHash
	c.CreatedAt = cur.CreatedAt
	c.LeaseOwner = nil
	c.LeaseUntil = nil
	s.deliveries[rec.ID] = &c

	rec.LeaseOwner = nil
	rec.LeaseUntil = nil
	return nil
}

func (s *Store) FindDueRetries(_ context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pickLocked(limit, func(r *model.DeliveryRecord) bool { return isDue(r, now) }, byNextRetry), nil
}

func (s *Store) ClaimDueRetries(_ context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	picked := s.pickLocked(limit, func(r *model.DeliveryRecord) bool {
		return isDue(r, now) && leaseFree(r, now)
	}, byNextRetry)
	return s.leaseLocked(picked, owner, leaseUntil), nil
}

func (s *Store) ClaimStalePending(_ context.Context, startedBefore time.Time, limit int, owner string, leaseUntil time.Time) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	picked := s.pickLocked(limit, func(r *model.DeliveryRecord) bool {
		return r.Status == model.StatusPending && r.StartedAt.Before(startedBefore) && leaseFree(r, now)
	}, func(a, b model.DeliveryRecord) bool { return a.StartedAt.Before(b.StartedAt) })
	return s.leaseLocked(picked, owner, leaseUntil), nil
}

func (s *Store) ExtendLease(_ context.Context, id, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.deliveries[id]
	if !ok || cur.Status.IsFinal() || cur.LeaseOwner == nil || *cur.LeaseOwner != owner {
		return fmt.Errorf("delivery %s: %w", id, repository.ErrLeaseLost)
	}
	u := until.UTC()
	cur.LeaseUntil = &u
	return nil
}

func (s *Store) FindByEventID(_ context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error) {
	return s.findLatest(func(r *model.DeliveryRecord) bool {
		return r.SubscriptionID == subscriptionID && r.EventID == eventID
	}), nil
}

func (s *Store) FindByPayloadHash(_ context.Context, subscriptionID, payloadHash string) (*model.DeliveryRecord, error) {
	return s.findLatest(func(r *model.DeliveryRecord) bool {
		return r.SubscriptionID == subscriptionID && r.PayloadHash == payloadHash
	}), nil
}

func (s *Store) ListDeliveries(_ context.Context, subscriptionID string, limit, offset int) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.DeliveryRecord
	for _, r := range s.deliveries {
		if r.SubscriptionID == subscriptionID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

// Delivery returns a copy of one record, or nil.
func (s *Store) Delivery(id string) *model.DeliveryRecord {
	return s.findLatest(func(r *model.DeliveryRecord) bool { return r.ID == id })
}

func (s *Store) findLatest(match func(*model.DeliveryRecord) bool) *model.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.DeliveryRecord
	for _, r := range s.deliveries {
		if match(r) && (best == nil || r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	c := best.Clone()
	return &c
}

func (s *Store) pickLocked(limit int, keep func(*model.DeliveryRecord) bool, less func(a, b model.DeliveryRecord) bool) []model.DeliveryRecord {
	if limit <= 0 {
		return nil
	}
	var out []model.DeliveryRecord
	for _, r := range s.deliveries {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) leaseLocked(recs []model.DeliveryRecord, owner string, until time.Time) []model.DeliveryRecord {
	until = until.UTC()
	for i := range recs {
		o, u := owner, until
		cur := s.deliveries[recs[i].ID]
		cur.LeaseOwner, cur.LeaseUntil = &o, &u
		recs[i].LeaseOwner, recs[i].LeaseUntil = &o, &u
	}
	return recs
}

func isDue(r *model.DeliveryRecord, now time.Time) bool {
	return r.Status == model.StatusRetrying && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
}

func leaseFree(r *model.DeliveryRecord, now time.Time) bool {
	return r.LeaseUntil == nil || r.LeaseUntil.Before(now)
}

func byNextRetry(a, b model.DeliveryRecord) bool {
	return a.NextRetryAt.Before(*b.NextRetryAt)
}

func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortSubscriptions(subs []model.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

// ApplyCounters applies a counter delta without touching any record.
func (s *Store) ApplyCounters(_ context.Context, subscriptionID string, delta model.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, repository.ErrNotFound)
	}
	sub.Apply(delta)
	return nil
}
