package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:            "sub-1",
		AccountID:     7,
		TargetURL:     "https://example.com/hook",
		EventPatterns: model.Patterns{"invoice.paid"},
		Active:        true,
		MaxRetries:    -1,
	}
	sub.ApplyDefaults(model.DefaultPolicy())
	require.NoError(t, s.SaveSubscription(context.Background(), sub))
	return sub
}

func retrying(id string, due time.Time) *model.DeliveryRecord {
	return &model.DeliveryRecord{
		ID:             id,
		SubscriptionID: "sub-1",
		EventType:      "invoice.paid",
		EventID:        "evt-" + id,
		Payload:        []byte(`{}`),
		Status:         model.StatusRetrying,
		AttemptNumber:  1,
		RetryCount:     1,
		StartedAt:      t0,
		NextRetryAt:    &due,
		CreatedAt:      t0,
	}
}

func TestSaveSubscriptionKeepsCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	sub := seed(t, s)

	require.NoError(t, s.ApplyCounters(ctx, sub.ID, model.CounterDelta{Successes: 2, Deliveries: 2}))

	sub.Name = "renamed"
	sub.SuccessCount = 0
	require.NoError(t, s.SaveSubscription(ctx, sub))

	got, err := s.LoadSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.EqualValues(t, 2, got.SuccessCount)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("d1", t0)))

	require.NoError(t, s.DeleteSubscription(ctx, "sub-1"))
	assert.Nil(t, s.Delivery("d1"))

	_, err := s.LoadSubscription(ctx, "sub-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscription(ctx, "sub-1"), repository.ErrNotFound)
}

func TestClaimDueRetriesOrdersAndLeases(t *testing.T) {
	ctx := context.Background()
	s := New().WithClock(func() time.Time { return t0 })
	seed(t, s)
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("late", t0.Add(-time.Minute))))
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("early", t0.Add(-time.Hour))))
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("future", t0.Add(time.Hour))))

	got, err := s.ClaimDueRetries(ctx, t0, 10, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
	require.NotNil(t, got[0].LeaseOwner)
	assert.Equal(t, "w1", *got[0].LeaseOwner)

	again, err := s.ClaimDueRetries(ctx, t0, 10, "w2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows are not handed out twice")

	expired, err := s.ClaimDueRetries(ctx, t0.Add(2*time.Minute), 1, "w2", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].ID)
}

func TestUpdateRequiresLease(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("d1", t0)))

	claimed, err := s.ClaimDueRetries(ctx, t0, 1, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stolen := claimed[0]
	other := "w2"
	stolen.LeaseOwner = &other
	assert.ErrorIs(t, s.UpdateDeliveryRecord(ctx, &stolen), repository.ErrLeaseLost)

	rec := claimed[0]
	require.NoError(t, rec.Transition(model.StatusSuccess))
	require.NoError(t, s.CommitAttempt(ctx, &rec, model.CounterDelta{Successes: 1, Deliveries: 1}))
	assert.Nil(t, rec.LeaseOwner)

	stored := s.Delivery("d1")
	require.NotNil(t, stored)
	assert.Equal(t, model.StatusSuccess, stored.Status)
	assert.Nil(t, stored.LeaseOwner)
}

func TestFinalRecordRejectsLateCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	rec := retrying("d1", t0)
	rec.Status, rec.NextRetryAt = model.StatusPending, nil
	require.NoError(t, s.CreateDeliveryRecord(ctx, rec))

	abandoned := rec.Clone()
	require.NoError(t, abandoned.Transition(model.StatusFailed))
	require.NoError(t, s.CommitAttempt(ctx, &abandoned, model.DeltaFor(abandoned, false, t0)))

	late := rec.Clone()
	require.NoError(t, late.Transition(model.StatusSuccess))
	err := s.CommitAttempt(ctx, &late, model.DeltaFor(late, true, t0))
	assert.ErrorIs(t, err, repository.ErrLeaseLost)

	assert.Equal(t, model.StatusFailed, s.Delivery("d1").Status)
	sub, err := s.LoadSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sub.TotalDeliveries)
	assert.EqualValues(t, 1, sub.FailureCount)
	assert.Zero(t, sub.SuccessCount)
	assert.Zero(t, sub.TotalAttempts)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	require.NoError(t, s.CreateDeliveryRecord(ctx, retrying("d1", t0)))

	assert.ErrorIs(t, s.ExtendLease(ctx, "d1", "w1", t0.Add(time.Hour)), repository.ErrLeaseLost, "unleased")

	_, err := s.ClaimDueRetries(ctx, t0, 1, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.ExtendLease(ctx, "d1", "w1", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.ExtendLease(ctx, "d1", "w2", t0.Add(time.Hour)), repository.ErrLeaseLost)
	assert.ErrorIs(t, s.ExtendLease(ctx, "missing", "w1", t0.Add(time.Hour)), repository.ErrLeaseLost)

	again, err := s.ClaimDueRetries(ctx, t0.Add(30*time.Minute), 1, "w2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again, "extended lease still held")
	assert.Equal(t, t0.Add(time.Hour), *s.Delivery("d1").LeaseUntil)
}

func TestClaimStalePending(t *testing.T) {
	ctx := context.Background()
	s := New().WithClock(func() time.Time { return t0 })
	seed(t, s)

	old := retrying("old", t0)
	old.Status, old.NextRetryAt, old.StartedAt = model.StatusPending, nil, t0.Add(-time.Hour)
	fresh := retrying("fresh", t0)
	fresh.Status, fresh.NextRetryAt, fresh.StartedAt = model.StatusPending, nil, t0
	require.NoError(t, s.CreateDeliveryRecord(ctx, old))
	require.NoError(t, s.CreateDeliveryRecord(ctx, fresh))

	got, err := s.ClaimStalePending(ctx, t0.Add(-10*time.Minute), 10, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestFailCommits(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	rec := retrying("d1", t0)
	require.NoError(t, s.CreateDeliveryRecord(ctx, rec))

	boom := errors.New("disk full")
	s.FailCommits(boom)
	assert.ErrorIs(t, s.CommitAttempt(ctx, rec, model.CounterDelta{Attempts: 1}), boom)
	s.FailCommits(nil)
	assert.NoError(t, s.CommitAttempt(ctx, rec, model.CounterDelta{Attempts: 1}))
}

func TestConcurrentCommitsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.ApplyCounters(ctx, "sub-1", model.CounterDelta{Attempts: 1, Deliveries: 1, Successes: 1})
		}()
	}
	wg.Wait()

	got, err := s.LoadSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.EqualValues(t, n, got.SuccessCount)
	assert.EqualValues(t, n, got.TotalAttempts)
}

func TestFindByEventIDAndHash(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	rec := retrying("d1", t0)
	rec.PayloadHash = model.HashPayload(rec.Payload)
	require.NoError(t, s.CreateDeliveryRecord(ctx, rec))

	got, err := s.FindByEventID(ctx, "sub-1", "evt-d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d1", got.ID)

	got, err = s.FindByPayloadHash(ctx, "sub-1", rec.PayloadHash)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = s.FindByEventID(ctx, "sub-1", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
