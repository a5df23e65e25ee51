package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/registry"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store *memory.Store
	reg   *registry.Registry
	exec  *dispatcher.Executor
	sched *RetryScheduler
	clk   *fakeClock
	hits  *atomic.Int64
	url   string
}

func newHarness(t *testing.T, status int, breakers bool) *harness {
	t.Helper()
	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	clk := &fakeClock{now: t0}
	store := memory.New().WithClock(clk.Now)
	log := zaptest.NewLogger(t)
	reg := registry.New(store, nil, model.DefaultPolicy(), log)

	opts := dispatcher.Options{Logger: log, Now: clk.Now}
	if breakers {
		opts.Breakers = dispatcher.NewBreakerSet(1, 10*time.Minute, clk.Now)
	}
	exec := dispatcher.NewExecutor(store, opts)

	sched := NewRetryScheduler(store, reg, exec, log)
	sched.Now = clk.Now
	sched.WorkerID = "test-worker"

	return &harness{store: store, reg: reg, exec: exec, sched: sched, clk: clk, hits: hits, url: srv.URL}
}

func (h *harness) subscribe(t *testing.T, id string, mutate ...func(*model.Subscription)) model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:            id,
		AccountID:     1,
		TargetURL:     h.url,
		Secret:        []byte("k"),
		EventPatterns: model.Patterns{"*"},
		Active:        true,
		MaxRetries:    -1,
	}
	for _, m := range mutate {
		m(sub)
	}
	require.NoError(t, h.reg.Save(context.Background(), sub))
	return *sub
}

func (h *harness) load(t *testing.T, id string) *model.Subscription {
	t.Helper()
	s, err := h.store.LoadSubscription(context.Background(), id)
	require.NoError(t, err)
	return s
}

// peer is a second scheduler racing on the same ledger.
func (h *harness) peer(workerID string) *RetryScheduler {
	s := NewRetryScheduler(h.store, h.reg, h.exec, h.sched.Log)
	s.Now = h.clk.Now
	s.WorkerID = workerID
	return s
}

func (h *harness) dueRetry(t *testing.T, id string, due time.Time) {
	t.Helper()
	require.NoError(t, h.store.CreateDeliveryRecord(context.Background(), &model.DeliveryRecord{
		ID:             id,
		SubscriptionID: "sub-1",
		EventType:      "invoice.paid",
		EventID:        "evt-" + id,
		Payload:        []byte(`{}`),
		Status:         model.StatusRetrying,
		AttemptNumber:  1,
		RetryCount:     1,
		StartedAt:      due.Add(-time.Minute),
		NextRetryAt:    &due,
		CreatedAt:      due.Add(-time.Minute),
	}))
}

// gate is a target that holds the first request until opened and answers
// the rest with 200 straight away.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	held    atomic.Bool
	hits    atomic.Int64
}

func newGate(t *testing.T) (*gate, string) {
	t.Helper()
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		if g.held.CompareAndSwap(false, true) {
			g.entered <- struct{}{}
			<-g.release
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(g.open)
	return g, srv.URL
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the target")
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestRetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusInternalServerError, false)
	sub := h.subscribe(t, "sub-1")

	rec, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{"n": 1}, "evt-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, rec.Status)

	var delays []time.Duration
	prev := h.clk.Now()
	for i := 0; i < 3; i++ {
		cur := h.store.Delivery(rec.ID)
		require.NotNil(t, cur.NextRetryAt)
		delays = append(delays, cur.NextRetryAt.Sub(prev))

		h.clk.Advance(cur.NextRetryAt.Sub(h.clk.Now()))
		prev = h.clk.Now()
		n, err := h.sched.RetryDue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, delays)

	final := h.store.Delivery(rec.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, 4, final.AttemptNumber)
	assert.Nil(t, final.NextRetryAt)
	assert.Nil(t, final.LeaseOwner)
	assert.EqualValues(t, 4, h.hits.Load())

	s := h.load(t, "sub-1")
	assert.EqualValues(t, 1, s.FailureCount, "one terminal sequence")
	assert.EqualValues(t, 1, s.TotalDeliveries)
	assert.EqualValues(t, 4, s.FailedAttempts)
	assert.EqualValues(t, 4, s.TotalAttempts)
	assert.EqualValues(t, 0, s.SuccessCount)

	h.clk.Advance(time.Hour)
	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "failed records never re-enter retrying")
}

func TestRetryDueSkipsNotYetDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusBadGateway, false)
	sub := h.subscribe(t, "sub-1")

	_, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)

	h.clk.Advance(59 * time.Second)
	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, h.hits.Load())
}

func TestDeleteCascadesPendingRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusInternalServerError, false)
	sub := h.subscribe(t, "sub-1")
	other := h.subscribe(t, "sub-2")

	rec, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)
	_, err = h.exec.Deliver(ctx, other, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)

	require.NoError(t, h.reg.Delete(ctx, "sub-2"))
	h.clk.Advance(time.Minute)

	hitsBefore := h.hits.Load()
	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, hitsBefore+1, h.hits.Load())
	assert.Equal(t, model.StatusRetrying, h.store.Delivery(rec.ID).Status)
}

func TestRetryInactiveSubscriptionTerminates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusInternalServerError, false)
	sub := h.subscribe(t, "sub-1")

	rec, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)

	sub.Active = false
	require.NoError(t, h.reg.Save(ctx, &sub))
	h.clk.Advance(time.Minute)

	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.store.Delivery(rec.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.ErrorTypeWebhookInactive, final.ErrorType)
	assert.Nil(t, final.NextRetryAt)
	assert.EqualValues(t, 1, h.hits.Load(), "no HTTP call on termination")

	s := h.load(t, "sub-1")
	assert.EqualValues(t, 1, s.FailureCount)
	assert.EqualValues(t, 1, s.TotalAttempts)
}

// missingLoader reports some subscriptions as gone while the records still exist.
type missingLoader struct {
	SubscriptionLoader
	missing map[string]bool
	broken  map[string]bool
}

func (l missingLoader) Get(ctx context.Context, id string) (*model.Subscription, error) {
	if l.missing[id] {
		return nil, errNotFoundForTest
	}
	if l.broken[id] {
		return nil, errors.New("connection reset")
	}
	return l.SubscriptionLoader.Get(ctx, id)
}

func TestRetryMissingSubscriptionIsWebhookInactive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusInternalServerError, false)
	sub := h.subscribe(t, "sub-1")

	rec, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)

	h.sched.Subs = missingLoader{SubscriptionLoader: h.reg, missing: map[string]bool{"sub-1": true}}
	h.clk.Advance(time.Minute)

	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := h.store.Delivery(rec.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.ErrorTypeWebhookInactive, final.ErrorType)
	assert.EqualValues(t, 1, h.hits.Load())
}

func TestOneBadRecordDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusInternalServerError, false)
	good := h.subscribe(t, "good")
	bad := h.subscribe(t, "bad")

	goodRec, err := h.exec.Deliver(ctx, good, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)
	badRec, err := h.exec.Deliver(ctx, bad, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)

	h.sched.Subs = missingLoader{SubscriptionLoader: h.reg, broken: map[string]bool{"bad": true}}
	h.clk.Advance(time.Minute)

	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.store.Delivery(goodRec.ID).AttemptNumber)

	stuck := h.store.Delivery(badRec.ID)
	assert.Equal(t, 1, stuck.AttemptNumber)
	require.NotNil(t, stuck.LeaseOwner, "left leased for a later sweep")

	h.sched.Subs = h.reg
	h.clk.Advance(h.sched.LeaseDuration + time.Second)
	n, err = h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.Equal(t, 2, h.store.Delivery(badRec.ID).AttemptNumber)
}

func TestOpenBreakerDefersWithoutConsumingRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusServiceUnavailable, true)
	sub := h.subscribe(t, "sub-1")

	rec, err := h.exec.Deliver(ctx, sub, "invoice.paid", map[string]any{}, "")
	require.NoError(t, err)
	require.Equal(t, 1, rec.RetryCount)

	h.clk.Advance(time.Minute)
	n, err := h.sched.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "deferred records are not processed")

	cur := h.store.Delivery(rec.ID)
	assert.Equal(t, model.StatusRetrying, cur.Status)
	assert.Equal(t, 1, cur.RetryCount)
	assert.Equal(t, 1, cur.AttemptNumber)
	assert.Equal(t, t0.Add(10*time.Minute), *cur.NextRetryAt)
	assert.EqualValues(t, 1, h.hits.Load())
}

func TestReconcileStaleAbandonsWithoutResend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	h.subscribe(t, "sub-1")

	stale := &model.DeliveryRecord{
		ID:             "stale-1",
		SubscriptionID: "sub-1",
		EventType:      "invoice.paid",
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
		Status:         model.StatusPending,
		AttemptNumber:  1,
		StartedAt:      t0.Add(-time.Hour),
		CreatedAt:      t0.Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateDeliveryRecord(ctx, stale))

	n, err := h.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got := h.store.Delivery("stale-1")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ErrorTypeUnknown, got.ErrorType)
	assert.Equal(t, "delivery outcome was not recorded", got.ErrorMessage)
	assert.Zero(t, h.hits.Load())
	assert.EqualValues(t, 1, h.load(t, "sub-1").FailureCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, http.StatusOK, false)
	h.sched.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestExpiredClaimLeaseDoesNotResendInFlightAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	g, url := newGate(t)
	h.url = url
	h.subscribe(t, "sub-1", func(s *model.Subscription) { s.TimeoutSeconds = 60 })
	h.dueRetry(t, "d1", t0)

	done := make(chan int, 1)
	go func() {
		n, _ := h.sched.RetryDue(ctx, 10)
		done <- n
	}()
	g.waitEntered(t)

	// past the claim lease but inside the attempt window
	h.clk.Advance(h.sched.LeaseDuration + 30*time.Second)
	n, err := h.peer("other-worker").RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, g.hits.Load())

	g.open()
	assert.Equal(t, 1, waitFor(t, done))

	final := h.store.Delivery("d1")
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, 2, final.AttemptNumber)
	assert.Nil(t, final.LeaseOwner)
	assert.EqualValues(t, 1, g.hits.Load())
	assert.EqualValues(t, 1, h.load(t, "sub-1").TotalDeliveries)
}

func TestQueuedRecordReclaimedElsewhereIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	g, url := newGate(t)
	h.url = url
	h.subscribe(t, "sub-1", func(s *model.Subscription) { s.TimeoutSeconds = 60 })
	h.dueRetry(t, "first", t0.Add(-2*time.Second))
	h.dueRetry(t, "second", t0.Add(-time.Second))
	h.sched.Workers = 1

	done := make(chan int, 1)
	go func() {
		n, _ := h.sched.RetryDue(ctx, 10)
		done <- n
	}()
	// "first" is in flight, "second" waits behind it on the batch lease
	g.waitEntered(t)

	h.clk.Advance(h.sched.LeaseDuration + 30*time.Second)
	n, err := h.peer("other-worker").RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the record whose claim expired")
	assert.EqualValues(t, 2, g.hits.Load())

	g.open()
	assert.Equal(t, 1, waitFor(t, done))

	assert.EqualValues(t, 2, g.hits.Load(), "each record sent once")
	assert.Equal(t, 2, h.store.Delivery("first").AttemptNumber)
	assert.Equal(t, 2, h.store.Delivery("second").AttemptNumber)
	s := h.load(t, "sub-1")
	assert.EqualValues(t, 2, s.TotalAttempts)
	assert.EqualValues(t, 2, s.TotalDeliveries)
}

type deliverResult struct {
	rec *model.DeliveryRecord
	err error
}

func (h *harness) deliverAsync(sub model.Subscription) <-chan deliverResult {
	done := make(chan deliverResult, 1)
	go func() {
		rec, err := h.exec.Deliver(context.Background(), sub, "invoice.paid", map[string]any{}, "evt-1")
		done <- deliverResult{rec: rec, err: err}
	}()
	return done
}

func TestReconcileLeavesInFlightDeliveryAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	g, url := newGate(t)
	h.url = url
	sub := h.subscribe(t, "sub-1", func(s *model.Subscription) { s.TimeoutSeconds = 60 })
	h.sched.StaleAfter = time.Minute

	done := h.deliverAsync(sub)
	g.waitEntered(t)

	h.clk.Advance(2 * time.Minute)
	n, err := h.sched.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "StaleAfter is floored at the attempt window")

	g.open()
	res := waitFor(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, model.StatusSuccess, h.store.Delivery(res.rec.ID).Status)

	s := h.load(t, "sub-1")
	assert.EqualValues(t, 1, s.TotalDeliveries)
	assert.EqualValues(t, 1, s.SuccessCount)
	assert.Zero(t, s.FailureCount)
}

func TestLateCommitAfterAbandonCountsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	g, url := newGate(t)
	h.url = url
	sub := h.subscribe(t, "sub-1", func(s *model.Subscription) { s.TimeoutSeconds = 60 })

	done := h.deliverAsync(sub)
	g.waitEntered(t)

	h.clk.Advance(h.sched.StaleAfter + time.Minute)
	n, err := h.sched.ReconcileStale(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	g.open()
	res := waitFor(t, done)
	assert.ErrorIs(t, res.err, dispatcher.ErrBookkeeping)
	assert.ErrorIs(t, res.err, repository.ErrLeaseLost)

	final := h.store.Delivery(res.rec.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.ErrorTypeUnknown, final.ErrorType)

	s := h.load(t, "sub-1")
	assert.EqualValues(t, 1, s.TotalDeliveries)
	assert.EqualValues(t, 1, s.FailureCount)
	assert.Zero(t, s.SuccessCount)
	assert.Zero(t, s.TotalAttempts)
}
