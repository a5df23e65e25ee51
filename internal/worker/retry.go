package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

// SubscriptionLoader resolves the subscription of a claimed record.
// It returns an error wrapping repository.ErrNotFound for deleted ones.
type SubscriptionLoader interface {
	Get(ctx context.Context, id string) (*model.Subscription, error)
}

// RetryScheduler re-drives retrying deliveries once they are due and
// reconciles records whose outcome never got recorded.
type RetryScheduler struct {
	Store    repository.DeliveryStore
	Subs     SubscriptionLoader
	Executor *dispatcher.Executor
	Log      *zap.Logger

	// Behavior
	WorkerID      string        // lease owner written on claimed rows
	Workers       int           // records processed in parallel per batch
	BatchSize     int           // max records claimed per sweep
	PollInterval  time.Duration // ticker period for Run
	LeaseDuration time.Duration // how long a claim is exclusive before dispatch
	StaleAfter    time.Duration // pending older than this is abandoned, see MinStaleAfter
	Now           func() time.Time
}

// MinStaleAfter floors StaleAfter so an attempt still in flight is never
// taken for one whose outcome was lost.
const MinStaleAfter = dispatcher.MaxAttemptWindow + time.Minute

// NewRetryScheduler builds a scheduler with sane defaults.
func NewRetryScheduler(store repository.DeliveryStore, subs SubscriptionLoader, exec *dispatcher.Executor, log *zap.Logger) *RetryScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryScheduler{
		Store:         store,
		Subs:          subs,
		Executor:      exec,
		Log:           log,
		WorkerID:      "retry-" + util.NewID(),
		Workers:       8,
		BatchSize:     100,
		PollInterval:  5 * time.Second,
		LeaseDuration: 2 * time.Minute,
		StaleAfter:    10 * time.Minute,
		Now:           time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *RetryScheduler) Run(ctx context.Context) error {
	if s.PollInterval <= 0 {
		return errors.New("retry scheduler: poll interval must be positive")
	}
	tick := time.NewTicker(s.PollInterval)
	defer tick.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error("retry sweep failed", zap.String("worker_id", s.WorkerID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Sweep runs one cron-style pass: stale reconciliation, then due retries.
func (s *RetryScheduler) Sweep(ctx context.Context) (int, error) {
	if n, err := s.ReconcileStale(ctx, s.BatchSize); err != nil {
		s.Log.Error("stale reconciliation failed", zap.String("worker_id", s.WorkerID), zap.Error(err))
	} else if n > 0 {
		s.Log.Info("abandoned stale deliveries", zap.String("worker_id", s.WorkerID), zap.Int("count", n))
	}

	n, err := s.RetryDue(ctx, s.BatchSize)
	if n > 0 {
		s.Log.Info("retry sweep processed", zap.String("worker_id", s.WorkerID), zap.Int("count", n))
	}
	return n, err
}

// RetryDue claims up to maxBatch due records, oldest first, and re-runs
// each one. It returns how many records were attempted or terminated.
// Per-record failures are logged and never abort the batch.
func (s *RetryScheduler) RetryDue(ctx context.Context, maxBatch int) (int, error) {
	now := s.now()
	recs, err := s.Store.ClaimDueRetries(ctx, now, maxBatch, s.WorkerID, now.Add(s.LeaseDuration))
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}

	var processed atomic.Int64
	s.fanOut(ctx, recs, func(rec *model.DeliveryRecord) {
		if s.retryOne(ctx, rec) {
			processed.Add(1)
		}
	})

	n := int(processed.Load())
	metrics.RetrySweepProcessed.Add(float64(n))
	return n, nil
}

// ReconcileStale terminates pending records left behind by a crash or a
// failed commit. They are failed as unknown_error and never resent.
func (s *RetryScheduler) ReconcileStale(ctx context.Context, maxBatch int) (int, error) {
	if s.StaleAfter <= 0 {
		return 0, nil
	}
	staleAfter := s.StaleAfter
	if staleAfter < MinStaleAfter {
		staleAfter = MinStaleAfter
	}
	now := s.now()
	recs, err := s.Store.ClaimStalePending(ctx, now.Add(-staleAfter), maxBatch, s.WorkerID, now.Add(s.LeaseDuration))
	if err != nil {
		return 0, fmt.Errorf("claim stale pending: %w", err)
	}

	done := 0
	for i := range recs {
		if err := s.Executor.Abandon(&recs[i]); err != nil {
			s.recordError(&recs[i], err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *RetryScheduler) retryOne(ctx context.Context, rec *model.DeliveryRecord) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("retry panicked",
				zap.String("delivery_id", rec.ID),
				zap.String("worker_id", s.WorkerID),
				zap.Any("panic", r),
			)
			processed = false
		}
	}()

	sub, err := s.Subs.Get(ctx, rec.SubscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		sub, err = nil, nil
	}
	if err != nil {
		// the lease expires and a later sweep picks the record up again
		s.recordError(rec, fmt.Errorf("load subscription: %w", err))
		return false
	}

	// The batch lease may have run out while the record waited for a worker.
	// Re-take it for the whole attempt, or leave the record to its new owner.
	window := s.LeaseDuration
	if sub != nil {
		window += dispatcher.AttemptWindow(*sub)
	}
	until := s.now().Add(window)
	if err := s.Store.ExtendLease(ctx, rec.ID, s.WorkerID, until); err != nil {
		s.recordError(rec, fmt.Errorf("extend lease: %w", err))
		return false
	}
	rec.LeaseUntil = &until

	if err := s.Executor.Redeliver(ctx, sub, rec); err != nil {
		if errors.Is(err, dispatcher.ErrBreakerOpen) {
			if errors.Is(err, dispatcher.ErrBookkeeping) {
				s.recordError(rec, err)
			}
			return false
		}
		s.recordError(rec, err)
		return errors.Is(err, dispatcher.ErrBookkeeping)
	}
	return true
}

func (s *RetryScheduler) fanOut(ctx context.Context, recs []model.DeliveryRecord, fn func(*model.DeliveryRecord)) {
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(recs) {
		workers = len(recs)
	}

	in := make(chan *model.DeliveryRecord)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range in {
				fn(rec)
			}
		}()
	}

	for i := range recs {
		if ctx.Err() != nil {
			break
		}
		in <- &recs[i]
	}
	close(in)
	wg.Wait()
}

func (s *RetryScheduler) recordError(rec *model.DeliveryRecord, err error) {
	s.Log.Error("retry record failed",
		zap.String("delivery_id", rec.ID),
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("worker_id", s.WorkerID),
		zap.Error(err),
	)
}

func (s *RetryScheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
