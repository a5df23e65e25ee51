package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"go.uber.org/zap"
)

// MessageSource is the subset of kafka.Consumer the intake needs.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type CandidateLister interface {
	ListCandidatesForAccount(ctx context.Context, accountID int64, eventType string) ([]model.Subscription, error)
}

type EventIDLookup interface {
	FindByEventID(ctx context.Context, subscriptionID, eventID string) (*model.DeliveryRecord, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, sub model.Subscription, eventType string, payload any, eventID string) (*model.DeliveryRecord, error)
}

// Intake:
// - fetches producer events from Kafka,
// - fans each event out to every matching active subscription,
// - skips subscriptions that already hold a record for the event ID.
type Intake struct {
	// Dependencies
	Source     MessageSource
	Candidates CandidateLister
	Dedup      EventIDLookup
	Deliver    Deliverer
	Log        *zap.Logger

	// Behavior
	Workers int // number of goroutines processing messages
}

func NewIntake(src MessageSource, cands CandidateLister, dedup EventIDLookup, d Deliverer, log *zap.Logger) *Intake {
	if log == nil {
		log = zap.NewNop()
	}
	return &Intake{
		Source:     src,
		Candidates: cands,
		Dedup:      dedup,
		Deliver:    d,
		Log:        log,
		Workers:    16,
	}
}

// Run starts the intake and blocks until ctx is cancelled and in-flight
// events are finished.
func (w *Intake) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}

	msgCh := make(chan kafka.Message, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{}, w.Workers)
	for i := 0; i < w.Workers; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			for m := range msgCh {
				w.processOne(ctx, id, m)
			}
		}(i)
	}
	for i := 0; i < w.Workers; i++ {
		<-done
	}
	return nil
}

// processOne parses the envelope, fans out, and always commits: delivery
// failures live in the ledger and poison messages are skipped.
func (w *Intake) processOne(ctx context.Context, workerID int, m kafka.Message) {
	defer func() {
		if err := w.Source.Commit(context.WithoutCancel(ctx), m); err != nil {
			w.Log.Error("kafka commit failed", zap.Int("worker_id", workerID), zap.Error(err))
		}
	}()

	var ev model.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		w.Log.Warn("bad event json", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	if ev.ID == "" || !model.ValidEventType(ev.Type) {
		w.Log.Warn("event missing id or type", zap.Int64("offset", m.Offset), zap.String("event_type", ev.Type))
		return
	}
	w.Fanout(ctx, ev)
}

// Fanout delivers ev to each candidate independently and returns how many
// deliveries were started.
func (w *Intake) Fanout(ctx context.Context, ev model.Event) int {
	log := w.Log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	subs, err := w.Candidates.ListCandidatesForAccount(ctx, ev.AccountID, ev.Type)
	if err != nil {
		log.Error("list candidates failed", zap.Error(err))
		return 0
	}

	payload := ev.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	started := 0
	for _, sub := range subs {
		existing, err := w.Dedup.FindByEventID(ctx, sub.ID, ev.ID)
		if err != nil {
			log.Error("dedup lookup failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if existing != nil {
			log.Debug("event already dispatched", zap.String("subscription_id", sub.ID), zap.String("delivery_id", existing.ID))
			continue
		}

		rec, err := w.Deliver.Deliver(ctx, sub, ev.Type, payload, ev.ID)
		switch {
		case errors.Is(err, dispatcher.ErrSubscriptionInactive), errors.Is(err, dispatcher.ErrEventNotSubscribed):
			log.Debug("subscription no longer eligible", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		case err != nil && rec == nil:
			log.Error("deliver failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		case err != nil:
			log.Error("delivery bookkeeping failed", zap.String("subscription_id", sub.ID), zap.String("delivery_id", rec.ID), zap.Error(err))
		}
		started++
	}
	return started
}
