package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/util"
)

const (
	DefaultTopic = "webhook.events"
	Aggregate    = "webhook_event"
)

var ErrInvalidEvent = errors.New("invalid event")

// Service writes producer events into the outbox. Debezium relays them to
// Kafka, where the intake worker fans them out to subscriptions.
type Service struct {
	outbox repository.OutboxRepository
	topic  string
	now    func() time.Time
}

func New(outbox repository.OutboxRepository, topic string) *Service {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Service{outbox: outbox, topic: topic, now: time.Now}
}

// Publish validates and enqueues one event for accountID. An empty eventID
// gets a generated ULID. data must be valid JSON; empty means null.
func (s *Service) Publish(ctx context.Context, accountID int64, eventType, eventID string, data json.RawMessage) (model.Event, error) {
	if !model.ValidEventType(eventType) {
		return model.Event{}, fmt.Errorf("%w: type %q is not a dot-namespaced event type", ErrInvalidEvent, eventType)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return model.Event{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidEvent)
	}
	if eventID == "" {
		eventID = util.NewID()
	}

	ev := model.Event{
		ID:        eventID,
		AccountID: accountID,
		Type:      eventType,
		CreatedAt: s.now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal event: %w", err)
	}

	row := &model.OutboxEvent{
		Aggregate:   Aggregate,
		AggregateID: ev.ID,
		Topic:       s.topic,
		Payload:     payload,
		CreatedAt:   ev.CreatedAt,
	}
	if err := s.outbox.Insert(ctx, nil, row); err != nil {
		return model.Event{}, fmt.Errorf("insert outbox: %w", err)
	}
	metrics.EventsPublished.Inc()
	return ev, nil
}
