package model

import "time"

// OutboxEvent is one row of the Debezium outbox table.
type OutboxEvent struct {
	ID          int64     `db:"id"`
	Aggregate   string    `db:"aggregate"`    // e.g. "webhook_event"
	AggregateID string    `db:"aggregate_id"` // Event.ID, used as the Kafka key
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}
