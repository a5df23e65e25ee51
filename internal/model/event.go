package model

import (
	"encoding/json"
	"time"
)

// Event is the envelope producers publish to Kafka (via the Debezium outbox SMT).
// ID doubles as the eventID of every delivery fanned out from it.
type Event struct {
	ID        string          `json:"id"`         // event ULID
	AccountID int64           `json:"account_id"` // owner whose subscriptions receive it
	Type      string          `json:"type"`       // e.g. invoice.paid
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}
