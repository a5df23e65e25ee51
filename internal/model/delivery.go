package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const MaxErrorMessageLen = 1000

// DeliveryRecord tracks one event's attempt sequence to one subscription.
// The same row is mutated across retries until it reaches a final status.
type DeliveryRecord struct {
	ID              string         `db:"id"               json:"id"`
	SubscriptionID  string         `db:"subscription_id"  json:"subscription_id"`
	EventType       string         `db:"event_type"       json:"event_type"`
	EventID         string         `db:"event_id"         json:"event_id"`
	Payload         []byte         `db:"payload"          json:"-"`
	PayloadHash     string         `db:"payload_hash"     json:"payload_hash"`
	Status          DeliveryStatus `db:"status"           json:"status"`
	AttemptNumber   int            `db:"attempt_number"   json:"attempt_number"`
	RetryCount      int            `db:"retry_count"      json:"retry_count"`
	ResponseStatus  *int           `db:"response_status"  json:"response_status,omitempty"`
	ResponseBody    string         `db:"response_body"    json:"response_body,omitempty"`
	ResponseHeaders Headers        `db:"response_headers" json:"response_headers,omitempty"`
	ErrorType       ErrorType      `db:"error_type"       json:"error_type,omitempty"`
	ErrorMessage    string         `db:"error_message"    json:"error_message,omitempty"`
	DurationMs      int64          `db:"duration_ms"      json:"duration_ms"`
	StartedAt       time.Time      `db:"started_at"       json:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"     json:"completed_at,omitempty"`
	NextRetryAt     *time.Time     `db:"next_retry_at"    json:"next_retry_at,omitempty"`
	LeaseOwner      *string        `db:"lease_owner"      json:"-"`
	LeaseUntil      *time.Time     `db:"lease_until"      json:"-"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
}

// HashPayload returns the hex SHA-256 of the serialized body.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Transition moves the record along the state machine. Leaving the
// retrying state always clears NextRetryAt; entering it requires one.
func (d *DeliveryRecord) Transition(to DeliveryStatus) error {
	if !d.Status.CanTransition(to) {
		return transitionError(d.Status, to)
	}
	d.Status = to
	if to != StatusRetrying {
		d.NextRetryAt = nil
	}
	return nil
}

// ScheduleRetry moves the record to retrying with the given due time.
func (d *DeliveryRecord) ScheduleRetry(at time.Time) error {
	if err := d.Transition(StatusRetrying); err != nil {
		return err
	}
	at = at.UTC()
	d.NextRetryAt = &at
	d.RetryCount++
	return nil
}

func (d *DeliveryRecord) SetError(kind ErrorType, msg string) {
	d.ErrorType = kind
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	d.ErrorMessage = msg
}

func (d *DeliveryRecord) ClearResponse() {
	d.ResponseStatus = nil
	d.ResponseBody = ""
	d.ResponseHeaders = nil
	d.ErrorType = ErrorTypeNone
	d.ErrorMessage = ""
	d.DurationMs = 0
	d.CompletedAt = nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (d DeliveryRecord) Clone() DeliveryRecord {
	c := d
	c.Payload = append([]byte(nil), d.Payload...)
	c.ResponseHeaders = d.ResponseHeaders.Clone()
	c.ResponseStatus = clonePtr(d.ResponseStatus)
	c.CompletedAt = clonePtr(d.CompletedAt)
	c.NextRetryAt = clonePtr(d.NextRetryAt)
	c.LeaseOwner = clonePtr(d.LeaseOwner)
	c.LeaseUntil = clonePtr(d.LeaseUntil)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
