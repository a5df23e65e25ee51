package model

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid delivery status transition")

type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSuccess  DeliveryStatus = "success"
	StatusFailed   DeliveryStatus = "failed"
	StatusRetrying DeliveryStatus = "retrying"
)

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusRetrying:
		return true
	default:
		return false
	}
}

// IsFinal reports whether no further attempts will be made.
func (s DeliveryStatus) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// transitions lists every legal edge of the delivery state machine.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:  {StatusSuccess, StatusFailed, StatusRetrying},
	StatusRetrying: {StatusSuccess, StatusFailed, StatusRetrying},
}

func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type ErrorType string

const (
	ErrorTypeNone            ErrorType = ""
	ErrorTypeHTTP            ErrorType = "http_error"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeConnection      ErrorType = "connection_error"
	ErrorTypeWebhookInactive ErrorType = "webhook_inactive"
	ErrorTypeUnknown         ErrorType = "unknown_error"
)

func (e ErrorType) String() string {
	return string(e)
}

func transitionError(from, to DeliveryStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
