package model

import "time"

// CounterDelta is the increment applied to a subscription's statistics when
// one attempt is committed. Attempt fields move on every HTTP call; the
// delivery fields only move when the attempt sequence terminates.
type CounterDelta struct {
	Attempts       int64
	FailedAttempts int64
	Deliveries     int64
	Successes      int64
	Failures       int64

	// At stamps last_success_at or last_failure_at depending on
	// AttemptSucceeded, and last_delivery_at when an HTTP call was made.
	// A zero At leaves timestamps untouched.
	At               time.Time
	AttemptSucceeded bool
}

func (d CounterDelta) IsZero() bool {
	return d.Attempts == 0 && d.FailedAttempts == 0 && d.Deliveries == 0 &&
		d.Successes == 0 && d.Failures == 0 && d.At.IsZero()
}

// DeltaFor derives the counter movement for a record that has just been
// brought to its post-attempt status. httpCalled is false when the attempt
// terminated without reaching the network (e.g. webhook_inactive).
func DeltaFor(rec DeliveryRecord, httpCalled bool, at time.Time) CounterDelta {
	d := CounterDelta{At: at.UTC()}
	succeeded := rec.Status == StatusSuccess
	if httpCalled {
		d.Attempts = 1
		if !succeeded {
			d.FailedAttempts = 1
		}
		d.AttemptSucceeded = succeeded
	}
	if rec.Status.IsFinal() {
		d.Deliveries = 1
		if succeeded {
			d.Successes = 1
		} else {
			d.Failures = 1
		}
	}
	return d
}

// Apply adds the delta to an in-memory subscription.
func (s *Subscription) Apply(d CounterDelta) {
	s.TotalAttempts += d.Attempts
	s.FailedAttempts += d.FailedAttempts
	s.TotalDeliveries += d.Deliveries
	s.SuccessCount += d.Successes
	s.FailureCount += d.Failures
	if d.At.IsZero() {
		return
	}
	at := d.At
	if d.Attempts > 0 {
		s.LastDeliveryAt = &at
	}
	if d.AttemptSucceeded {
		s.LastSuccessAt = &at
	} else {
		s.LastFailureAt = &at
	}
}
