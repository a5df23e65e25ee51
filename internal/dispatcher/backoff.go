package dispatcher

import (
	"math"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

const (
	maxBackoffShift = 20
	maxBackoff      = time.Duration(math.MaxInt64)
)

// Backoff is base * 2^retryCount, with retryCount 0-indexed. Results that
// would overflow saturate at maxBackoff.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	if base > maxBackoff>>uint(retryCount) {
		return maxBackoff
	}
	return base << uint(retryCount)
}

// ConsiderRetry runs after a failed attempt. It either terminates the record
// as failed once retries are exhausted, or schedules the next attempt.
func ConsiderRetry(rec *model.DeliveryRecord, sub model.Subscription, now time.Time) error {
	if rec.RetryCount >= sub.MaxRetries {
		return rec.Transition(model.StatusFailed)
	}
	base := time.Duration(sub.RetryBaseDelaySeconds) * time.Second
	return rec.ScheduleRetry(now.Add(Backoff(base, rec.RetryCount)))
}
