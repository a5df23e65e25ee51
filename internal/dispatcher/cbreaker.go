package dispatcher

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// MicroBreaker tracks consecutive transport failures for one target host.
// After failThreshold failures it opens for openFor, then lets a single
// probe through.
type MicroBreaker struct {
	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
	now              func() time.Time
}

func NewMicroBreaker(threshold int, openFor time.Duration, now func() time.Time) *MicroBreaker {
	if now == nil {
		now = time.Now
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor, now: now}
}

// TryAcquire reports whether an attempt may go out now. In the open state
// the first caller past nextTryAt becomes the half-open probe, flagged by
// probe.
func (b *MicroBreaker) TryAcquire() (ok, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true, true
		}
		return false, false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true, true
		}
		return false, false
	default:
		return true, false
	}
}

// RetryAt is the earliest time a blocked caller should come back.
func (b *MicroBreaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == closed || b.now().After(b.nextTryAt) {
		return b.now()
	}
	return b.nextTryAt
}

// ignoreLocked reports whether an outcome must not move the state. Once the
// breaker left closed only the probe holder decides.
func (b *MicroBreaker) ignoreLocked(probe bool) bool {
	return b.st != closed && !probe
}

func (b *MicroBreaker) OnSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ignoreLocked(probe) {
		return
	}
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
}

func (b *MicroBreaker) OnFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ignoreLocked(probe) {
		return
	}
	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
	}
}

// Release frees the probe slot without judging host health.
func (b *MicroBreaker) Release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// BreakerSet lazily keeps one MicroBreaker per target host.
type BreakerSet struct {
	mu            sync.Mutex
	breakers      map[string]*MicroBreaker
	failThreshold int
	openFor       time.Duration
	now           func() time.Time
}

func NewBreakerSet(failThreshold int, openFor time.Duration, now func() time.Time) *BreakerSet {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &BreakerSet{
		breakers:      make(map[string]*MicroBreaker),
		failThreshold: failThreshold,
		openFor:       openFor,
		now:           now,
	}
}

func (s *BreakerSet) get(host string) *MicroBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[host]
	if !ok {
		b = NewMicroBreaker(s.failThreshold, s.openFor, s.now)
		s.breakers[host] = b
	}
	return b
}

// Acquire reports whether host may be called. probe is set when the caller
// holds the half-open trial and must pass it back to Report. When blocked,
// retryAt is when the caller should come back.
func (s *BreakerSet) Acquire(host string) (ok, probe bool, retryAt time.Time) {
	b := s.get(host)
	if ok, probe := b.TryAcquire(); ok {
		return true, probe, time.Time{}
	}
	return false, false, b.RetryAt()
}

// Report feeds one attempt's transport health back to the host's breaker.
// probe must be what Acquire returned for this attempt, or false when the
// attempt never acquired.
func (s *BreakerSet) Report(host string, o Outcome, probe bool) {
	b := s.get(host)
	switch {
	case o.HostHealthy():
		b.OnSuccess(probe)
	case o.HostUnhealthy():
		b.OnFailure(probe)
	default:
		b.Release(probe)
	}
}
