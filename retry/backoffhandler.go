// Package retry implements capped exponential backoff for reconnect loops.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBaseTime time.Duration = time.Second
	DefaultMaxTime  time.Duration = 30 * time.Second
)

// Clock wraps the time functions so tests can drive the handler without
// sleeping.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// BackoffHandler produces the wait schedule base·2^(n-1), capped at a
// maximum period. A grace period set after a successful connection resets
// the retry count once the connection has held long enough.
type BackoffHandler struct {
	baseTime time.Duration
	maxTime  time.Duration
	// jitter spreads each wait uniformly over [period/2, period) so that a
	// fleet of agents does not reconnect in lockstep.
	jitter bool

	retries       uint
	resetDeadline time.Time

	Clock Clock
}

// New builds a handler that retries forever on the capped schedule.
func New(baseTime, maxTime time.Duration, jitter bool) *BackoffHandler {
	if baseTime <= 0 {
		baseTime = DefaultBaseTime
	}
	if maxTime <= 0 {
		maxTime = DefaultMaxTime
	}
	return &BackoffHandler{
		baseTime: baseTime,
		maxTime:  maxTime,
		jitter:   jitter,
		Clock:    Clock{Now: time.Now, After: time.After},
	}
}

// NextPeriod returns the wait for the upcoming retry without consuming it.
func (b *BackoffHandler) NextPeriod() time.Duration {
	period := b.baseTime
	for i := uint(0); i < b.retries; i++ {
		period *= 2
		if period >= b.maxTime {
			return b.maxTime
		}
	}
	return period
}

// Backoff waits for the next period in the schedule. It returns false only
// when ctx is cancelled; the schedule itself never gives up.
func (b *BackoffHandler) Backoff(ctx context.Context) bool {
	if !b.resetDeadline.IsZero() && b.Clock.Now().After(b.resetDeadline) {
		b.retries = 0
		b.resetDeadline = time.Time{}
	}
	period := b.NextPeriod()
	b.retries++
	if b.jitter {
		// #nosec G404 -- jitter does not need cryptographic randomness
		period = period/2 + time.Duration(rand.Int63n(int64(period/2)+1))
	}
	select {
	case <-b.Clock.After(period):
		return true
	case <-ctx.Done():
		return false
	}
}

// SetGracePeriod arms a reset: if no further backoff is requested before
// twice the next period elapses, the retry count starts over.
func (b *BackoffHandler) SetGracePeriod() {
	b.resetDeadline = b.Clock.Now().Add(2 * b.NextPeriod())
}

// Retries returns the number of waits consumed since the last reset.
func (b *BackoffHandler) Retries() int {
	return int(b.retries)
}

// ResetNow clears the schedule immediately.
func (b *BackoffHandler) ResetNow() {
	b.retries = 0
	b.resetDeadline = time.Time{}
}
