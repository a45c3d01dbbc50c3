package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func immediateTimeAfter(time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func TestSchedule(t *testing.T) {
	b := New(time.Second, 30*time.Second, false)
	b.Clock.After = immediateTimeAfter
	ctx := context.Background()

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.NextPeriod(), "retry %d", i)
		assert.True(t, b.Backoff(ctx))
	}
}

func TestBackoffCancel(t *testing.T) {
	b := New(time.Second, 30*time.Second, false)
	b.Clock.After = func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Backoff(ctx), "backoff must observe cancellation")
}

func TestGracePeriodResetsSchedule(t *testing.T) {
	currentTime := time.Now()
	b := New(time.Second, 30*time.Second, false)
	b.Clock.Now = func() time.Time { return currentTime }
	b.Clock.After = immediateTimeAfter
	ctx := context.Background()

	assert.True(t, b.Backoff(ctx))
	assert.True(t, b.Backoff(ctx))
	assert.Equal(t, 4*time.Second, b.NextPeriod())

	b.SetGracePeriod()
	currentTime = currentTime.Add(time.Hour)
	assert.True(t, b.Backoff(ctx))
	// The reset applied before the wait above consumed a retry.
	assert.Equal(t, 1, b.Retries())
	assert.Equal(t, 2*time.Second, b.NextPeriod())
}

func TestJitterStaysWithinPeriod(t *testing.T) {
	b := New(time.Second, 30*time.Second, true)
	var waited time.Duration
	b.Clock.After = func(d time.Duration) <-chan time.Time {
		waited = d
		return immediateTimeAfter(d)
	}
	assert.True(t, b.Backoff(context.Background()))
	assert.GreaterOrEqual(t, waited, 500*time.Millisecond)
	assert.LessOrEqual(t, waited, time.Second)
}

func TestResetNow(t *testing.T) {
	b := New(time.Second, 30*time.Second, false)
	b.Clock.After = immediateTimeAfter
	ctx := context.Background()
	b.Backoff(ctx)
	b.Backoff(ctx)
	b.ResetNow()
	assert.Equal(t, time.Second, b.NextPeriod())
	assert.Equal(t, 0, b.Retries())
}
