package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.Delay)
	assert.Equal(t, "exponential", p.Backoff)
	assert.Equal(t, 10*time.Minute, p.MaxDelay)
}

func TestNextDelay_Exponential(t *testing.T) {
	p := RetryPolicy{Delay: 30 * time.Second, Backoff: "exponential", MaxDelay: 10 * time.Minute}

	assert.Equal(t, 30*time.Second, p.NextDelay(1))
	assert.Equal(t, 60*time.Second, p.NextDelay(2))
	assert.Equal(t, 120*time.Second, p.NextDelay(3))
	assert.Equal(t, 240*time.Second, p.NextDelay(4))
}

func TestNextDelay_ExponentialCapped(t *testing.T) {
	p := RetryPolicy{Delay: 30 * time.Second, Backoff: "exponential", MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, p.NextDelay(3))
	assert.Equal(t, time.Minute, p.NextDelay(10))
}

func TestNextDelay_Linear(t *testing.T) {
	p := RetryPolicy{Delay: 10 * time.Second, Backoff: "linear"}
	assert.Equal(t, 10*time.Second, p.NextDelay(1))
	assert.Equal(t, 30*time.Second, p.NextDelay(3))
}

func TestNextDelay_Constant(t *testing.T) {
	p := RetryPolicy{Delay: 15 * time.Second, Backoff: "constant"}
	assert.Equal(t, 15*time.Second, p.NextDelay(1))
	assert.Equal(t, 15*time.Second, p.NextDelay(5))
}

func TestNextDelay_MonotonicNonDecreasing(t *testing.T) {
	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextDelay_ZeroBaseDelay(t *testing.T) {
	p := RetryPolicy{Backoff: "exponential"}
	assert.Equal(t, time.Duration(0), p.NextDelay(1))
}

func TestNextDelay_AttemptFloor(t *testing.T) {
	p := RetryPolicy{Delay: 30 * time.Second, Backoff: "exponential"}
	assert.Equal(t, 30*time.Second, p.NextDelay(0))
	assert.Equal(t, 30*time.Second, p.NextDelay(-3))
}
