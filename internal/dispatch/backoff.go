// Package dispatch holds the two outbox polling loops: the Event Notifier
// and the Process Starter.
package dispatch

import "time"

// RetryPolicy bounds the Process Starter's delivery attempts.
type RetryPolicy struct {
	// MaxAttempts is how many retries a ProcessStart row gets before it is
	// abandoned and the run is failed.
	MaxAttempts int
	// Delay is the base delay before the first retry.
	Delay time.Duration
	// Backoff selects the schedule: none, constant, linear, or exponential.
	Backoff string
	// MaxDelay caps the computed delay; zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the observed production settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Delay:       30 * time.Second,
		Backoff:     "exponential",
		MaxDelay:    10 * time.Minute,
	}
}

// NextDelay calculates the delay before the given retry attempt (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		// 2^(attempt-1) * base
		multiplier := time.Duration(1)
		for i := 1; i < attempt; i++ {
			multiplier *= 2
		}
		delay = p.Delay * multiplier
	case "linear":
		delay = p.Delay * time.Duration(attempt)
	default: // "constant", "none" or empty
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
