package outbox

import (
	"math"
	"math/rand"
	"time"
)

// DelayFunc is a function that returns the delay before a given attempt is retried.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that returns a fixed delay for all attempts.
func Fixed(delay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay on every attempt,
// capped at maxDelay. The delay for attempt n is base * 2^n.
//
// For example, with a base of 200 milliseconds and a cap of 1 hour the
// sequence is 200ms, 400ms, 800ms, 1.6s, ... saturating at 1h.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		// If delay is already near maximum, no shifts allowed to prevent overflow
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		nextDelay := delay << n
		return min(nextDelay, maxDelay)
	}
}

// FullJitter wraps fn so each delay is drawn uniformly from [0, fn(attempt)).
// Jitter spreads the reclaim times of records failed by the same broker outage
// across dispatcher instances instead of waking them all at once.
func FullJitter(fn DelayFunc) DelayFunc {
	return func(attempt int) time.Duration {
		delay := fn(attempt)
		if delay <= 0 {
			return 0
		}

		return time.Duration(rand.Int63n(int64(delay)))
	}
}
