package outbox

import "time"

const (
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 1 * time.Hour
	defaultMaxAttempts = 25
)

// RetryPolicy decides the schedule for failed publish attempts.
//
// NextDelay computes the wait before a given attempt number; ShouldGiveUp
// becomes true exactly when the attempt count reaches MaxAttempts. Giving up
// never discards a record: it stops automatic rescheduling and leaves the
// record exhausted, surfaced for operator attention.
type RetryPolicy struct {
	// Delay returns the wait before the given attempt is retried.
	// Nil falls back to jittered exponential backoff with default base and cap.
	Delay DelayFunc

	// MaxAttempts is the attempt count at which the policy gives up.
	// Zero or negative means retry forever.
	MaxAttempts int32
}

// DefaultRetryPolicy returns jittered exponential backoff (200ms base, 1h cap)
// with a limit of 25 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delay:       FullJitter(Exponential(defaultBaseDelay, defaultMaxDelay)),
		MaxAttempts: defaultMaxAttempts,
	}
}

// NextDelay returns the delay before the given attempt number.
func (p RetryPolicy) NextDelay(attempt int32) time.Duration {
	fn := p.Delay
	if fn == nil {
		fn = FullJitter(Exponential(defaultBaseDelay, defaultMaxDelay))
	}

	return fn(int(attempt))
}

// ShouldGiveUp reports whether the policy stops scheduling retries at the
// given attempt count.
func (p RetryPolicy) ShouldGiveUp(attempt int32) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
