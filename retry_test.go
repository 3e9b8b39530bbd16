package outbox

import (
	"testing"
	"time"
)

func TestRetryPolicyNextDelayMonotonic(t *testing.T) {
	// The un-jittered schedule must never shrink between consecutive attempts.
	policy := RetryPolicy{
		Delay:       Exponential(200*time.Millisecond, time.Hour),
		MaxAttempts: 25,
	}

	prev := time.Duration(-1)
	for attempt := int32(0); attempt < 40; attempt++ {
		d := policy.NextDelay(attempt)
		if d < prev {
			t.Fatalf("delay shrank from %v to %v at attempt %d", prev, d, attempt)
		}
		prev = d
	}

	if prev != time.Hour {
		t.Errorf("expected schedule to saturate at 1h, got %v", prev)
	}
}

func TestRetryPolicyShouldGiveUp(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5}

	if policy.ShouldGiveUp(4) {
		t.Error("should not give up below the limit")
	}
	if !policy.ShouldGiveUp(5) {
		t.Error("should give up exactly at the limit")
	}
	if !policy.ShouldGiveUp(6) {
		t.Error("should give up above the limit")
	}
}

func TestRetryPolicyNoLimitNeverGivesUp(t *testing.T) {
	for _, maxAttempts := range []int32{0, -1} {
		policy := RetryPolicy{MaxAttempts: maxAttempts}
		if policy.ShouldGiveUp(1 << 30) {
			t.Errorf("MaxAttempts=%d should never give up", maxAttempts)
		}
	}
}

func TestRetryPolicyNilDelayFallsBack(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 25}

	d := policy.NextDelay(3)
	if d < 0 || d >= time.Hour {
		t.Errorf("fallback delay %v out of expected jittered range", d)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.MaxAttempts != 25 {
		t.Errorf("expected 25 max attempts, got %d", policy.MaxAttempts)
	}
	if policy.Delay == nil {
		t.Fatal("expected a delay function")
	}
	// Jittered exponential with 200ms base: attempt 2 draws from [0, 800ms).
	if d := policy.NextDelay(2); d < 0 || d >= 800*time.Millisecond {
		t.Errorf("delay %v out of [0, 800ms)", d)
	}
}
