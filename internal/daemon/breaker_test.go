package daemon

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 1, time.Minute)

	b.Failure()
	b.Failure()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after 2 failures = %s, want closed", got)
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow calls")
	}

	b.Failure()
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker should reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 1, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %s, want closed after non-consecutive failures", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(1, 2, 30*time.Second)
	b.SetClock(func() time.Time { return clock })

	b.Failure()
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("should reject before recovery timeout")
	}

	clock = clock.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("should allow a probe after recovery timeout")
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}

	b.Success()
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state after 1 probe success = %s, want half-open", got)
	}
	b.Success()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after 2 probe successes = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(1, 2, 30*time.Second)
	b.SetClock(func() time.Time { return clock })

	b.Failure()
	clock = clock.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}

	b.Failure()
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %s, want open after failed probe", got)
	}
	if b.Allow() {
		t.Fatal("freshly reopened breaker should reject calls")
	}
}
