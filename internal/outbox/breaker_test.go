package outbox

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewCircuitBreaker(3, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatal("expected CLOSED breaker to allow calls")
		}
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected still CLOSED after 2 failures, got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected OPEN after 3rd consecutive failure, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected OPEN breaker to reject calls immediately")
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	fakeNow := time.Now()
	b := NewCircuitBreaker(1, 1, 10*time.Millisecond)
	b.now = func() time.Time { return fakeNow }

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected breaker to allow a probe after recovery timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after probe allowed, got %s", b.State())
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()
	fakeNow := time.Now()
	b := NewCircuitBreaker(1, 2, 10*time.Millisecond)
	b.now = func() time.Time { return fakeNow }

	b.RecordFailure()
	fakeNow = fakeNow.Add(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatalf("expected still HALF_OPEN after 1 success (need 2), got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success threshold met, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	fakeNow := time.Now()
	b := NewCircuitBreaker(1, 2, 10*time.Millisecond)
	b.now = func() time.Time { return fakeNow }

	b.RecordFailure()
	fakeNow = fakeNow.Add(20 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected any HALF_OPEN failure to reopen, got %s", b.State())
	}
}
