package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketTryAcquire(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 1)

	if !tb.TryAcquire(1) {
		t.Fatal("expected first acquire to succeed")
	}
	if !tb.TryAcquire(1) {
		t.Fatal("expected second acquire to succeed (capacity 2)")
	}
	if tb.TryAcquire(1) {
		t.Fatal("expected third acquire to fail, bucket should be empty")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()
	fakeNow := time.Now()
	tb := NewTokenBucket(1, 10) // 10 tokens/sec
	tb.now = func() time.Time { return fakeNow }

	if !tb.TryAcquire(1) {
		t.Fatal("expected initial acquire to succeed")
	}
	if tb.TryAcquire(1) {
		t.Fatal("expected immediate second acquire to fail")
	}

	fakeNow = fakeNow.Add(200 * time.Millisecond) // +2 tokens at 10/s
	if !tb.TryAcquire(1) {
		t.Fatal("expected acquire to succeed after refill")
	}
}

func TestTokenBucketAwaitTokensRespectsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills within the test
	tb.TryAcquire(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.AwaitTokens(ctx, 1)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSlidingWindowAdmitsUpToMax(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !sw.TryAcquire() {
			t.Fatalf("expected acquire %d to succeed", i)
		}
	}
	if sw.TryAcquire() {
		t.Fatal("expected 4th acquire within window to fail")
	}
}

func TestSlidingWindowEvictsStale(t *testing.T) {
	t.Parallel()
	fakeNow := time.Now()
	sw := NewSlidingWindow(1, 50*time.Millisecond)
	sw.now = func() time.Time { return fakeNow }

	if !sw.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if sw.TryAcquire() {
		t.Fatal("expected second acquire within window to fail")
	}

	fakeNow = fakeNow.Add(60 * time.Millisecond)
	if !sw.TryAcquire() {
		t.Fatal("expected acquire to succeed after window elapsed")
	}
}
