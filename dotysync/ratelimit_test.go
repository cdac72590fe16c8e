package dotysync

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	t time.Time
}

func newLimiterWithClock(limit int, period time.Duration) (*slidingLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newSlidingLimiter(limit, period)
	l.now = func() time.Time { return clock.t }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		clock.t = clock.t.Add(d)
		return nil
	}
	return l, clock
}

func TestLimiterAdmitsUpToBudget(t *testing.T) {
	l, _ := newLimiterWithClock(5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Admit(ctx, 0); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		l.Record()
	}

	err := l.Admit(ctx, 0)
	rateErr, ok := err.(*RateLimitError)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfter <= 0 || rateErr.RetryAfter > time.Minute {
		t.Fatalf("retry hint out of range: %v", rateErr.RetryAfter)
	}
}

func TestLimiterWaitsWithinBudget(t *testing.T) {
	l, clock := newLimiterWithClock(2, time.Minute)
	ctx := context.Background()

	start := clock.t
	for i := 0; i < 2; i++ {
		if err := l.Admit(ctx, 0); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		l.Record()
	}

	// third request must wait a full window, which fits the wait budget
	if err := l.Admit(ctx, 2*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited := clock.t.Sub(start); waited < time.Minute {
		t.Fatalf("expected the clock to advance past the window, waited %v", waited)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clock := newLimiterWithClock(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Admit(ctx, 0); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		l.Record()
	}
	clock.t = clock.t.Add(61 * time.Second)

	if err := l.Admit(ctx, 0); err != nil {
		t.Fatalf("expected admission after the window slid, got %v", err)
	}
}

func TestLimiterHonorsRetryAfter(t *testing.T) {
	l, clock := newLimiterWithClock(100, time.Minute)
	ctx := context.Background()

	l.ObserveRetryAfter(30 * time.Second)
	err := l.Admit(ctx, time.Second)
	if _, ok := err.(*RateLimitError); !ok {
		t.Fatalf("expected RateLimitError during backoff, got %v", err)
	}

	clock.t = clock.t.Add(31 * time.Second)
	if err := l.Admit(ctx, 0); err != nil {
		t.Fatalf("expected admission after backoff, got %v", err)
	}
}

func TestLimiterHonorsServerRemaining(t *testing.T) {
	l, clock := newLimiterWithClock(100, time.Minute)
	ctx := context.Background()

	l.ObserveHeaders(0, clock.t.Add(20*time.Second))
	err := l.Admit(ctx, time.Second)
	if _, ok := err.(*RateLimitError); !ok {
		t.Fatalf("expected RateLimitError while server reports zero remaining, got %v", err)
	}

	clock.t = clock.t.Add(21 * time.Second)
	if err := l.Admit(ctx, 0); err != nil {
		t.Fatalf("expected admission after server reset, got %v", err)
	}
}

func TestLimiterRegistrySharesPerConfig(t *testing.T) {
	a := limiters.get(9001, 10, time.Minute)
	b := limiters.get(9001, 10, time.Minute)
	if a != b {
		t.Fatal("expected the same limiter instance for one config")
	}
	c := limiters.get(9002, 10, time.Minute)
	if a == c {
		t.Fatal("expected distinct limiters for distinct configs")
	}
}
