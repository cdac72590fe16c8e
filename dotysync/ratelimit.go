package dotysync

import (
	"context"
	"sync"
	"time"
)

// slidingLimiter admits requests under the provider's per-cloud quota
// (150 requests per 30 minutes by default). It tracks its own send
// timestamps in a sliding window and additionally honors the provider's
// X-RateLimit-* headers and Retry-After, whichever is more conservative.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  int
	period time.Duration

	sent []time.Time

	// provider-reported state, -1 remaining means unknown
	serverRemaining int
	serverResetAt   time.Time
	retryAfterUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSlidingLimiter(limit int, period time.Duration) *slidingLimiter {
	if limit <= 0 {
		limit = 150
	}
	if period <= 0 {
		period = 30 * time.Minute
	}
	return &slidingLimiter{
		limit:           limit,
		period:          period,
		serverRemaining: -1,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextDelay returns how long the caller must wait before sending, zero when
// a request can go out now. Caller must hold mu.
func (l *slidingLimiter) nextDelay(now time.Time) time.Duration {
	var delay time.Duration
	if now.Before(l.retryAfterUntil) {
		delay = l.retryAfterUntil.Sub(now)
	}

	// drop timestamps that slid out of the window
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}

	if len(l.sent) >= l.limit {
		d := l.sent[len(l.sent)-l.limit].Add(l.period).Sub(now)
		if d > delay {
			delay = d
		}
	}

	if l.serverRemaining == 0 && now.Before(l.serverResetAt) {
		if d := l.serverResetAt.Sub(now); d > delay {
			delay = d
		}
	}
	return delay
}

// Admit blocks until a request may be sent, up to maxWait. A longer required
// wait returns a RateLimitError with the retry hint instead of blocking.
func (l *slidingLimiter) Admit(ctx context.Context, maxWait time.Duration) error {
	for {
		l.mu.Lock()
		delay := l.nextDelay(l.now())
		if delay <= 0 {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if delay > maxWait {
			return &RateLimitError{RetryAfter: delay}
		}
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
		maxWait -= delay
	}
}

// Record counts one sent request against the window.
func (l *slidingLimiter) Record() {
	l.mu.Lock()
	l.sent = append(l.sent, l.now())
	if l.serverRemaining > 0 {
		l.serverRemaining--
	}
	l.mu.Unlock()
}

// ObserveHeaders feeds back the provider's rate limit headers after a
// response. Pass remaining=-1 when the header was absent.
func (l *slidingLimiter) ObserveHeaders(remaining int, resetAt time.Time) {
	if remaining < 0 {
		return
	}
	l.mu.Lock()
	l.serverRemaining = remaining
	l.serverResetAt = resetAt
	l.mu.Unlock()
}

// ObserveRetryAfter defers all sends until the provider's 429 backoff
// elapses.
func (l *slidingLimiter) ObserveRetryAfter(d time.Duration) {
	l.mu.Lock()
	until := l.now().Add(d)
	if until.After(l.retryAfterUntil) {
		l.retryAfterUntil = until
	}
	l.mu.Unlock()
}

// limiterRegistry hands out one limiter per config so concurrent workers for
// the same cloud share a single quota window.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[uint]*slidingLimiter
}

var limiters = &limiterRegistry{limiters: map[uint]*slidingLimiter{}}

func (r *limiterRegistry) get(configId uint, limit int, period time.Duration) *slidingLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[configId]; ok {
		return l
	}
	l := newSlidingLimiter(limit, period)
	r.limiters[configId] = l
	return l
}
