package torgate

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket that refills one token per interval. The
// lifecycle controller uses it to gate SIGNAL NEWNYM, which tor silently
// ignores when sent more often than every ten seconds.
type RateLimiter struct {
	// interval is the time needed to refill one token.
	interval time.Duration
	// burst is the maximum number of tokens held.
	burst int
	// tokens is the current number of available tokens.
	tokens float64
	// lastUpdate is when tokens were last replenished.
	lastUpdate time.Time
	// now returns the current time; replaced in tests.
	now func() time.Time
	mu  sync.Mutex
}

// NewRateLimiter returns a limiter that allows burst requests at once and one
// more per interval. A non-positive interval disables limiting.
func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		interval:   interval,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// NextAllowed returns how long until a token becomes available.
func (r *RateLimiter) NextAllowed() time.Duration {
	if r == nil || r.interval <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - r.tokens) * float64(r.interval))
}

// Interval returns the refill interval.
func (r *RateLimiter) Interval() time.Duration { return r.interval }

// Burst returns the configured burst size.
func (r *RateLimiter) Burst() int { return r.burst }

func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastUpdate)
	r.tokens += float64(elapsed) / float64(r.interval)
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastUpdate = now
}
