package resilience

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is a token bucket with a secondary sliding-window cap for
// fairness, kept from the reference implementation: refill happens lazily
// on each Allow check based on elapsed time, rather than via a background
// goroutine, so a RateLimiter has no lifecycle to start or stop.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64

	onDenied func(reason string)
}

// LimiterOptions configures a RateLimiter.
type LimiterOptions struct {
	Capacity     int64
	FillRate     float64 // tokens per second
	WindowDur    time.Duration
	MaxPerWindow int64
	// OnDenied, if set, is called whenever Allow/AllowN refuses a request,
	// with "window" or "tokens" identifying which cap was hit.
	OnDenied func(reason string)
}

// NewRateLimiter constructs a combined token-bucket + sliding-window
// limiter, intended to gate handler invocations against a rate-limited
// external data source (spec §1's "rate-limited external data sources").
func NewRateLimiter(opts LimiterOptions) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:     opts.Capacity,
		fillRate:     opts.FillRate,
		available:    float64(opts.Capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    opts.WindowDur,
		maxPerWindow: opts.MaxPerWindow,
		onDenied:     opts.OnDenied,
	}
}

// Allow attempts to consume a single token.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to consume n tokens, checking the sliding-window cap
// before the token bucket so a caller cannot exceed the hard per-window
// ceiling even during a refill burst.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked(now)

	if r.windowDur > 0 && now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		if r.onDenied != nil {
			r.onDenied("window")
		}
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	if r.onDenied != nil {
		r.onDenied("tokens")
	}
	return false
}

// ReserveAfter returns the duration after which n tokens will be available,
// for a caller that wants to sleep rather than be denied outright.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(now)

	need := float64(n)
	if r.available >= need {
		return 0
	}
	if r.fillRate <= 0 {
		return time.Duration(1<<63 - 1) // effectively never, caller should treat as blocked
	}
	shortfall := need - r.available
	seconds := shortfall / r.fillRate
	return time.Duration(seconds * float64(time.Second))
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	refill := elapsed * r.fillRate
	if refill > 0 {
		r.available = math.Min(float64(r.capacity), r.available+refill)
		r.lastRefill = now
	}
}
