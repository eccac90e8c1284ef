// Package resilience implements the backpressure primitives the purpose
// statement calls out — "backpressure against external APIs" — adapted from
// the reference libs/go/core/resilience package. Unlike the reference, these
// types never reach for a global meter provider (otel.GetMeterProvider()):
// per the design notes' stance against package-level singletons, a caller
// constructor-injects the counters it wants updated (typically the same
// observability.Metrics already threaded through manager/dag/trigger).
package resilience

import (
	"math"
	"sync"
	"time"
)

// CircuitBreaker is an adaptive circuit breaker that opens based on failure
// rate over a rolling window and supports half-open probes, kept from the
// reference almost verbatim since the algorithm is domain-independent.
// Intended use in this core: wrap a Handler (via Guard) for a task_type that
// calls an external, rate-limited data source, so a source outage trips the
// breaker instead of every in-flight task exhausting its own retry budget
// against a source that is already down.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	onOpen  func()
	onClose func()

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// BreakerOptions configures a CircuitBreaker.
type BreakerOptions struct {
	WindowSize        time.Duration
	Buckets           int
	MinSamples        int
	FailureRateOpen   float64
	HalfOpenAfter     time.Duration
	MaxHalfOpenProbes int
	Adaptive          bool
	// OnOpen/OnClose, if set, are called on each state transition so a
	// caller can record a metric (e.g. observability.Metrics.CircuitOpens)
	// without this package depending on any particular metrics backend.
	OnOpen  func()
	OnClose func()
}

// NewCircuitBreaker constructs a breaker using a rolling window of the given
// size divided into Buckets resolution buckets.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	if opts.Buckets <= 0 {
		opts.Buckets = 1
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = time.Minute
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.HalfOpenAfter <= 0 {
		opts.HalfOpenAfter = 30 * time.Second
	}
	if opts.MaxHalfOpenProbes <= 0 {
		opts.MaxHalfOpenProbes = 1
	}
	rate := math.Min(math.Max(opts.FailureRateOpen, 0), 1)
	if rate == 0 {
		rate = 0.5
	}
	return &CircuitBreaker{
		minSamples:        opts.MinSamples,
		failureRateOpen:   rate,
		halfOpenAfter:     opts.HalfOpenAfter,
		maxHalfOpenProbes: opts.MaxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(opts.WindowSize, opts.Buckets),
		adaptive:          opts.Adaptive,
		minAdaptiveOpen:   math.Min(math.Max(rate*0.5, 0.05), rate),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(rate*1.5, rate)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  rate,
		onOpen:            opts.OnOpen,
		onClose:           opts.OnClose,
	}
}

// Allow returns whether a call is permitted right now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a success or failure outcome, the caller-side half of
// Allow(); callers must call this once per Allow()==true invocation.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
		// Allow() handles the half-open timing transition.
	}
}

// State reports the breaker's current state as a string, for observability.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	if c.onClose != nil {
		c.onClose()
	}
}

// slidingWindow implements fixed-size time buckets storing success/failure
// counts, kept verbatim from the reference as a generically useful
// technique independent of what it counts.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct {
	success, fail int
	epoch         int64 // interval number the counts belong to
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	epoch := now.UnixNano() / w.interval.Nanoseconds()
	if w.data[idx].epoch != epoch {
		w.data[idx] = bucket{epoch: epoch}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
