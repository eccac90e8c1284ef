package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
)

func TestCircuitBreakerOpensOnThresholdBreach(t *testing.T) {
	var opened, closed int
	cb := NewCircuitBreaker(BreakerOptions{
		MinSamples:      1,
		FailureRateOpen: 0.5,
		HalfOpenAfter:   time.Minute,
		OnOpen:          func() { opened++ },
		OnClose:         func() { closed++ },
	})

	if !cb.Allow() {
		t.Fatalf("expected the first call to be allowed while closed")
	}
	cb.RecordResult(false)

	if cb.State() != "open" {
		t.Fatalf("expected breaker to open after a failing sample at/above the threshold, got %s", cb.State())
	}
	if opened != 1 {
		t.Fatalf("expected OnOpen to fire once, got %d", opened)
	}
	if closed != 0 {
		t.Fatalf("expected OnClose not to fire, got %d", closed)
	}
}

func TestCircuitBreakerBlocksCallsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(BreakerOptions{MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: time.Minute})
	cb.Allow()
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected Allow to refuse calls while OPEN and before HalfOpenAfter elapses")
	}
}

func TestCircuitBreakerHalfOpenProbeCloses(t *testing.T) {
	cb := NewCircuitBreaker(BreakerOptions{
		MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: 5 * time.Millisecond, MaxHalfOpenProbes: 1,
	})
	cb.Allow()
	cb.RecordResult(false)
	if cb.State() != "open" {
		t.Fatalf("expected OPEN after failure, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected a half-open probe to be allowed once HalfOpenAfter has elapsed")
	}
	cb.RecordResult(true)
	if cb.State() != "closed" {
		t.Fatalf("expected a successful half-open probe to close the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerOptions{
		MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: 5 * time.Millisecond, MaxHalfOpenProbes: 1,
	})
	cb.Allow()
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(false)
	if cb.State() != "open" {
		t.Fatalf("expected a failing half-open probe to reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := NewCircuitBreaker(BreakerOptions{
		MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: 5 * time.Millisecond, MaxHalfOpenProbes: 1,
	})
	cb.Allow()
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected the first half-open probe to be allowed")
	}
	if cb.Allow() {
		t.Fatalf("expected a second concurrent half-open probe to be refused")
	}
}

func TestRateLimiterTokenBucketDeniesOnExhaustion(t *testing.T) {
	rl := NewRateLimiter(LimiterOptions{Capacity: 2, FillRate: 0})
	if !rl.Allow() {
		t.Fatalf("expected first token to be available")
	}
	if !rl.Allow() {
		t.Fatalf("expected second token to be available")
	}
	if rl.Allow() {
		t.Fatalf("expected a third immediate call to be denied with no refill")
	}
}

func TestRateLimiterDeniedCallback(t *testing.T) {
	var reason string
	rl := NewRateLimiter(LimiterOptions{Capacity: 1, FillRate: 0, OnDenied: func(r string) { reason = r }})
	rl.Allow()
	rl.Allow()
	if reason != "tokens" {
		t.Fatalf("expected OnDenied(\"tokens\") once the bucket is empty, got %q", reason)
	}
}

func TestRateLimiterWindowCapOverridesTokenAvailability(t *testing.T) {
	var reason string
	rl := NewRateLimiter(LimiterOptions{Capacity: 100, FillRate: 1000, WindowDur: time.Minute, MaxPerWindow: 1, OnDenied: func(r string) { reason = r }})
	if !rl.Allow() {
		t.Fatalf("expected first call within the window cap to succeed")
	}
	if rl.Allow() {
		t.Fatalf("expected second call to be denied by the per-window cap despite token availability")
	}
	if reason != "window" {
		t.Fatalf("expected OnDenied(\"window\"), got %q", reason)
	}
}

func TestRateLimiterReserveAfterReportsWaitForShortfall(t *testing.T) {
	rl := NewRateLimiter(LimiterOptions{Capacity: 1, FillRate: 1})
	rl.Allow()
	d := rl.ReserveAfter(1)
	if d <= 0 {
		t.Fatalf("expected a positive wait once the bucket is exhausted, got %v", d)
	}
	if d > 2*time.Second {
		t.Fatalf("expected roughly a 1-second wait at fill_rate=1, got %v", d)
	}
}

func TestGuardBlocksOnOpenCircuitWithoutInvokingHandler(t *testing.T) {
	var invoked bool
	h := registry.Handler(func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		invoked = true
		return registry.HandlerResult{}, nil
	})
	cb := NewCircuitBreaker(BreakerOptions{MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: time.Minute})
	cb.Allow()
	cb.RecordResult(false)

	guarded := Guard(h, nil, cb)
	_, err := guarded(context.Background(), &model.Task{TaskType: "fetch"}, registry.ReporterFunc(func(float64, string) {}))
	if err == nil {
		t.Fatalf("expected Guard to refuse the call while the breaker is open")
	}
	if invoked {
		t.Fatalf("expected the wrapped handler not to run while the breaker is open")
	}
}

func TestGuardRecordsHandlerOutcomeOnBreaker(t *testing.T) {
	h := registry.Handler(func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, nil
	})
	cb := NewCircuitBreaker(BreakerOptions{MinSamples: 1, FailureRateOpen: 0.5, HalfOpenAfter: time.Minute})
	guarded := Guard(h, nil, cb)
	if _, err := guarded(context.Background(), &model.Task{TaskType: "fetch"}, registry.ReporterFunc(func(float64, string) {})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != "closed" {
		t.Fatalf("expected breaker to remain CLOSED after a success, got %s", cb.State())
	}
}

func TestGuardDeniesOnRateLimitWithoutInvokingHandler(t *testing.T) {
	var invoked bool
	h := registry.Handler(func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		invoked = true
		return registry.HandlerResult{}, nil
	})
	rl := NewRateLimiter(LimiterOptions{Capacity: 0, FillRate: 0})
	guarded := Guard(h, rl, nil)
	_, err := guarded(context.Background(), &model.Task{TaskType: "fetch"}, registry.ReporterFunc(func(float64, string) {}))
	if err == nil {
		t.Fatalf("expected Guard to refuse the call once the rate limiter denies it")
	}
	if invoked {
		t.Fatalf("expected the wrapped handler not to run when rate-limited")
	}
}
