package resilience

import (
	"context"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
)

// Guard wraps a registry.Handler with an optional rate limiter and circuit
// breaker, giving a task_type backed by an external, rate-limited data
// source the backpressure the purpose statement calls for without the
// handler author writing any of this themselves. Either guard may be nil.
func Guard(h registry.Handler, limiter *RateLimiter, breaker *CircuitBreaker) registry.Handler {
	return func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		if breaker != nil && !breaker.Allow() {
			return registry.HandlerResult{}, taskerr.New(taskerr.HandlerError, "circuit open for task_type "+task.TaskType)
		}
		if limiter != nil && !limiter.Allow() {
			return registry.HandlerResult{}, taskerr.New(taskerr.HandlerError, "rate limit exceeded for task_type "+task.TaskType)
		}
		result, err := h(ctx, task, report)
		if breaker != nil {
			breaker.RecordResult(err == nil)
		}
		return result, err
	}
}
