package manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/clock"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

var tracer = otel.Tracer("taskforge-manager")

// Start begins the dispatcher loop: a single goroutine that waits on the
// queue's wakeup channel, admits work under the semaphore, and hands each
// admitted task id to its own goroutine, generalizing the reference
// scheduler's goroutine-per-fire dispatch shape into a continuous
// admission loop.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.wg.Add(1)
	go m.dispatchLoop(loopCtx)
}

// Stop cancels the dispatch loop and waits up to ShutdownTimeout for
// in-flight task goroutines to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	if m.loopCancel != nil {
		m.loopCancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.shutdownAfter):
		slog.Warn("manager stop: in-flight tasks did not finish before shutdown timeout")
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.q.Changed():
		case <-ticker.C:
		}
		m.drain(ctx)
	}
}

// drain admits as many ready tasks as the semaphore currently allows.
// Tasks whose dependencies are not yet satisfied, or that cannot be
// admitted right now, are put back at the tail of their priority level
// rather than blocking the whole queue.
func (m *Manager) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := m.q.TryDequeue()
		if !ok {
			return
		}
		m.mu.Lock()
		t, exists := m.tasks[id]
		if !exists {
			m.mu.Unlock()
			m.q.Complete(id, model.Cancelled)
			continue
		}
		ready := m.dependenciesSatisfied(t)
		priority := t.Priority
		m.mu.Unlock()

		if !ready {
			m.q.Requeue(id, priority)
			continue
		}

		if !m.sem.TryAcquire(1) {
			m.q.Requeue(id, priority)
			return
		}
		m.wg.Add(1)
		go m.runTask(ctx, id)
	}
}

func (m *Manager) runTask(ctx context.Context, id string) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		m.q.Complete(id, model.Cancelled)
		return
	}
	if err := t.Transition(model.Running); err != nil {
		m.mu.Unlock()
		m.q.Complete(id, model.Failed)
		return
	}
	runCtx, runCancel := context.WithCancel(ctx)
	if t.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, t.Timeout+m.grace)
		defer timeoutCancel()
	}
	m.cancel[id] = runCancel
	ordinal := m.runOrd[id] + 1
	m.runOrd[id] = ordinal
	m.mu.Unlock()
	defer runCancel()

	m.persist(t)
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})

	runCtx, span := tracer.Start(runCtx, "task.run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.TaskType),
	))
	exec := model.NewExecution(t.ID, ordinal)
	exec.StartedAt = time.Now()
	exec.Status = model.Running

	result, runErr := m.invoke(runCtx, t)

	exec.CompletedAt = time.Now()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	if m.metrics.TaskDuration != nil {
		m.metrics.TaskDuration.Record(runCtx, float64(exec.Duration.Milliseconds()))
	}
	span.End()

	m.mu.Lock()
	delete(m.cancel, id)
	_, wasPaused := m.pauseReq[id]
	delete(m.pauseReq, id)
	m.mu.Unlock()

	switch {
	case runErr == nil:
		exec.Status = model.Completed
		exec.RecordsOK = 1
		m.mu.Lock()
		if len(result.Values) > 0 {
			v := value.Map(result.Values)
			t.Result = &v
		}
		t.Transition(model.Completed)
		m.mu.Unlock()
		m.q.Complete(id, model.Completed)

	case wasPaused:
		exec.Status = model.Paused
		m.mu.Lock()
		t.Transition(model.Paused)
		m.mu.Unlock()
		// Leave id in-flight rather than completing it: a PAUSED task is
		// not terminal, and ResumeTask re-admits it via q.Requeue, which
		// expects to find (and clear) an in-flight entry rather than
		// incrementing TotalAdmitted for a continuation.

	case errors.Is(runErr, context.Canceled):
		exec.Status = model.Cancelled
		m.q.Complete(id, model.Cancelled)

	default:
		exec.Status = model.Failed
		exec.RecordsFailed = 1
		kind, known := taskerr.KindOf(runErr)
		if !known {
			kind = taskerr.HandlerError
		}
		terr := taskerr.Wrap(kind, runErr.Error(), runErr)
		exec.Err = terr

		m.mu.Lock()
		retryable := kind.Retryable() && t.RetryCount < t.MaxRetries
		if retryable {
			// RUNNING -> QUEUED directly (spec §4.C): a retryable failure
			// with budget remaining never observably becomes FAILED. t.Err
			// is left unset here — Transition(Queued) clears it anyway,
			// and a transiently-failed-but-retrying task must not appear
			// FAILED to list_tasks (spec §8.4: exactly one RUNNING->FAILED
			// transition if, and only if, the task ends FAILED).
			t.RetryCount++
			t.Transition(model.Queued)
		} else {
			t.Err = terr
			t.Transition(model.Failed)
		}
		retryCount := t.RetryCount
		m.mu.Unlock()

		if m.metrics.TaskFailures != nil {
			m.metrics.TaskFailures.Add(runCtx, 1)
		}
		if retryable {
			// id stays in-flight through the backoff wait; scheduleRetry
			// moves it back onto the queue via q.Requeue once the delay
			// elapses, rather than a second terminal Complete call.
			m.scheduleRetry(ctx, id, m.retryDelay(retryCount))
		} else {
			m.q.Complete(id, model.Failed)
		}
	}

	m.persist(t)
	if m.store != nil {
		if err := m.store.SaveExecution(exec); err != nil {
			slog.Warn("execution persistence failed", "task_id", t.ID, "error", err)
		}
	}
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
}

func (m *Manager) invoke(ctx context.Context, t *model.Task) (registry.HandlerResult, error) {
	if m.reg == nil {
		return registry.HandlerResult{}, taskerr.New(taskerr.UnknownTaskType, "no registry configured")
	}
	h, err := m.reg.Lookup(t.TaskType)
	if err != nil {
		return registry.HandlerResult{}, err
	}
	reporter := registry.ReporterFunc(func(fraction float64, message string) {
		m.mu.Lock()
		t.Progress = model.Progress{Fraction: fraction, Message: message}
		m.mu.Unlock()
		m.emit(observability.Event{Kind: observability.TaskProgress, EntityID: t.ID, Progress: fraction, Message: message})
	})
	return h(ctx, t, reporter)
}

// scheduleRetry waits out the backoff delay, then re-admits id into the
// priority heap via q.Requeue. The task's status was already moved
// RUNNING -> QUEUED by runTask before this goroutine was spawned, so a
// concurrent CancelTask is detectable here by status no longer being
// QUEUED (it only accepts that one transition's worth of drift) — in
// which case this goroutine simply does nothing further.
func (m *Manager) scheduleRetry(ctx context.Context, id string, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.clk.Sleep(ctx, delay); err != nil {
			return
		}
		m.mu.Lock()
		t, ok := m.tasks[id]
		if !ok || t.Status != model.Queued {
			m.mu.Unlock()
			return
		}
		priority := t.Priority
		m.mu.Unlock()
		if m.metrics.RetryAttempts != nil {
			m.metrics.RetryAttempts.Add(ctx, 1)
		}
		m.q.Requeue(id, priority)
	}()
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	base := m.backoffB
	if base <= 0 {
		base = time.Second
	}
	cap := m.backoffC
	if cap <= 0 {
		cap = 60 * time.Second
	}
	return clock.Jitter(clock.Backoff(attempt, base, cap))
}
