// Package manager implements the Task Manager (spec §4.E): the top-level
// façade combining the Task Record state machine and the Priority Work
// Queue, exposing create/enqueue/pause/resume/cancel/retry and owning the
// single dispatcher loop.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/taskforge/clock"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
	"github.com/swarmguard/taskforge/persistence"
	"github.com/swarmguard/taskforge/queue"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// Options configures a Manager.
type Options struct {
	MaxConcurrent   int
	ShutdownTimeout time.Duration
	Clock           clock.Clock
	Registry        *registry.Registry
	Store           persistence.Store // optional
	Bus             *observability.EventBus
	Metrics         observability.Metrics
	Gauges          *observability.QueueGauges
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	TimeoutGrace    time.Duration
}

// Manager is the Task Manager façade (spec §4.E). Its internal state is
// guarded by a single coarse lock, per the concurrency model: task map,
// dependency bookkeeping, and dispatcher wakeups all share it.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	runOrd   map[string]int
	cancel   map[string]context.CancelFunc
	pauseReq map[string]struct{}

	q        *queue.Queue
	reg      *registry.Registry
	store    persistence.Store
	bus      *observability.EventBus
	metrics  observability.Metrics
	clk      clock.Clock
	backoffB time.Duration
	backoffC time.Duration
	grace    time.Duration

	sem           *semaphore.Weighted
	shutdownAfter time.Duration
	stopping      bool
	wg            sync.WaitGroup
	loopCancel    context.CancelFunc
}

// New constructs a Manager. Call Start to begin dispatching.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.TimeoutGrace <= 0 {
		opts.TimeoutGrace = 5 * time.Second
	}
	weight := int64(opts.MaxConcurrent)
	if weight <= 0 {
		weight = 1 << 20 // effectively unbounded
	}
	m := &Manager{
		tasks:         map[string]*model.Task{},
		runOrd:        map[string]int{},
		cancel:        map[string]context.CancelFunc{},
		pauseReq:      map[string]struct{}{},
		q:             queue.New(opts.MaxConcurrent, opts.Gauges),
		reg:           opts.Registry,
		store:         opts.Store,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		clk:           opts.Clock,
		backoffB:      opts.BackoffBase,
		backoffC:      opts.BackoffCap,
		grace:         opts.TimeoutGrace,
		sem:           semaphore.NewWeighted(weight),
		shutdownAfter: opts.ShutdownTimeout,
	}
	return m
}

func (m *Manager) emit(ev observability.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) persist(t *model.Task) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTask(t); err != nil {
		slog.Warn("task persistence failed", "task_id", t.ID, "error", err)
	}
}

// CreateTask constructs a PENDING task. Does not enqueue (spec §4.E).
func (m *Manager) CreateTask(name, taskType string, params map[string]value.Value, priority model.Priority, maxRetries int, timeout time.Duration) *model.Task {
	t := model.New(name, taskType, params, priority, maxRetries, timeout)
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.persist(t)
	return t
}

// GetTask returns a snapshot read of a task by id.
func (m *Manager) GetTask(id string) (*model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// ListTasks returns tasks optionally filtered by status and/or task type.
func (m *Manager) ListTasks(status *model.Status, taskType *string) []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != nil && t.Status != *status {
			continue
		}
		if taskType != nil && t.TaskType != *taskType {
			continue
		}
		out = append(out, t)
	}
	return out
}

// dependenciesSatisfied reports whether every dependency of t is COMPLETED.
func (m *Manager) dependenciesSatisfied(t *model.Task) bool {
	for depID := range t.Dependencies {
		dep, ok := m.tasks[depID]
		if !ok || dep.Status != model.Completed {
			return false
		}
	}
	return true
}

// EnqueueTask transitions a PENDING task to QUEUED and admits it to the
// work queue. Fails with InvalidState otherwise.
func (m *Manager) EnqueueTask(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "unknown task "+id)
	}
	if err := t.Transition(model.Queued); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.persist(t)
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
	m.q.Enqueue(t.ID, t.Priority)
	return nil
}

// PauseTask requests that a RUNNING task be parked PAUSED instead of
// COMPLETED once its handler returns. Fails with InvalidState if the task
// is not RUNNING, per the redesign note in §9 (legacy no-op-on-QUEUED
// behaviour is not preserved).
//
// The request is observed at exactly one checkpoint: runTask's terminal
// switch, after invoke returns, and only takes effect there if the handler
// did not return a clean success — a handler that finishes successfully
// completes the task rather than discarding its result for a pause request
// that arrived too late to matter. Handlers are not given any pause signal
// to poll mid-run; only ctx cancellation (CancelTask) interrupts a handler
// in progress. A fast or already-finished handler therefore cannot be
// paused — this is a known limitation of the current checkpoint, not a
// promise that every RUNNING task is pausable before it next produces a
// result.
func (m *Manager) PauseTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return taskerr.New(taskerr.InvalidState, "unknown task "+id)
	}
	if t.Status != model.Running {
		return taskerr.New(taskerr.InvalidState, "pause requires RUNNING, got "+string(t.Status))
	}
	m.pauseReq[id] = struct{}{}
	return nil
}

// ResumeTask transitions a PAUSED task back to QUEUED at its original
// priority. The task was kept in-flight (not completed) while paused, so
// this is a continuation, not a fresh admission: q.Requeue clears that
// in-flight entry and pushes it onto the heap without incrementing
// TotalAdmitted a second time for the same task.
func (m *Manager) ResumeTask(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "unknown task "+id)
	}
	if err := t.Transition(model.Queued); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.persist(t)
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
	m.q.Requeue(t.ID, t.Priority)
	return nil
}

// CancelTask transitions any non-terminal task to CANCELLED. A running
// task's scope is signalled via its cancel func; anything else — sitting
// in the heap, or parked in-flight while PAUSED or backing off before an
// automatic retry — has no goroutine of its own to release the queue's
// bookkeeping, so this call does it directly via q.Discard.
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "unknown task "+id)
	}
	if t.Status.IsTerminal() {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "task already terminal: "+string(t.Status))
	}
	if err := t.Transition(model.Cancelled); err != nil {
		m.mu.Unlock()
		return err
	}
	cancel, hasCancel := m.cancel[id]
	m.mu.Unlock()

	if hasCancel {
		cancel()
	} else {
		m.q.Discard(id)
	}
	m.persist(t)
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
	return nil
}

// RetryTask resets a FAILED task's retry budget and requeues it.
func (m *Manager) RetryTask(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "unknown task "+id)
	}
	if t.Status != model.Failed {
		m.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "retry requires FAILED, got "+string(t.Status))
	}
	t.RetryCount = 0
	if err := t.Transition(model.Queued); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.persist(t)
	m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
	m.q.Enqueue(t.ID, t.Priority)
	return nil
}

// StartAll enqueues every PENDING task with IncludeInGlobalStart set.
func (m *Manager) StartAll() {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, t := range m.tasks {
		if t.IncludeInGlobalStart && t.Status == model.Pending {
			ids = append(ids, t.ID)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.EnqueueTask(id)
	}
}

// PauseAll requests pause for every currently RUNNING task with
// IncludeInGlobalStart set.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, t := range m.tasks {
		if t.IncludeInGlobalStart && t.Status == model.Running {
			ids = append(ids, t.ID)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.PauseTask(id)
	}
}

// Stats exposes the queue's point-in-time snapshot.
func (m *Manager) Stats() queue.Stats { return m.q.Stats() }

// Restore reloads persisted tasks on startup and applies the restart policy
// (spec §6): a task found RUNNING had its handler goroutine die with the old
// process, so it is marked FAILED with its retry budget left untouched —
// there is nothing left to retry it in place; every other non-terminal task
// (PENDING, QUEUED, PAUSED) is placed back in QUEUED and re-admitted into
// the fresh in-memory queue, since neither the heap nor the in-flight set
// survives a restart. Terminal tasks are loaded for lookup but never
// readmitted. A nil Store makes this a no-op.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	tasks, err := m.store.LoadTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		m.mu.Lock()
		m.tasks[t.ID] = t
		status := t.Status
		m.mu.Unlock()

		switch {
		case status.IsTerminal():
			continue

		case status == model.Running:
			m.mu.Lock()
			t.Err = taskerr.New(taskerr.HandlerError, "task was RUNNING when the process restarted")
			transErr := t.Transition(model.Failed)
			m.mu.Unlock()
			if transErr != nil {
				slog.Warn("restore: could not mark interrupted task FAILED", "task_id", t.ID, "error", transErr)
				continue
			}
			m.persist(t)
			m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})

		case status == model.Queued:
			// already QUEUED in the persisted record, but the in-memory
			// queue built by queue.New starts empty regardless.
			m.q.Enqueue(t.ID, t.Priority)

		default: // Pending, Paused
			m.mu.Lock()
			transErr := t.Transition(model.Queued)
			m.mu.Unlock()
			if transErr != nil {
				slog.Warn("restore: could not requeue task", "task_id", t.ID, "status", status, "error", transErr)
				continue
			}
			m.persist(t)
			m.emit(observability.Event{Kind: observability.TaskStateChanged, EntityID: t.ID, Status: string(t.Status)})
			m.q.Enqueue(t.ID, t.Priority)
		}
	}
	return nil
}
