// Package trigger implements the Trigger Manager (spec §4.H): interval,
// cron, one-shot, conditional, and manual task-instantiation triggers
// driven by a single coordinated ticker, grounded on the reference
// scheduler.go's ScheduleConfig/EventHandler shape adapted from
// "cron-or-event" to the five-type trigger model the spec requires.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskforge/clock"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// Type enumerates the trigger kinds (spec §3.7).
type Type string

const (
	Interval  Type = "INTERVAL"
	Cron      Type = "CRON"
	Once      Type = "ONCE"
	Condition Type = "CONDITION"
	Manual    Type = "MANUAL"
)

// Status is ENABLED/DISABLED (spec §3.7).
type Status string

const (
	Enabled  Status = "ENABLED"
	Disabled Status = "DISABLED"
)

// TaskTemplate is the parameterized blueprint cloned on every fire.
type TaskTemplate struct {
	Name                 string
	TaskType             string
	Params               map[string]value.Value
	Priority             model.Priority
	MaxRetries           int
	Timeout              time.Duration
	IncludeInGlobalStart bool
}

// ConditionFunc is the injected predicate evaluated on each tick for
// CONDITION triggers.
type ConditionFunc func(ctx context.Context) bool

// Trigger is a rule that fires a task-template instantiation on a
// schedule or condition (spec §3.7).
type Trigger struct {
	ID            string
	Name          string
	Type          Type
	TaskTemplate  TaskTemplate
	Interval      time.Duration
	CronExpr      string
	ScheduledTime time.Time
	ConditionFn   ConditionFunc
	Status        Status
	Cooldown      time.Duration

	LastTriggered *time.Time
	NextTrigger   *time.Time
	TriggerCount  int
	ErrorCount    int

	cronSchedule  cron.Schedule
	lastCondition bool
}

// Enqueuer is the subset of the Task Manager a Trigger Manager needs:
// construct a task from a fired template and admit it, decoupling this
// package from a concrete Task Manager type.
type Enqueuer interface {
	CreateTask(name, taskType string, params map[string]value.Value, priority model.Priority, maxRetries int, timeout time.Duration) *model.Task
	EnqueueTask(id string) error
}

// Options configures a Manager.
type Options struct {
	Enqueuer     Enqueuer
	Clock        clock.Clock
	Bus          *observability.EventBus
	Metrics      observability.Metrics
	TickInterval time.Duration
}

// Manager owns a set of Triggers and runs a single ticker loop evaluating
// all of them (spec §4.H). Triggers are guarded by their own lock,
// independent of any Task Manager lock, per the concurrency model.
type Manager struct {
	mu       sync.Mutex
	triggers map[string]*Trigger

	enqueuer Enqueuer
	clk      clock.Clock
	bus      *observability.EventBus
	metrics  observability.Metrics
	interval time.Duration

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Trigger Manager. Call Start to begin the ticker loop.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Manager{
		triggers: map[string]*Trigger{},
		enqueuer: opts.Enqueuer,
		clk:      opts.Clock,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		interval: opts.TickInterval,
	}
}

// AddTrigger registers t, parsing its cron expression (if CRON) and
// computing its initial NextTrigger.
func (m *Manager) AddTrigger(t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = Enabled
	}
	now := m.clk.Now()
	switch t.Type {
	case Cron:
		sched, err := cron.ParseStandard(t.CronExpr)
		if err != nil {
			return taskerr.New(taskerr.InvalidState, "invalid cron expression: "+err.Error())
		}
		t.cronSchedule = sched
		next := sched.Next(now)
		t.NextTrigger = &next
	case Interval:
		// spec §4.H: next_trigger = last_triggered + interval, or now if
		// this is the first fire (last_triggered is still nil here).
		next := now
		t.NextTrigger = &next
	case Once:
		st := t.ScheduledTime
		t.NextTrigger = &st
	case Condition, Manual:
		// no precomputed next fire; evaluated/invoked directly each tick
	default:
		return taskerr.New(taskerr.InvalidState, "unknown trigger type: "+string(t.Type))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.ID] = t
	return nil
}

// RemoveTrigger unregisters a trigger.
func (m *Manager) RemoveTrigger(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
}

// Get returns a trigger by id.
func (m *Manager) Get(id string) (*Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	return t, ok
}

// List returns every registered trigger.
func (m *Manager) List() []*Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	return out
}

// ManualTrigger fires a MANUAL trigger immediately, bypassing the ticker.
func (m *Manager) ManualTrigger(id string) error {
	m.mu.Lock()
	t, ok := m.triggers[id]
	m.mu.Unlock()
	if !ok {
		return taskerr.New(taskerr.InvalidState, "unknown trigger "+id)
	}
	if t.Type != Manual {
		return taskerr.New(taskerr.InvalidState, "trigger is not MANUAL: "+t.ID)
	}
	m.fire(t)
	return nil
}

// Start begins the ticker loop.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)
}

// Stop halts the ticker loop. Triggers stop firing once Stop returns.
func (m *Manager) Stop() {
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick evaluates every ENABLED trigger once. A tick fires at most one
// catch-up event per trigger regardless of how many intervals have
// elapsed (spec §4.H: "the manager tolerates the scheduler oversleeping").
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	due := make([]*Trigger, 0)
	now := m.clk.Now()
	for _, t := range m.triggers {
		if t.Status != Enabled {
			continue
		}
		switch t.Type {
		case Interval, Cron, Once:
			if t.NextTrigger != nil && !now.Before(*t.NextTrigger) {
				due = append(due, t)
			}
		case Condition:
			if t.ConditionFn == nil {
				continue
			}
			result := t.ConditionFn(ctx)
			risingEdge := result && !t.lastCondition
			t.lastCondition = result
			if !risingEdge {
				continue
			}
			if t.LastTriggered != nil && now.Sub(*t.LastTriggered) < t.Cooldown {
				continue
			}
			due = append(due, t)
		case Manual:
			// never auto-fires
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		m.fire(t)
	}
}

// fire clones the trigger's task template, enqueues it into the Task
// Manager, and updates bookkeeping (spec §4.H). Enqueue failure increments
// error_count without disabling the trigger.
func (m *Manager) fire(t *Trigger) {
	tpl := t.TaskTemplate
	task := m.enqueuer.CreateTask(tpl.Name, tpl.TaskType, tpl.Params, tpl.Priority, tpl.MaxRetries, tpl.Timeout)
	task.IncludeInGlobalStart = tpl.IncludeInGlobalStart
	err := m.enqueuer.EnqueueTask(task.ID)

	m.mu.Lock()
	now := m.clk.Now()
	t.LastTriggered = &now
	if err != nil {
		t.ErrorCount++
	} else {
		t.TriggerCount++
	}
	switch t.Type {
	case Interval:
		next := now.Add(t.Interval)
		t.NextTrigger = &next
	case Cron:
		next := t.cronSchedule.Next(now)
		t.NextTrigger = &next
	case Once:
		t.Status = Disabled
		t.NextTrigger = nil
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("trigger fire: enqueue failed", "trigger_id", t.ID, "error", err)
		if m.metrics.TriggerFailures != nil {
			m.metrics.TriggerFailures.Add(context.Background(), 1)
		}
		return
	}
	if m.metrics.TriggerFires != nil {
		m.metrics.TriggerFires.Add(context.Background(), 1)
	}
	if m.bus != nil {
		m.bus.Publish(observability.Event{Kind: observability.TriggerFired, EntityID: t.ID, Status: string(t.Status), Message: task.ID})
	}
}
