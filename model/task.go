// Package model defines the Task record, its state machine, and the
// append-only Execution record (spec §3.2, §3.3, §4.C).
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// Priority orders tasks; lower ordinal runs earlier.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	case Background:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// Status is the task/node lifecycle state (spec §4.C; SKIPPED is added by
// the DAG-level Node, not Task).
type Status string

const (
	Pending   Status = "PENDING"
	Queued    Status = "QUEUED"
	Running   Status = "RUNNING"
	Paused    Status = "PAUSED"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
	Skipped   Status = "SKIPPED"
)

// transitions enumerates the legal state graph from spec §4.C.
var transitions = map[Status]map[Status]bool{
	Pending:   {Queued: true},
	Queued:    {Running: true, Cancelled: true},
	Running:   {Completed: true, Failed: true, Queued: true, Paused: true, Cancelled: true},
	Paused:    {Queued: true, Cancelled: true},
	Failed:    {Queued: true},
	Completed: {},
	Cancelled: {},
	Skipped:   {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether a status ends a run: COMPLETED, FAILED,
// CANCELLED, or SKIPPED (a DAG-node-only state). All of them except FAILED
// have no further legal transitions; FAILED may still move to QUEUED via an
// explicit retry.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Skipped:
		return true
	default:
		return false
	}
}

// Progress is a fraction plus a free-form message, holding whatever the
// handler last reported. It is not reset between runs; Transition sets the
// fraction to 1.0 on COMPLETED.
type Progress struct {
	Fraction float64
	Message  string
}

// Task is the identity-bearing unit of work described in spec §3.2.
type Task struct {
	ID                   string
	Name                 string
	TaskType             string
	Params               map[string]value.Value
	Priority             Priority
	Status               Status
	Progress             Progress
	Dependencies         map[string]struct{}
	MaxRetries           int
	RetryCount           int
	Timeout              time.Duration
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	Result               *value.Value
	Err                  *taskerr.Error
	IncludeInGlobalStart bool
	UpdatedAt            time.Time
}

// New constructs a Task in PENDING, per spec: create_task does not enqueue.
func New(name, taskType string, params map[string]value.Value, priority Priority, maxRetries int, timeout time.Duration) *Task {
	now := time.Now()
	return &Task{
		ID:           uuid.NewString(),
		Name:         name,
		TaskType:     taskType,
		Params:       params,
		Priority:     priority,
		Status:       Pending,
		Dependencies: map[string]struct{}{},
		MaxRetries:   maxRetries,
		Timeout:      timeout,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition validates and applies a state change, updating timestamps per
// spec invariants (started_at/completed_at, progress==1.0 iff COMPLETED).
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return taskerr.New(taskerr.InvalidState,
			"illegal transition "+string(t.Status)+" -> "+string(to))
	}
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case Running:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case Completed:
		t.CompletedAt = &now
		t.Progress = Progress{Fraction: 1.0, Message: t.Progress.Message}
	case Failed, Cancelled:
		t.CompletedAt = &now
	case Queued:
		// retry/resume clears any previous terminal error so observers don't
		// see a stale failure on a task that is now back in the queue.
		t.Err = nil
	}
	return nil
}

// Execution is one append-only attempt record (spec §3.3).
type Execution struct {
	ID              string
	TaskID          string
	RunOrdinal      int
	Status          Status
	StartedAt       time.Time
	CompletedAt     time.Time
	Duration        time.Duration
	RecordsOK       int
	RecordsFailed   int
	Err             *taskerr.Error
}

// NewExecution constructs an execution record id.
func NewExecution(taskID string, ordinal int) *Execution {
	return &Execution{ID: uuid.NewString(), TaskID: taskID, RunOrdinal: ordinal}
}
