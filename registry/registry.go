// Package registry implements the Handler Registry (spec §4.B): a
// string-keyed map from task_type to Handler. This is the registry of
// function values the design notes call for — legitimate runtime
// polymorphism, not a type hierarchy encoding task_type.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// ProgressReporter lets a handler report fractional progress and a message
// as it runs; the Task Manager/DAG Engine surface this through observers.
type ProgressReporter interface {
	Report(fraction float64, message string)
}

// HandlerResult is the sum type a handler returns on success, replacing
// duck-typed map[string]Any payloads per the design notes.
type HandlerResult struct {
	Values map[string]value.Value
}

// Handler is the async handler contract from spec §6: it receives the task,
// its resolved params, a progress reporter, and observes cancellation via
// ctx. Failure is communicated by returning a non-nil error, which should
// be (or wrap) a *taskerr.Error so the caller can classify it.
type Handler func(ctx context.Context, task *model.Task, report ProgressReporter) (HandlerResult, error)

// Registry is the thread-safe task_type -> Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler under taskType. Registration is idempotent:
// re-registering the same key replaces the previous handler and logs a
// warning, per spec §4.B.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		slog.Warn("handler re-registered, replacing previous", "task_type", taskType)
	}
	r.handlers[taskType] = h
}

// Unregister removes a handler, if present.
func (r *Registry) Unregister(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, taskType)
}

// Lookup returns the handler for taskType, or UnknownTaskType if no handler
// is registered under that key.
func (r *Registry) Lookup(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, taskerr.New(taskerr.UnknownTaskType, "no handler registered for task type "+taskType)
	}
	return h, nil
}

// funcReporter adapts a plain function to ProgressReporter.
type funcReporter func(fraction float64, message string)

func (f funcReporter) Report(fraction float64, message string) { f(fraction, message) }

// ReporterFunc builds a ProgressReporter from a closure, convenient for
// callers that just want to thread progress into an observer callback.
func ReporterFunc(fn func(fraction float64, message string)) ProgressReporter {
	return funcReporter(fn)
}
