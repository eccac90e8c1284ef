// Package persistence defines the optional Persistence Interface (spec §6)
// and a bbolt-backed implementation, adapted from the reference
// WorkflowStore's bucket-per-kind, versioned-write, time-indexed design.
package persistence

import "github.com/swarmguard/taskforge/model"

// Store is the optional persistence boundary. The core never requires one:
// a nil Store means tasks and executions live only in memory, consistent
// with the spec's "persistence is an optional interface" non-goal framing.
type Store interface {
	SaveTask(t *model.Task) error
	LoadTasks() ([]*model.Task, error)
	SaveExecution(e *model.Execution) error
	LoadExecutions(taskID string) ([]*model.Execution, error)
	Close() error
}
