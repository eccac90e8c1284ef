// Package dag implements the DAG Model (spec §4.F) and DAG Engine (§4.G):
// a node/edge arena with cycle detection and priority-tie-broken
// topological order, executed by a worker pool over a ready-node channel,
// grounded on the reference orchestrator's buildDAG/executeDAG shape.
package dag

import (
	"time"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// NodeType classifies a node's role in the graph (spec §3.4). Most nodes
// are TASK; the others are reserved for future structural markers and are
// otherwise treated like TASK by the engine.
type NodeType string

const (
	NodeTask      NodeType = "TASK"
	NodeCondition NodeType = "CONDITION"
	NodeParallel  NodeType = "PARALLEL"
	NodeSequence  NodeType = "SEQUENCE"
	NodeStart     NodeType = "START"
	NodeEnd       NodeType = "END"
)

// Node is a task embedded in a DAG, carrying its own status and
// dependencies (spec §3.4). The DAG owns every node; nodes never hold
// pointers to each other, only id sets, per the design notes on cyclic
// object graphs.
type Node struct {
	ID           string
	TaskType     string
	Params       map[string]value.Value
	Priority     model.Priority
	Timeout      time.Duration
	MaxRetries   int
	RetryCount   int
	NodeType     NodeType
	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
	Status       model.Status
	Progress     model.Progress
	Result       *value.Value
	Err          *taskerr.Error
	Cacheable    bool
	CacheKey     string
	Level        int // layout hint, §4.F; non-semantic

	seq int // insertion order, used only for topo tie-breaking
}

// NewNode constructs a PENDING node. Edges (and therefore Dependents) are
// added separately via Graph.AddEdge.
func NewNode(id, taskType string, params map[string]value.Value, priority model.Priority, timeout time.Duration, maxRetries int) *Node {
	return &Node{
		ID:           id,
		TaskType:     taskType,
		Params:       params,
		Priority:     priority,
		Timeout:      timeout,
		MaxRetries:   maxRetries,
		NodeType:     NodeTask,
		Dependencies: map[string]struct{}{},
		Dependents:   map[string]struct{}{},
		Status:       model.Pending,
	}
}

// isReady reports whether n may become RUNNING: it is PENDING and every
// dependency is either COMPLETED or SKIPPED. The check does not depend on
// the graph's strict/non-strict setting.
func (n *Node) isReady(byID map[string]*Node) bool {
	if n.Status != model.Pending {
		return false
	}
	for depID := range n.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false
		}
		if dep.Status != model.Completed && dep.Status != model.Skipped {
			return false
		}
	}
	return true
}
