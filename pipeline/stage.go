// Package pipeline implements the Pipeline Executor (spec §4.I): a
// stage-typed specialization of the DAG engine that threads a single
// mutable data payload along edges instead of keeping node results
// independent. It is built on dag.Graph by composition, not inheritance,
// per the design notes — a pipeline.Graph owns a *dag.Graph for node
// storage, cycle validation, and topological order, and layers stage
// semantics (branch, parallel fan-out, merge, loop) on top with its own
// execution loop, since those semantics diverge too far from dag.Engine's
// plain ready-set/worker-pool loop to reuse it directly.
package pipeline

import (
	"context"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/value"
)

// Type is a pipeline stage's role (spec §3.6).
type Type string

const (
	Source    Type = "SOURCE"
	Transform Type = "TRANSFORM"
	Validate  Type = "VALIDATE"
	Filter    Type = "FILTER"
	Aggregate Type = "AGGREGATE"
	Join      Type = "JOIN"
	Split     Type = "SPLIT"
	Sink      Type = "SINK"
	Branch    Type = "BRANCH"
	Merge     Type = "MERGE"
	Parallel  Type = "PARALLEL"
	Loop      Type = "LOOP"
)

// inputKey is the reserved Params key a stage's current payload is passed
// under when its handler is invoked; outputKey is the reserved result key a
// handler uses to hand back the replacement payload. Handlers that need to
// return more than one logical value put them under their own keys and
// leave outputKey out — in that case the whole result map becomes the next
// payload (wrapped as a value.Map).
const (
	inputKey  = "_input"
	outputKey = "_output"
)

// Condition gates whether a stage runs at all, independent of BRANCH's
// discriminator output (spec §3.6: "an optional predicate condition(context)
// -> bool"). A stage whose Condition returns false is marked SKIPPED without
// invoking its handler.
type Condition func(ctx context.Context, data value.Value) bool

// MergeFunc combines multiple upstream outputs (PARALLEL fan-out results, or
// MERGE/JOIN fan-in collections) into the single payload that continues
// down the pipeline.
type MergeFunc func(results []value.Value) (value.Value, error)

// LoopPredicate reports whether a LOOP stage should stop iterating.
type LoopPredicate func(ctx context.Context, data value.Value) bool

// ParallelBranch is one concurrent handler invocation forked by a PARALLEL
// stage; it is not a node in the graph (it has no retry/timeout policy of
// its own, and the enclosing stage's MaxRetries and Timeout are not applied
// to the fan-out either), it exists purely to describe "run these task
// types concurrently against the current payload".
type ParallelBranch struct {
	Name     string
	TaskType string
	Params   map[string]value.Value
}

// Stage decorates a dag.Node with pipeline-specific metadata. It is stored
// alongside (not embedded in) the underlying node, consistent with the
// "DAG owns every node, nodes never own each other" design note — a Stage
// is Graph-owned data keyed by node id, just like the node itself.
type Stage struct {
	NodeID    string
	Type      Type
	Condition Condition

	// PARALLEL
	Branches []ParallelBranch
	Merge    MergeFunc

	// LOOP
	LoopBody      []string
	LoopPredicate LoopPredicate
	LoopMax       int
}

// Input extracts the current payload a stage handler was invoked with.
func Input(task *model.Task) value.Value {
	v, ok := task.Params[inputKey]
	if !ok {
		return value.Null()
	}
	return v
}

// Output builds the HandlerResult a stage handler returns to replace the
// pipeline payload with v.
func Output(v value.Value) registry.HandlerResult {
	return registry.HandlerResult{Values: map[string]value.Value{outputKey: v}}
}

// payloadOf extracts the next payload from a handler's result: the
// outputKey value if present, otherwise the whole result map wrapped as a
// single Value.
func payloadOf(result registry.HandlerResult) value.Value {
	if v, ok := result.Values[outputKey]; ok {
		return v
	}
	return value.Map(result.Values)
}
