package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskforge/clock"
	"github.com/swarmguard/taskforge/dag"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// branchKey is the reserved result key a BRANCH stage's handler uses to name
// which labeled outgoing edge to follow; distinct from outputKey so a
// discriminator and a continued payload can both be returned.
const branchKey = "_branch"

// Options configures an Engine.
type Options struct {
	Registry *registry.Registry
	Clock    clock.Clock
	Bus      *observability.EventBus
	Metrics  observability.Metrics
}

// Engine executes pipeline graphs (spec §4.I): a single topological pass
// over the graph threading one payload value along edges, with stage-typed
// branching, fan-out, fan-in and looping layered on top of that pass.
// Follows dag.Engine's runNode shape (status transitions, execution log
// entries, taskerr wrapping, the same registry contract) but replaces
// dag.Engine's concurrent ready-channel dispatch with a single ordered
// walk, since payload threading requires each stage's input to be the
// settled output of its upstream stage(s). Each stage handler is invoked
// once per execution (once per iteration for a LOOP body): a node's
// MaxRetries is not applied, its Timeout is copied onto the task but puts
// no deadline on the handler's context, and results are not cached.
type Engine struct {
	reg     *registry.Registry
	clk     clock.Clock
	bus     *observability.EventBus
	metrics observability.Metrics
	tracer  trace.Tracer
}

// New constructs an Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Engine{
		reg:     opts.Registry,
		clk:     opts.Clock,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("taskforge-pipeline"),
	}
}

func (e *Engine) emit(ev observability.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// Execute runs g to completion, threading a payload value from SOURCE
// stage(s) through to the terminal stage(s) of the graph.
func (e *Engine) Execute(ctx context.Context, g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g.Lock()
	if g.Status != model.Pending {
		g.Unlock()
		return taskerr.New(taskerr.InvalidState, "pipeline not in PENDING: "+string(g.Status))
	}
	g.Status = model.Running
	now := time.Now()
	g.StartedAt = &now
	g.Unlock()

	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(attribute.String("pipeline.id", g.ID)))
	defer span.End()
	g.Log.Append(g.ID, "", dag.EventDagStarted, string(model.Running), "", 0)
	e.emit(observability.Event{Kind: observability.DagStateChanged, EntityID: g.ID, DAGID: g.ID, Status: string(model.Running)})

	order, err := g.TopoOrder()
	if err != nil {
		g.Lock()
		g.Status = model.Failed
		g.Unlock()
		return err
	}

	skip := map[string]bool{}
	loopOwned := map[string]bool{}
	for _, st := range g.Stages {
		if st.Type == Loop {
			for _, id := range st.LoopBody {
				loopOwned[id] = true
			}
		}
	}

	anyFailed := false
	for _, n := range order {
		if ctx.Err() != nil {
			e.cancelRemaining(g, order)
			g.Lock()
			g.Status = model.Cancelled
			g.Unlock()
			return taskerr.New(taskerr.Cancelled, "pipeline cancelled: "+g.ID)
		}
		if loopOwned[n.ID] {
			continue // executed inline by its owning LOOP stage, not the main walk
		}
		if skip[n.ID] {
			e.markSkipped(g, n)
			continue
		}

		s := g.stage(n.ID)
		input := e.resolveInput(g, n)

		if s.Condition != nil && !s.Condition(ctx, input) {
			e.markSkipped(g, n)
			e.propagateSkip(g, n, skip)
			continue
		}

		var output value.Value
		var runErr error
		switch s.Type {
		case Parallel:
			output, runErr = e.runParallel(ctx, g, n, s, input)
		case Loop:
			output, runErr = e.runLoop(ctx, g, n, s, input)
		case Branch:
			output, runErr = e.runBranch(ctx, g, n, s, input, skip)
		default:
			output, runErr = e.runStage(ctx, g, n, input)
		}

		if runErr != nil {
			anyFailed = true
			g.Lock()
			n.Status = model.Failed
			n.Err = wrapErr(runErr)
			g.Unlock()
			g.Log.Append(g.ID, n.ID, dag.EventNodeFailed, string(model.Failed), runErr.Error(), 0)
			if g.Strict {
				e.propagateSkip(g, n, skip)
			}
			continue
		}

		g.Lock()
		n.Status = model.Completed
		n.Result = &output
		g.Context[n.ID] = output.ToAny()
		g.Unlock()
		g.Log.Append(g.ID, n.ID, dag.EventNodeCompleted, string(model.Completed), "", 0)
		e.emit(observability.Event{Kind: observability.NodeStateChanged, EntityID: n.ID, DAGID: g.ID, Status: string(model.Completed)})
	}

	g.Lock()
	completedAt := time.Now()
	g.CompletedAt = &completedAt
	if anyFailed {
		g.Status = model.Failed
	} else {
		g.Status = model.Completed
	}
	outcome := g.Status
	g.Unlock()

	var ev dag.LogEvent
	if outcome == model.Completed {
		ev = dag.EventDagCompleted
	} else {
		ev = dag.EventDagFailed
	}
	g.Log.Append(g.ID, "", ev, string(outcome), "", time.Since(*g.StartedAt))
	e.emit(observability.Event{Kind: observability.DagStateChanged, EntityID: g.ID, DAGID: g.ID, Status: string(outcome)})
	return nil
}

// resolveInput computes a node's payload from its dependencies (or the
// graph's seeded payload for a SOURCE / dependency-free node): a single
// dependency's output passes through unchanged, multiple dependencies are
// collected into a list (the default MERGE/JOIN fan-in behaviour), unless
// the stage supplies its own MergeFunc.
func (e *Engine) resolveInput(g *Graph, n *dag.Node) value.Value {
	if len(n.Dependencies) == 0 {
		if v, ok := g.Context[payloadKey].(value.Value); ok {
			return v
		}
		return value.Null()
	}
	if len(n.Dependencies) == 1 {
		for depID := range n.Dependencies {
			return resultOf(g, depID)
		}
	}
	ids := make([]string, 0, len(n.Dependencies))
	for depID := range n.Dependencies {
		ids = append(ids, depID)
	}
	sort.Strings(ids)
	results := make([]value.Value, len(ids))
	for i, id := range ids {
		results[i] = resultOf(g, id)
	}
	s := g.stage(n.ID)
	if s.Merge != nil {
		merged, err := s.Merge(results)
		if err == nil {
			return merged
		}
	}
	return value.List(results)
}

func resultOf(g *Graph, nodeID string) value.Value {
	if dep, ok := g.Nodes[nodeID]; ok && dep.Result != nil {
		return *dep.Result
	}
	return value.Null()
}

// runStage invokes the registry handler for a plain (non-branch,
// non-parallel, non-loop) stage and extracts its replacement payload.
func (e *Engine) runStage(ctx context.Context, g *Graph, n *dag.Node, input value.Value) (value.Value, error) {
	g.Lock()
	n.Status = model.Running
	g.Unlock()
	g.Log.Append(g.ID, n.ID, dag.EventNodeStarted, string(model.Running), "", 0)

	result, err := e.invoke(ctx, n, input, n.TaskType, n.Params)
	if err != nil {
		return value.Null(), err
	}
	return payloadOf(result), nil
}

// runBranch invokes the discriminator handler and marks every dependent
// reached through a non-matching labeled edge (and its transitive
// dependents) for skipping.
func (e *Engine) runBranch(ctx context.Context, g *Graph, n *dag.Node, s *Stage, input value.Value, skip map[string]bool) (value.Value, error) {
	g.Lock()
	n.Status = model.Running
	g.Unlock()

	result, err := e.invoke(ctx, n, input, n.TaskType, n.Params)
	if err != nil {
		return value.Null(), err
	}
	chosen, _ := result.Values[branchKey].AsString()

	for _, edge := range g.Edges {
		if edge.Source != n.ID {
			continue
		}
		if edge.Label != chosen {
			skip[edge.Target] = true
			if target, ok := g.Nodes[edge.Target]; ok {
				e.propagateSkip(g, target, skip)
			}
		}
	}
	return payloadOf(result), nil
}

// runParallel forks the stage's named branches concurrently against the
// same input, waits for all of them, and combines their outputs with the
// stage's MergeFunc (defaulting to a list of results).
func (e *Engine) runParallel(ctx context.Context, g *Graph, n *dag.Node, s *Stage, input value.Value) (value.Value, error) {
	g.Lock()
	n.Status = model.Running
	g.Unlock()

	results := make([]value.Value, len(s.Branches))
	errs := make([]error, len(s.Branches))
	var wg sync.WaitGroup
	for i, b := range s.Branches {
		wg.Add(1)
		go func(i int, b ParallelBranch) {
			defer wg.Done()
			params := map[string]value.Value{}
			for k, v := range b.Params {
				params[k] = v
			}
			res, err := e.invoke(ctx, n, input, b.TaskType, params)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = payloadOf(res)
		}(i, b)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return value.Null(), err
		}
	}
	if s.Merge != nil {
		return s.Merge(results)
	}
	return value.List(results), nil
}

// runLoop re-executes the stage's LoopBody node ids, each iteration
// threading the previous iteration's payload as input, until LoopPredicate
// reports done or LoopMax iterations have run.
func (e *Engine) runLoop(ctx context.Context, g *Graph, n *dag.Node, s *Stage, input value.Value) (value.Value, error) {
	g.Lock()
	n.Status = model.Running
	g.Unlock()

	payload := input
	max := s.LoopMax
	if max <= 0 {
		max = 1
	}
	for i := 0; i < max; i++ {
		for _, id := range s.LoopBody {
			body, ok := g.Nodes[id]
			if !ok {
				continue
			}
			out, err := e.runStage(ctx, g, body, payload)
			if err != nil {
				body.Status = model.Failed
				body.Err = wrapErr(err)
				return value.Null(), err
			}
			body.Status = model.Completed
			body.Result = &out
			payload = out
		}
		if s.LoopPredicate != nil && s.LoopPredicate(ctx, payload) {
			break
		}
	}
	return payload, nil
}

func (e *Engine) invoke(ctx context.Context, n *dag.Node, input value.Value, taskType string, params map[string]value.Value) (registry.HandlerResult, error) {
	if e.reg == nil {
		return registry.HandlerResult{}, taskerr.New(taskerr.UnknownTaskType, "no registry configured")
	}
	h, err := e.reg.Lookup(taskType)
	if err != nil {
		return registry.HandlerResult{}, err
	}
	merged := map[string]value.Value{}
	for k, v := range params {
		merged[k] = v
	}
	merged[inputKey] = input
	task := &model.Task{
		ID:       n.ID,
		TaskType: taskType,
		Params:   merged,
		Priority: n.Priority,
		Status:   model.Running,
		Timeout:  n.Timeout,
	}
	reporter := registry.ReporterFunc(func(fraction float64, message string) {
		n.Progress = model.Progress{Fraction: fraction, Message: message}
	})
	return h(ctx, task, reporter)
}

func (e *Engine) markSkipped(g *Graph, n *dag.Node) {
	g.Lock()
	defer g.Unlock()
	if n.Status != model.Pending {
		return
	}
	n.Status = model.Skipped
	g.Log.Append(g.ID, n.ID, dag.EventNodeSkipped, string(model.Skipped), "", 0)
	e.emit(observability.Event{Kind: observability.NodeStateChanged, EntityID: n.ID, DAGID: g.ID, Status: string(model.Skipped)})
}

func (e *Engine) propagateSkip(g *Graph, n *dag.Node, skip map[string]bool) {
	for depID := range n.Dependents {
		if skip[depID] {
			continue
		}
		skip[depID] = true
		if dep, ok := g.Nodes[depID]; ok {
			e.propagateSkip(g, dep, skip)
		}
	}
}

func (e *Engine) cancelRemaining(g *Graph, order []*dag.Node) {
	g.Lock()
	defer g.Unlock()
	for _, n := range order {
		switch n.Status {
		case model.Running:
			n.Status = model.Cancelled
		case model.Pending:
			n.Status = model.Skipped
		}
	}
}

func wrapErr(err error) *taskerr.Error {
	kind, known := taskerr.KindOf(err)
	if !known {
		kind = taskerr.HandlerError
	}
	return taskerr.Wrap(kind, err.Error(), err)
}
