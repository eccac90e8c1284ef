package dag

import (
	"context"
	"sync"
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

// Options configures an Engine.
type Options struct {
	Registry      *registry.Registry
	Clock         clock.Clock
	MaxConcurrent int
	Bus           *observability.EventBus
	Metrics       observability.Metrics
	CacheSize     int
	CacheTTL      time.Duration
}

// Engine executes DAGs (spec §4.G): ready-set computation via the Graph,
// dispatch through the shared Handler Registry, per-node retry/backoff,
// and an append-only execution log. Grounded on the reference
// DAGEngine/executeDAG/executeTask/worker shape.
type Engine struct {
	reg           *registry.Registry
	clk           clock.Clock
	maxConcurrent int
	cache         *ResultCache
	bus           *observability.EventBus
	metrics       observability.Metrics
	tracer        trace.Tracer
}

// New constructs an Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Engine{
		reg:           opts.Registry,
		clk:           opts.Clock,
		maxConcurrent: opts.MaxConcurrent,
		cache:         NewResultCache(cacheSize, ttl),
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		tracer:        otel.Tracer("taskforge-dag"),
	}
}

func (e *Engine) emit(ev observability.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

type nodeResult struct {
	node *Node
	err  error
}

// Execute runs g to completion: RUNNING -> {COMPLETED, FAILED, CANCELLED}.
// It returns a non-nil error only for a graph that is not PENDING
// (InvalidState), registration-time failures (validation), or context
// cancellation; node-level failures are recorded on the graph/nodes, not
// returned.
func (e *Engine) Execute(ctx context.Context, g *Graph) error {
	g.mu.Lock()
	if g.Status != model.Pending {
		g.mu.Unlock()
		return taskerr.New(taskerr.InvalidState, "dag not in PENDING: "+string(g.Status))
	}
	if err := g.validateLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.Status = model.Running
	now := time.Now()
	g.StartedAt = &now
	g.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "dag.execute", trace.WithAttributes(attribute.String("dag.id", g.ID)))
	defer span.End()
	g.Log.Append(g.ID, "", EventDagStarted, string(model.Running), "", 0)
	e.emit(observability.Event{Kind: observability.DagStateChanged, EntityID: g.ID, DAGID: g.ID, Status: string(model.Running)})

	total := len(g.Nodes)
	inDegree := make(map[string]int, total)
	snapshot := make(map[string]*Node, total)
	g.mu.RLock()
	for id, n := range g.Nodes {
		inDegree[id] = len(n.Dependencies)
		snapshot[id] = n
	}
	g.mu.RUnlock()

	ready := make(chan *Node, total+1)
	results := make(chan nodeResult, total+1)
	dispatched := 0
	for id, d := range inDegree {
		if d == 0 {
			ready <- snapshot[id]
			dispatched++
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < e.maxConcurrent; i++ {
		wg.Add(1)
		go e.worker(ctx, g, ready, results, &wg)
	}

	outcome := e.coordinate(ctx, g, snapshot, inDegree, ready, results, dispatched)

	close(ready)
	wg.Wait()
	close(results)

	g.mu.Lock()
	completedAt := time.Now()
	g.CompletedAt = &completedAt
	g.Status = outcome
	g.mu.Unlock()

	var ev LogEvent
	switch outcome {
	case model.Completed:
		ev = EventDagCompleted
	case model.Cancelled:
		ev = EventDagCancelled
	default:
		ev = EventDagFailed
	}
	g.Log.Append(g.ID, "", ev, string(outcome), "", time.Since(*g.StartedAt))
	e.emit(observability.Event{Kind: observability.DagStateChanged, EntityID: g.ID, DAGID: g.ID, Status: string(outcome)})

	if outcome == model.Cancelled {
		return taskerr.New(taskerr.Cancelled, "dag cancelled: "+g.ID)
	}
	return nil
}

// worker executes nodes pulled from ready until the channel is closed.
func (e *Engine) worker(ctx context.Context, g *Graph, ready <-chan *Node, results chan<- nodeResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ready:
			if !ok {
				return
			}
			if e.metrics.DAGParallelism != nil {
				e.metrics.DAGParallelism.Record(ctx, 1)
			}
			err := e.runNode(ctx, g, n)
			if e.metrics.DAGParallelism != nil {
				e.metrics.DAGParallelism.Record(ctx, -1)
			}
			results <- nodeResult{node: n, err: err}
		}
	}
}

// coordinate consumes worker results, advances in-degree bookkeeping, and
// propagates failure per the graph's strict/non-strict policy. It returns
// once every dispatched node has resolved and no further node has become
// dispatchable — under non-strict propagation a failed node's dependents
// are never dispatched and remain PENDING forever (spec §4.G), so the
// termination condition is "dispatched == resolved", not "all nodes
// terminal".
func (e *Engine) coordinate(ctx context.Context, g *Graph, nodes map[string]*Node, inDegree map[string]int, ready chan<- *Node, results <-chan nodeResult, dispatched int) model.Status {
	resolved := 0
	anyFailed := false
	for resolved < dispatched {
		select {
		case <-ctx.Done():
			e.cancelRemaining(g)
			return model.Cancelled
		case res := <-results:
			resolved++
			n := res.node
			if res.err != nil {
				anyFailed = true
				g.Log.Append(g.ID, n.ID, EventNodeFailed, string(n.Status), res.err.Error(), 0)
				if g.Strict {
					e.skipDependents(g, n)
				}
				// non-strict: dependents simply never reach in-degree 0
				// and remain PENDING forever, per spec §4.G.
				continue
			}
			g.Log.Append(g.ID, n.ID, EventNodeCompleted, string(n.Status), "", 0)
			for depID := range n.Dependents {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					ready <- nodes[depID]
					dispatched++
				}
			}
		}
	}
	if anyFailed {
		return model.Failed
	}
	return model.Completed
}

// skipDependents recursively marks every transitive dependent of a failed
// node SKIPPED (strict mode only), mirroring the reference skipChildren.
// Skipped nodes are never dispatched to a worker, so they do not affect
// the coordinator's dispatched/resolved tally.
func (e *Engine) skipDependents(g *Graph, n *Node) {
	var walk func(*Node)
	walk = func(cur *Node) {
		for depID := range cur.Dependents {
			child := g.Nodes[depID]
			if child.Status != model.Pending {
				continue
			}
			child.Status = model.Skipped
			g.Log.Append(g.ID, child.ID, EventNodeSkipped, string(model.Skipped), "", 0)
			e.emit(observability.Event{Kind: observability.NodeStateChanged, EntityID: child.ID, DAGID: g.ID, Status: string(model.Skipped)})
			walk(child)
		}
	}
	walk(n)
}

// cancelRemaining marks RUNNING nodes CANCELLED and PENDING nodes SKIPPED
// when the DAG's context is cancelled mid-execution (spec §4.G).
func (e *Engine) cancelRemaining(g *Graph) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.Nodes {
		switch n.Status {
		case model.Running:
			n.Status = model.Cancelled
			g.Log.Append(g.ID, n.ID, EventNodeFailed, string(model.Cancelled), "context cancelled", 0)
		case model.Pending:
			n.Status = model.Skipped
			g.Log.Append(g.ID, n.ID, EventNodeSkipped, string(model.Skipped), "dag cancelled", 0)
		}
	}
}

// runNode executes a single node with retry/backoff and result caching,
// grounded on the reference executeTask.
func (e *Engine) runNode(ctx context.Context, g *Graph, n *Node) error {
	ctx, span := e.tracer.Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.task_type", n.TaskType),
	))
	defer span.End()

	if n.Cacheable {
		if n.CacheKey == "" {
			n.CacheKey = generateCacheKey(n)
		}
		if cached, found := e.cache.Get(n.CacheKey); found {
			span.AddEvent("cache_hit")
			g.mu.Lock()
			n.Status = model.Completed
			n.Result = &cached
			g.Context[n.ID] = cached.ToAny()
			g.mu.Unlock()
			return nil
		}
	}

	g.mu.Lock()
	n.Status = model.Running
	g.mu.Unlock()
	g.Log.Append(g.ID, n.ID, EventNodeStarted, string(model.Running), "", 0)
	e.emit(observability.Event{Kind: observability.NodeStateChanged, EntityID: n.ID, DAGID: g.ID, Status: string(model.Running)})

	maxAttempts := n.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		attemptCtx := ctx
		var cancel context.CancelFunc
		if n.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, n.Timeout)
		}
		result, err := e.invoke(attemptCtx, n)
		if cancel != nil {
			cancel()
		}
		duration := time.Since(start)

		if err == nil {
			if e.metrics.TaskDuration != nil {
				e.metrics.TaskDuration.Record(ctx, float64(duration.Milliseconds()))
			}
			g.mu.Lock()
			n.Status = model.Completed
			n.RetryCount = attempt - 1
			v := value.Map(result.Values)
			n.Result = &v
			g.Context[n.ID] = v.ToAny()
			g.mu.Unlock()
			if n.Cacheable {
				e.cache.Put(n.CacheKey, v)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind, known := taskerr.KindOf(err)
		if !known {
			kind = taskerr.HandlerError
		}
		if !kind.Retryable() || attempt >= maxAttempts {
			break
		}

		if e.metrics.RetryAttempts != nil {
			e.metrics.RetryAttempts.Add(ctx, 1)
		}
		g.Log.Append(g.ID, n.ID, EventNodeRetrying, string(model.Running), err.Error(), duration)
		delay := clock.Jitter(clock.Backoff(attempt-1, time.Second, 60*time.Second))
		if serr := e.clk.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	kind, known := taskerr.KindOf(lastErr)
	if !known {
		kind = taskerr.HandlerError
	}
	terr := taskerr.Wrap(kind, lastErr.Error(), lastErr)
	g.mu.Lock()
	n.Status = model.Failed
	n.Err = terr
	g.mu.Unlock()
	if e.metrics.TaskFailures != nil {
		e.metrics.TaskFailures.Add(ctx, 1)
	}
	return terr
}

func (e *Engine) invoke(ctx context.Context, n *Node) (registry.HandlerResult, error) {
	if e.reg == nil {
		return registry.HandlerResult{}, taskerr.New(taskerr.UnknownTaskType, "no registry configured")
	}
	h, err := e.reg.Lookup(n.TaskType)
	if err != nil {
		return registry.HandlerResult{}, err
	}
	task := &model.Task{
		ID:       n.ID,
		TaskType: n.TaskType,
		Params:   n.Params,
		Priority: n.Priority,
		Status:   model.Running,
		Timeout:  n.Timeout,
	}
	reporter := registry.ReporterFunc(func(fraction float64, message string) {
		n.Progress = model.Progress{Fraction: fraction, Message: message}
	})
	return h(ctx, task, reporter)
}
