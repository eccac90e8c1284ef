package dag

import (
	"sync"
	"time"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/taskerr"
)

// Edge is an ordered dependency arrow with an optional label/condition
// string (spec §3.5). The label is opaque to the DAG engine; the Pipeline
// Executor interprets it for BRANCH stages.
type Edge struct {
	Source string
	Target string
	Label  string
}

// Graph is a DAG: id, nodes, edges, a mutable shared context, and a cached
// topological order invalidated on every structural mutation (spec §3.5).
type Graph struct {
	mu sync.RWMutex

	ID          string
	Name        string
	Description string
	Nodes       map[string]*Node
	Edges       []Edge
	Status      model.Status
	Strict      bool // failure propagation: false = non-strict (default), true = strict
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Context     map[string]any

	nextSeq     int
	cachedOrder []*Node
	orderValid  bool

	Log *ExecutionLog
}

// New constructs an empty, PENDING graph.
func New(id, name string) *Graph {
	return &Graph{
		ID:        id,
		Name:      name,
		Nodes:     map[string]*Node{},
		Status:    model.Pending,
		CreatedAt: time.Now(),
		Context:   map[string]any{},
		Log:       NewExecutionLog(0),
	}
}

// Lock, Unlock, RLock and RUnlock expose the graph's coarse mutex so a
// package that composes a *Graph (e.g. pipeline.Graph) can guard its own
// mutations of shared node/graph state with the same lock dag.Engine uses,
// rather than layering a second mutex around the same fields.
func (g *Graph) Lock()    { g.mu.Lock() }
func (g *Graph) Unlock()  { g.mu.Unlock() }
func (g *Graph) RLock()   { g.mu.RLock() }
func (g *Graph) RUnlock() { g.mu.RUnlock() }

// AddNode inserts n into the graph, invalidating the cached order.
func (g *Graph) AddNode(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSeq++
	n.seq = g.nextSeq
	g.Nodes[n.ID] = n
	g.orderValid = false
}

// AddEdge registers a dependency source -> target (target depends on
// source), maintaining the reverse-index Dependents set, and invalidating
// the cached order. It does not itself validate acyclicity — call
// Validate before execution.
func (g *Graph) AddEdge(source, target, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, sok := g.Nodes[source]
	t, tok := g.Nodes[target]
	if !sok || !tok {
		return taskerr.New(taskerr.DanglingDependency, "edge references a missing node: "+source+" -> "+target)
	}
	g.Edges = append(g.Edges, Edge{Source: source, Target: target, Label: label})
	t.Dependencies[source] = struct{}{}
	s.Dependents[target] = struct{}{}
	g.orderValid = false
	return nil
}

// color marks three-colour DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	grey
	black
)

// Validate checks the invariants from spec §4.F: every edge endpoint
// exists, and the edge set induces a DAG (three-colour DFS; a grey→grey
// edge signals a cycle).
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return taskerr.New(taskerr.DanglingDependency, "edge source missing: "+e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return taskerr.New(taskerr.DanglingDependency, "edge target missing: "+e.Target)
		}
	}

	colors := make(map[string]color, len(g.Nodes))
	for id := range g.Nodes {
		colors[id] = white
	}
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = grey
		for depID := range g.Nodes[id].Dependents {
			switch colors[depID] {
			case grey:
				return taskerr.New(taskerr.CycleDetected, "cycle detected at node "+depID)
			case white:
				if err := visit(depID); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}
	for id := range g.Nodes {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoOrder returns nodes in an order consistent with every edge, ties
// broken by priority ordinal (CRITICAL first) then insertion order (spec
// §3.5, §4.F). The result is cached until the next structural mutation.
func (g *Graph) TopoOrder() ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderValid {
		return g.cachedOrder, nil
	}
	if err := g.validateLocked(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		inDegree[id] = len(n.Dependencies)
	}

	order := make([]*Node, 0, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		tier := make([]*Node, 0)
		for id, d := range inDegree {
			if d == 0 {
				tier = append(tier, g.Nodes[id])
				delete(inDegree, id)
			}
		}
		if len(tier) == 0 {
			return nil, taskerr.New(taskerr.CycleDetected, "topological sort stalled: cycle present")
		}
		sortTier(tier)
		for _, n := range tier {
			order = append(order, n)
			for depID := range n.Dependents {
				inDegree[depID]--
			}
		}
	}
	g.cachedOrder = order
	g.orderValid = true
	return order, nil
}

// sortTier breaks ties within a topological tier by priority ordinal then
// insertion sequence, per spec §3.5. Simple insertion sort: tiers are
// small relative to the whole graph in practice.
func sortTier(tier []*Node) {
	for i := 1; i < len(tier); i++ {
		for j := i; j > 0 && less(tier[j], tier[j-1]); j-- {
			tier[j], tier[j-1] = tier[j-1], tier[j]
		}
	}
}

func less(a, b *Node) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

// readySet returns every PENDING node whose dependencies are all COMPLETED
// or SKIPPED, ordered by priority then insertion order.
func (g *Graph) readySet() []*Node {
	ready := make([]*Node, 0)
	for _, n := range g.Nodes {
		if n.isReady(g.Nodes) {
			ready = append(ready, n)
		}
	}
	sortTier(ready)
	return ready
}

// Layout computes the non-semantic visual level hint (§4.F): level(n) = 1 +
// max(level(dep)), 0 for root nodes. Intended for export, not execution.
func (g *Graph) Layout() {
	order, err := g.TopoOrder()
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range order {
		level := 0
		for depID := range n.Dependencies {
			if dep, ok := g.Nodes[depID]; ok && dep.Level+1 > level {
				level = dep.Level + 1
			}
		}
		n.Level = level
	}
}
