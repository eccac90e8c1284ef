package pipeline

import (
	"github.com/swarmguard/taskforge/dag"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

// Graph is a DAG whose nodes are typed stages threading one shared payload
// (spec §3.6). It composes a *dag.Graph for structure and adds a Stages
// side-table keyed by node id.
type Graph struct {
	*dag.Graph
	Stages map[string]*Stage
}

// New constructs an empty pipeline graph.
func New(id, name string) *Graph {
	return &Graph{Graph: dag.New(id, name), Stages: map[string]*Stage{}}
}

// AddStage inserts a node of the given stage type into the graph and
// registers its Stage metadata, returning the underlying node so the caller
// can further configure priority/timeout/retries as for any dag.Node.
func (g *Graph) AddStage(id, taskType string, params map[string]value.Value, stageType Type) *dag.Node {
	n := dag.NewNode(id, taskType, params, model.Normal, 0, 0)
	g.AddNode(n)
	g.Stages[id] = &Stage{NodeID: id, Type: stageType}
	return n
}

// stage returns the stage metadata for a node id; for a node with no
// registered Stage it returns a fresh plain TRANSFORM Stage, never nil.
func (g *Graph) stage(nodeID string) *Stage {
	if s, ok := g.Stages[nodeID]; ok {
		return s
	}
	return &Stage{NodeID: nodeID, Type: Transform}
}

// Validate extends dag.Graph.Validate with pipeline-specific invariants:
// SOURCE stages must have no dependencies, and every BRANCH stage's outgoing
// edges must carry a non-empty label naming the branch they represent.
func (g *Graph) Validate() error {
	if err := g.Graph.Validate(); err != nil {
		return err
	}
	for id, n := range g.Nodes {
		s := g.stage(id)
		if s.Type == Source && len(n.Dependencies) > 0 {
			return taskerr.New(taskerr.InvalidState, "SOURCE stage must have no dependencies: "+id)
		}
	}
	for _, e := range g.Edges {
		if g.stage(e.Source).Type == Branch && e.Label == "" {
			return taskerr.New(taskerr.InvalidState, "edge out of BRANCH stage "+e.Source+" must carry a branch label")
		}
	}
	return nil
}

// SetPayload seeds the pipeline's starting payload, which becomes the input
// of every stage with no dependencies (SOURCE stages included). Without a
// seeded payload those stages receive a null Value.
func (g *Graph) SetPayload(v value.Value) {
	g.Context[payloadKey] = v
}

const payloadKey = "_pipeline_payload"
