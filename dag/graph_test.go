package dag

import (
	"testing"

	"github.com/swarmguard/taskforge/model"
)

func buildLinear(t *testing.T) *Graph {
	t.Helper()
	g := New("g1", "linear")
	g.AddNode(NewNode("a", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	if err := g.AddEdge("a", "b", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	return g
}

func TestValidateAcceptsDAG(t *testing.T) {
	g := buildLinear(t)
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid DAG, got %v", err)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	g := New("g2", "cycle")
	g.AddNode(NewNode("a", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	if err := g.AddEdge("a", "b", ""); err != nil {
		t.Fatalf("AddEdge a->b failed: %v", err)
	}
	if err := g.AddEdge("b", "a", ""); err != nil {
		t.Fatalf("AddEdge b->a failed: %v", err)
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestValidateDetectsDanglingDependency(t *testing.T) {
	g := New("g3", "dangling")
	g.AddNode(NewNode("a", "noop", nil, model.Normal, 0, 0))
	if err := g.AddEdge("a", "ghost", ""); err == nil {
		t.Fatalf("expected AddEdge to reject a missing target node")
	}
}

func TestTopoOrderRespectsPriorityTieBreak(t *testing.T) {
	g := New("g4", "tiebreak")
	g.AddNode(NewNode("low", "noop", nil, model.Low, 0, 0))
	g.AddNode(NewNode("critical", "noop", nil, model.Critical, 0, 0))
	g.AddNode(NewNode("normal", "noop", nil, model.Normal, 0, 0))

	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder failed: %v", err)
	}
	if order[0].ID != "critical" || order[1].ID != "normal" || order[2].ID != "low" {
		got := make([]string, len(order))
		for i, n := range order {
			got[i] = n.ID
		}
		t.Fatalf("expected [critical normal low], got %v", got)
	}
}

func TestTopoOrderCachedUntilMutation(t *testing.T) {
	g := buildLinear(t)
	first, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder failed: %v", err)
	}
	second, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("expected cached order to be stable")
	}
	g.AddNode(NewNode("c", "noop", nil, model.Normal, 0, 0))
	third, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder after mutation failed: %v", err)
	}
	if len(third) != 3 {
		t.Fatalf("expected order to include the newly added node, got %d entries", len(third))
	}
}
