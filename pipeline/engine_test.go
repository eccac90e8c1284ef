package pipeline

import (
	"context"
	"testing"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
	"github.com/swarmguard/taskforge/value"
)

func upperHandler() registry.Handler {
	return func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		s, _ := Input(task).AsString()
		out := ""
		for _, r := range s {
			if r >= 'a' && r <= 'z' {
				r -= 32
			}
			out += string(r)
		}
		return Output(value.String(out)), nil
	}
}

func TestLinearTransformThreadsPayload(t *testing.T) {
	reg := registry.New()
	reg.Register("upper", upperHandler())

	g := New("p1", "linear")
	g.AddStage("src", "upper", nil, Source)
	g.AddStage("sink", "upper", nil, Sink)
	if err := g.AddEdge("src", "sink", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	g.SetPayload(value.String("hello"))

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if g.Status != model.Completed {
		t.Fatalf("expected COMPLETED, got %s", g.Status)
	}
	got, _ := g.Nodes["sink"].Result.AsString()
	if got != "HELLO" {
		t.Fatalf("expected payload to thread through both stages uppercased twice, got %q", got)
	}
}

func TestBranchSkipsNonMatchingEdge(t *testing.T) {
	reg := registry.New()
	reg.Register("decide", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{Values: map[string]value.Value{branchKey: value.String("yes")}}, nil
	})
	reg.Register("noop", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return Output(Input(task)), nil
	})

	g := New("p2", "branch")
	g.AddStage("decide", "decide", nil, Branch)
	g.AddStage("yes_path", "noop", nil, Transform)
	g.AddStage("no_path", "noop", nil, Transform)
	if err := g.AddEdge("decide", "yes_path", "yes"); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge("decide", "no_path", "no"); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if g.Nodes["yes_path"].Status != model.Completed {
		t.Fatalf("expected yes_path to run, got %s", g.Nodes["yes_path"].Status)
	}
	if g.Nodes["no_path"].Status != model.Skipped {
		t.Fatalf("expected no_path to be SKIPPED, got %s", g.Nodes["no_path"].Status)
	}
}

func TestParallelStageForksNamedBranches(t *testing.T) {
	reg := registry.New()
	reg.Register("double", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		n, _ := Input(task).AsNumber()
		return Output(value.Number(n * 2)), nil
	})
	reg.Register("square", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		n, _ := Input(task).AsNumber()
		return Output(value.Number(n * n)), nil
	})

	g := New("p3", "fanout")
	g.AddStage("fan", "unused", nil, Parallel)
	g.Stages["fan"].Branches = []ParallelBranch{
		{Name: "double", TaskType: "double"},
		{Name: "square", TaskType: "square"},
	}
	g.SetPayload(value.Number(3))

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	results, ok := g.Nodes["fan"].Result.AsList()
	if !ok || len(results) != 2 {
		t.Fatalf("expected a 2-element list result, got %#v", g.Nodes["fan"].Result)
	}
	seen := map[float64]bool{}
	for _, r := range results {
		n, _ := r.AsNumber()
		seen[n] = true
	}
	if !seen[6] || !seen[9] {
		t.Fatalf("expected both branch outputs (6 and 9), got %v", results)
	}
}

func TestLoopStageIteratesUntilPredicate(t *testing.T) {
	reg := registry.New()
	reg.Register("increment", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		n, _ := Input(task).AsNumber()
		return Output(value.Number(n + 1)), nil
	})

	g := New("p4", "loop")
	g.AddStage("body", "increment", nil, Transform)
	g.AddStage("loop", "unused", nil, Loop)
	g.Stages["loop"].LoopBody = []string{"body"}
	g.Stages["loop"].LoopMax = 10
	g.Stages["loop"].LoopPredicate = func(ctx context.Context, data value.Value) bool {
		n, _ := data.AsNumber()
		return n >= 3
	}
	g.SetPayload(value.Number(0))

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	got, _ := g.Nodes["loop"].Result.AsNumber()
	if got != 3 {
		t.Fatalf("expected loop to stop once the predicate sees 3, got %v", got)
	}
}

func TestMergeStageCombinesFanIn(t *testing.T) {
	reg := registry.New()
	reg.Register("emit", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		v := task.Params["value"]
		return Output(v), nil
	})
	reg.Register("passthrough", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return Output(Input(task)), nil
	})

	g := New("p5", "mergefanin")
	g.AddStage("a", "emit", map[string]value.Value{"value": value.Number(1)}, Source)
	g.AddStage("b", "emit", map[string]value.Value{"value": value.Number(2)}, Source)
	g.AddStage("merge", "passthrough", nil, Merge)
	if err := g.AddEdge("a", "merge", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge("b", "merge", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	list, ok := g.Nodes["merge"].Result.AsList()
	if !ok || len(list) != 2 {
		t.Fatalf("expected merge to collect both upstream outputs into a list, got %#v", g.Nodes["merge"].Result)
	}
}

func TestConditionGateSkipsStage(t *testing.T) {
	reg := registry.New()
	reg.Register("noop", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return Output(Input(task)), nil
	})

	g := New("p6", "conditional")
	g.AddStage("gate", "noop", nil, Filter)
	g.Stages["gate"].Condition = func(ctx context.Context, data value.Value) bool { return false }

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if g.Nodes["gate"].Status != model.Skipped {
		t.Fatalf("expected gate to be SKIPPED when Condition returns false, got %s", g.Nodes["gate"].Status)
	}
}

func TestValidateRejectsBranchEdgeWithoutLabel(t *testing.T) {
	g := New("p7", "badbranch")
	g.AddStage("decide", "noop", nil, Branch)
	g.AddStage("next", "noop", nil, Transform)
	if err := g.AddEdge("decide", "next", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected validation to reject an unlabeled edge out of a BRANCH stage")
	}
}

func TestValidateRejectsSourceWithDependency(t *testing.T) {
	g := New("p8", "badsource")
	g.AddStage("a", "noop", nil, Transform)
	g.AddStage("b", "noop", nil, Source)
	if err := g.AddEdge("a", "b", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected validation to reject a SOURCE stage with a dependency")
	}
}

func TestFailedStagePropagatesUnderStrict(t *testing.T) {
	reg := registry.New()
	reg.Register("boom", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, taskerr.New(taskerr.HandlerError, "boom")
	})
	reg.Register("noop", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return Output(Input(task)), nil
	})

	g := New("p9", "strict")
	g.Strict = true
	g.AddStage("a", "boom", nil, Transform)
	g.AddStage("b", "noop", nil, Transform)
	if err := g.AddEdge("a", "b", ""); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	e := New(Options{Registry: reg})
	if err := e.Execute(context.Background(), g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if g.Status != model.Failed {
		t.Fatalf("expected pipeline FAILED, got %s", g.Status)
	}
	if g.Nodes["b"].Status != model.Skipped {
		t.Fatalf("expected dependent SKIPPED under strict propagation, got %s", g.Nodes["b"].Status)
	}
}

func TestExecuteRejectsContextAlreadyCancelled(t *testing.T) {
	reg := registry.New()
	g := New("p10", "cancelled")
	g.AddStage("a", "noop", nil, Transform)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Options{Registry: reg})
	if err := e.Execute(ctx, g); err == nil {
		t.Fatalf("expected Execute to reject an already-cancelled context")
	}
	if g.Status != model.Cancelled {
		t.Fatalf("expected CANCELLED status, got %s", g.Status)
	}
}
