package dag

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/taskerr"
)

func noopHandler() registry.Handler {
	return func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, nil
	}
}

func TestExecuteRejectsCyclicGraph(t *testing.T) {
	reg := registry.New()
	reg.Register("noop", noopHandler())
	g := New("g", "cycle")
	g.AddNode(NewNode("a", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	_ = g.AddEdge("a", "b", "")
	_ = g.AddEdge("b", "a", "")

	e := New(Options{Registry: reg, MaxConcurrent: 2})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Execute(ctx, g); err == nil {
		t.Fatalf("expected cyclic graph to be rejected")
	}
}

func TestExecuteParallelFanOut(t *testing.T) {
	reg := registry.New()
	var concurrent int32
	var maxConcurrent int32
	reg.Register("noop", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return registry.HandlerResult{}, nil
	})

	g := New("g", "fan")
	g.AddNode(NewNode("a", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("c", "noop", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("d", "noop", nil, model.Normal, 0, 0))
	_ = g.AddEdge("a", "b", "")
	_ = g.AddEdge("a", "c", "")
	_ = g.AddEdge("a", "d", "")

	e := New(Options{Registry: reg, MaxConcurrent: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := e.Execute(ctx, g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("expected b,c,d to run concurrently, took %v", time.Since(start))
	}
	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Fatalf("expected at least 2 nodes to run concurrently, saw max %d", maxConcurrent)
	}
	if g.Status != model.Completed {
		t.Fatalf("expected graph to complete, got %s", g.Status)
	}
}

func TestNonStrictFailureLeavesDependentsPending(t *testing.T) {
	reg := registry.New()
	reg.Register("fail", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, taskerr.New(taskerr.InvalidState, "boom")
	})
	reg.Register("noop", noopHandler())

	g := New("g", "nonstrict")
	g.AddNode(NewNode("a", "fail", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	_ = g.AddEdge("a", "b", "")

	e := New(Options{Registry: reg, MaxConcurrent: 2})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Execute(ctx, g); err != nil {
		t.Fatalf("execute should not itself error on node failure: %v", err)
	}
	if g.Status != model.Failed {
		t.Fatalf("expected graph FAILED, got %s", g.Status)
	}
	if g.Nodes["b"].Status != model.Pending {
		t.Fatalf("expected dependent to remain PENDING under non-strict propagation, got %s", g.Nodes["b"].Status)
	}
}

func TestStrictFailurePropagatesSkip(t *testing.T) {
	reg := registry.New()
	reg.Register("fail", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, taskerr.New(taskerr.InvalidState, "boom")
	})
	reg.Register("noop", noopHandler())

	g := New("g", "strict")
	g.Strict = true
	g.AddNode(NewNode("a", "fail", nil, model.Normal, 0, 0))
	g.AddNode(NewNode("b", "noop", nil, model.Normal, 0, 0))
	_ = g.AddEdge("a", "b", "")

	e := New(Options{Registry: reg, MaxConcurrent: 2})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Execute(ctx, g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if g.Nodes["b"].Status != model.Skipped {
		t.Fatalf("expected dependent SKIPPED under strict propagation, got %s", g.Nodes["b"].Status)
	}
}

func TestRetryOnRetryableHandlerError(t *testing.T) {
	reg := registry.New()
	var attempts int32
	var mu sync.Mutex
	reg.Register("flaky", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return registry.HandlerResult{}, taskerr.New(taskerr.HandlerError, "try again")
		}
		return registry.HandlerResult{}, nil
	})

	g := New("g", "retry")
	n := NewNode("a", "flaky", nil, model.Normal, 0, 3)
	g.AddNode(n)

	e := New(Options{Registry: reg, MaxConcurrent: 1, Clock: nil})
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := e.Execute(ctx, g); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if n.Status != model.Completed {
		t.Fatalf("expected node to eventually succeed, got %s", n.Status)
	}
	if n.RetryCount != 2 {
		t.Fatalf("expected 2 retries before success, got %d", n.RetryCount)
	}
}
