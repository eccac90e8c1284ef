package manager

import (
	"context"
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

func TestCreateTaskStartsPendingAndIsNotQueued(t *testing.T) {
	reg := registry.New()
	reg.Register("noop", noopHandler())
	m := New(Options{Registry: reg})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if task.Status != model.Pending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}
	got, ok := m.GetTask(task.ID)
	if !ok || got.ID != task.ID {
		t.Fatalf("expected GetTask to find created task")
	}
}

func TestEnqueueRunsAndCompletesTask(t *testing.T) {
	reg := registry.New()
	reg.Register("noop", noopHandler())
	m := New(Options{Registry: reg, MaxConcurrent: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if err := m.EnqueueTask(task.ID); err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetTask(task.ID)
		if got.Status == model.Completed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected task to complete, got %s", task.Status)
}

func TestEnqueueRequiresPending(t *testing.T) {
	reg := registry.New()
	m := New(Options{Registry: reg})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if err := m.EnqueueTask(task.ID); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	if err := m.EnqueueTask(task.ID); err == nil {
		t.Fatalf("expected second enqueue of an already QUEUED task to be rejected")
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	reg := registry.New()
	m := New(Options{Registry: reg})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if err := m.PauseTask(task.ID); err == nil {
		t.Fatalf("expected pause on a PENDING task to be rejected")
	}
}

func TestCancelQueuedTaskRemovesFromQueue(t *testing.T) {
	reg := registry.New()
	m := New(Options{Registry: reg, MaxConcurrent: 1})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if err := m.EnqueueTask(task.ID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := m.CancelTask(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != model.Cancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if s := m.Stats(); s.QueueSize != 0 || s.Cancelled != 1 {
		t.Fatalf("expected the cancelled task to leave the queue, got %+v", s)
	}
}

func TestCancelTerminalTaskRejected(t *testing.T) {
	reg := registry.New()
	m := New(Options{Registry: reg})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	_ = m.EnqueueTask(task.ID)
	_ = m.CancelTask(task.ID)
	if err := m.CancelTask(task.ID); err == nil {
		t.Fatalf("expected cancel on an already-terminal task to be rejected")
	}
}

func TestRetryRequeuesFailedTaskAndResetsRetryCount(t *testing.T) {
	reg := registry.New()
	reg.Register("fail", func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		return registry.HandlerResult{}, taskerr.New(taskerr.InvalidState, "boom")
	})
	m := New(Options{Registry: reg, MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	task := m.CreateTask("ingest", "fail", nil, model.Normal, 0, 0)
	if err := m.EnqueueTask(task.ID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetTask(task.ID)
		if got.Status == model.Failed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != model.Failed {
		t.Fatalf("expected task to reach FAILED, got %s", got.Status)
	}

	if err := m.RetryTask(task.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, _ = m.GetTask(task.ID)
	if got.RetryCount != 0 {
		t.Fatalf("expected RetryTask to reset retry count, got %d", got.RetryCount)
	}
	if got.Status != model.Queued {
		t.Fatalf("expected QUEUED after retry, got %s", got.Status)
	}
}

func TestRetryRequiresFailed(t *testing.T) {
	reg := registry.New()
	m := New(Options{Registry: reg})
	task := m.CreateTask("ingest", "noop", nil, model.Normal, 0, 0)
	if err := m.RetryTask(task.ID); err == nil {
		t.Fatalf("expected retry on a PENDING task to be rejected")
	}
}

func TestDependenciesGateDispatch(t *testing.T) {
	reg := registry.New()
	reg.Register("noop", noopHandler())
	m := New(Options{Registry: reg, MaxConcurrent: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	upstream := m.CreateTask("upstream", "noop", nil, model.Normal, 0, 0)
	downstream := m.CreateTask("downstream", "noop", nil, model.Normal, 0, 0)
	downstream.Dependencies = map[string]struct{}{upstream.ID: {}}

	if err := m.EnqueueTask(downstream.ID); err != nil {
		t.Fatalf("enqueue downstream failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	got, _ := m.GetTask(downstream.ID)
	if got.Status == model.Completed {
		t.Fatalf("downstream should not run before its dependency completes")
	}

	if err := m.EnqueueTask(upstream.ID); err != nil {
		t.Fatalf("enqueue upstream failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetTask(downstream.ID)
		if got.Status == model.Completed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected downstream to complete once its dependency finished")
}
