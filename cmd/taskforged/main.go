// Command taskforged is a demonstration binary wiring the full core
// runtime behind an HTTP surface, grounded on the reference orchestrator's
// main() (http.ServeMux, /health, /metrics, graceful shutdown via
// signal.NotifyContext) but exposing the Task Manager, DAG Engine, and
// Trigger Manager instead of the reference's single ad hoc workflow
// executor.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskforge/dag"
	"github.com/swarmguard/taskforge/model"
	"github.com/swarmguard/taskforge/observability"
	"github.com/swarmguard/taskforge/persistence"
	"github.com/swarmguard/taskforge/registry"
	"github.com/swarmguard/taskforge/resilience"
	"github.com/swarmguard/taskforge/runtime"
	"github.com/swarmguard/taskforge/trigger"
	"github.com/swarmguard/taskforge/value"
)

func main() {
	service := "taskforged"
	logger := observability.InitLogging(service)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := observability.InitTracer(ctx, service)
	shutdownMetrics, metrics := observability.InitMetrics(ctx, service)
	gauges := observability.NewQueueGauges()
	bus := observability.NewEventBus()
	bus.Subscribe(func(ev observability.Event) {
		slog.Debug("event", "kind", ev.Kind, "entity_id", ev.EntityID, "status", ev.Status)
	})

	dbPath := os.Getenv("TASKFORGE_DB_PATH")
	if dbPath == "" {
		dbPath = "taskforge.db"
	}
	store, err := persistence.Open(dbPath, otel.Meter("taskforge-persistence"))
	if err != nil {
		slog.Error("bbolt store open failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	registerHandlers(reg, metrics)

	rt := runtime.New(runtime.Options{
		Registry:                 reg,
		Store:                    store,
		Bus:                      bus,
		Metrics:                  metrics,
		Gauges:                   gauges,
		TaskManagerMaxConcurrent: 16,
		DAGMaxConcurrent:         8,
		TriggerTickInterval:      time.Second,
	})
	rt.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gauges.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/tasks", newTasksHandler(rt))
	mux.HandleFunc("/v1/dags", newDAGsHandler(rt))
	mux.HandleFunc("/v1/triggers", newTriggersHandler(rt))

	addr := ":8080"
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("taskforged started", "addr", addr)
	<-ctx.Done()

	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	rt.Stop()
	observability.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// registerHandlers installs the illustrative task_type handlers a fresh
// runtime ships with: an HTTP-fetch handler guarded by the resilience
// stack (grounded on services/orchestrator/task_executor.go's
// HTTPTaskExecutor) and a sleep/echo handler useful for exercising DAGs
// and pipelines without external dependencies.
func registerHandlers(reg *registry.Registry, metrics observability.Metrics) {
	limiter := resilience.NewRateLimiter(resilience.LimiterOptions{
		Capacity:     20,
		FillRate:     10,
		WindowDur:    time.Minute,
		MaxPerWindow: 300,
		OnDenied: func(reason string) {
			if metrics.RateLimitDenials != nil {
				metrics.RateLimitDenials.Add(context.Background(), 1)
			}
			slog.Warn("http_fetch rate limited", "reason", reason)
		},
	})
	breaker := resilience.NewCircuitBreaker(resilience.BreakerOptions{
		WindowSize:      30 * time.Second,
		MinSamples:      5,
		FailureRateOpen: 0.5,
		HalfOpenAfter:   10 * time.Second,
		OnOpen: func() {
			if metrics.CircuitOpens != nil {
				metrics.CircuitOpens.Add(context.Background(), 1)
			}
			slog.Warn("http_fetch circuit opened")
		},
		OnClose: func() {
			if metrics.CircuitCloses != nil {
				metrics.CircuitCloses.Add(context.Background(), 1)
			}
			slog.Info("http_fetch circuit closed")
		},
	})

	client := &http.Client{Timeout: 15 * time.Second}
	reg.Register("http_fetch", resilience.Guard(httpFetchHandler(client), limiter, breaker))
	reg.Register("sleep_echo", sleepEchoHandler())
}

func sleepEchoHandler() registry.Handler {
	return func(ctx context.Context, task *model.Task, report registry.ProgressReporter) (registry.HandlerResult, error) {
		delay := 10 * time.Millisecond
		if d, ok := task.Params["delay_ms"]; ok {
			if n, ok := d.AsNumber(); ok {
				delay = time.Duration(n) * time.Millisecond
			}
		}
		report.Report(0, "sleeping")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return registry.HandlerResult{}, ctx.Err()
		}
		report.Report(1, "done")
		echo := task.Params["_input"]
		return registry.HandlerResult{Values: map[string]value.Value{"_output": echo, "echo": echo}}, nil
	}
}

func newTasksHandler(rt *runtime.CoreRuntime) http.HandlerFunc {
	type createRequest struct {
		Name       string                 `json:"name"`
		TaskType   string                 `json:"task_type"`
		Params     map[string]interface{} `json:"params"`
		Priority   int                    `json:"priority"`
		MaxRetries int                    `json:"max_retries"`
		TimeoutMS  int                    `json:"timeout_ms"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			t := rt.Tasks.CreateTask(req.Name, req.TaskType, value.FromStringMap(req.Params),
				model.Priority(req.Priority), req.MaxRetries, time.Duration(req.TimeoutMS)*time.Millisecond)
			if err := rt.Tasks.EnqueueTask(t.ID); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(t)
		case http.MethodGet:
			if id := r.URL.Query().Get("id"); id != "" {
				t, ok := rt.Tasks.GetTask(id)
				if !ok {
					http.NotFound(w, r)
					return
				}
				_ = json.NewEncoder(w).Encode(t)
				return
			}
			_ = json.NewEncoder(w).Encode(rt.Tasks.ListTasks(nil, nil))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newDAGsHandler(rt *runtime.CoreRuntime) http.HandlerFunc {
	type nodeSpec struct {
		ID           string                 `json:"id"`
		TaskType     string                 `json:"task_type"`
		Params       map[string]interface{} `json:"params"`
		Priority     int                    `json:"priority"`
		Dependencies []string               `json:"dependencies"`
	}
	type dagSpec struct {
		ID     string     `json:"id"`
		Name   string     `json:"name"`
		Strict bool       `json:"strict"`
		Nodes  []nodeSpec `json:"nodes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var spec dagSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		g := dag.New(spec.ID, spec.Name)
		g.Strict = spec.Strict
		for _, n := range spec.Nodes {
			g.AddNode(dag.NewNode(n.ID, n.TaskType, value.FromStringMap(n.Params), model.Priority(n.Priority), 0, 0))
		}
		for _, n := range spec.Nodes {
			for _, dep := range n.Dependencies {
				if err := g.AddEdge(dep, n.ID, ""); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		if err := rt.DAG.Execute(ctx, g); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(g)
	}
}

func newTriggersHandler(rt *runtime.CoreRuntime) http.HandlerFunc {
	type createRequest struct {
		Name     string                 `json:"name"`
		Type     trigger.Type           `json:"type"`
		TaskType string                 `json:"task_type"`
		Params   map[string]interface{} `json:"params"`
		Interval time.Duration          `json:"interval_ms"`
		CronExpr string                 `json:"cron_expr"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			t := &trigger.Trigger{
				Name:     req.Name,
				Type:     req.Type,
				Interval: req.Interval * time.Millisecond,
				CronExpr: req.CronExpr,
				TaskTemplate: trigger.TaskTemplate{
					Name:     req.Name,
					TaskType: req.TaskType,
					Params:   value.FromStringMap(req.Params),
				},
			}
			if err := rt.Triggers.AddTrigger(t); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(t)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(rt.Triggers.List())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
