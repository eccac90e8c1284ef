package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueGauges holds the point-in-time Prometheus gauges for the priority
// work queue and task manager, a pull-based complement to the OTLP push
// histograms in Metrics: gauges answer "what is true right now", histograms
// answer "what was the distribution of past durations".
type QueueGauges struct {
	Registry      *prometheus.Registry
	QueuedByPrio  *prometheus.GaugeVec
	Running       prometheus.Gauge
	TotalAdmitted prometheus.Gauge
	Completed     prometheus.Gauge
	Failed        prometheus.Gauge
}

// NewQueueGauges registers a fresh set of queue/task-manager gauges on a new
// Prometheus registry, ready to be scraped over /metrics by an embedding
// application.
func NewQueueGauges() *QueueGauges {
	reg := prometheus.NewRegistry()
	qg := &QueueGauges{
		Registry: reg,
		QueuedByPrio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Number of tasks currently queued, by priority level.",
		}, []string{"priority"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_running_tasks",
			Help: "Number of tasks currently running (in-flight).",
		}),
		TotalAdmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_total_admitted",
			Help: "Total number of tasks ever admitted to the work queue.",
		}),
		Completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_completed_tasks",
			Help: "Total number of tasks that reached COMPLETED.",
		}),
		Failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_failed_tasks",
			Help: "Total number of tasks that reached FAILED.",
		}),
	}
	reg.MustRegister(qg.QueuedByPrio, qg.Running, qg.TotalAdmitted, qg.Completed, qg.Failed)
	return qg
}
