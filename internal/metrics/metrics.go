// Package metrics defines the prometheus collectors exported by the worker
// pool, the wave executor and the battle orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conductor"

// Pool holds worker pool metrics.
type Pool struct {
	Size         prometheus.Gauge
	BusyWorkers  prometheus.Gauge
	QueueDepth   prometheus.Gauge
	Submitted    prometheus.Counter
	Tasks        *prometheus.CounterVec
	TaskDuration prometheus.Histogram
	Restarts     prometheus.Counter
	ScaleEvents  *prometheus.CounterVec
}

// Executor holds wave executor metrics.
type Executor struct {
	Subtasks        *prometheus.CounterVec
	SubtaskDuration prometheus.Histogram
	Layers          prometheus.Counter
	Batches         prometheus.Counter
}

// Battle holds battle orchestrator metrics.
type Battle struct {
	Sessions prometheus.Counter
	Branches *prometheus.CounterVec
	Merges   *prometheus.CounterVec
}

// Metrics bundles every collector group.
type Metrics struct {
	Registry *prometheus.Registry
	Pool     *Pool
	Executor *Executor
	Battle   *Battle
}

// New creates all collectors on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		Registry: reg,
		Pool:     NewPool(reg),
		Executor: NewExecutor(reg),
		Battle:   NewBattle(reg),
	}
}

// NewPool registers worker pool collectors on reg.
func NewPool(reg prometheus.Registerer) *Pool {
	factory := promauto.With(reg)
	return &Pool{
		Size: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "workers",
			Help: "Current number of pool workers",
		}),
		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "busy_workers",
			Help: "Workers currently running a task",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "submitted_total",
			Help: "Tasks accepted by the pool",
		}),
		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "tasks_total",
			Help: "Finished tasks by outcome",
		}, []string{"outcome"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool",
			Name:    "task_duration_seconds",
			Help:    "Task execution time on a worker",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "worker_restarts_total",
			Help: "Workers replaced after a crash",
		}),
		ScaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool",
			Name: "scale_events_total",
			Help: "Auto-scale decisions by direction",
		}, []string{"direction"}),
	}
}

// NewExecutor registers wave executor collectors on reg.
func NewExecutor(reg prometheus.Registerer) *Executor {
	factory := promauto.With(reg)
	return &Executor{
		Subtasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "subtasks_total",
			Help: "Executed subtasks by outcome",
		}, []string{"outcome"}),
		SubtaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor",
			Name:    "subtask_duration_seconds",
			Help:    "Subtask execution time including timeouts",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		Layers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "layers_total",
			Help: "Waves executed",
		}),
		Batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "batches_total",
			Help: "Batches dispatched",
		}),
	}
}

// NewBattle registers battle orchestrator collectors on reg.
func NewBattle(reg prometheus.Registerer) *Battle {
	factory := promauto.With(reg)
	return &Battle{
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "battle",
			Name: "sessions_total",
			Help: "Battle sessions started",
		}),
		Branches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "battle",
			Name: "branches_created_total",
			Help: "Branches created by kind",
		}, []string{"kind"}),
		Merges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "battle",
			Name: "merges_total",
			Help: "Squash merges by stage and outcome",
		}, []string{"stage", "outcome"}),
	}
}
