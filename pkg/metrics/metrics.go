// Package metrics holds the Prometheus collectors for the worker pool and the relay.
// Collectors live on a private registry so several relays (or tests) can coexist in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Pool groups the collectors updated by the worker pool.
type Pool struct {
	LiveWorkers        prometheus.Gauge
	BusyWorkers        prometheus.Gauge
	QueuedTasks        prometheus.Gauge
	TasksExecuted      prometheus.Counter
	TaskPanics         prometheus.Counter
	WorkersSpawned     prometheus.Counter
	WorkersRetired     prometheus.Counter
	TerminationsQueued prometheus.Counter
}

// Relay groups the collectors updated by the listener and the forwarder.
type Relay struct {
	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge
	AcceptErrors        prometheus.Counter
	DialFailures        prometheus.Counter
	BytesForwarded      *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram
}

// Metrics bundles both collector groups with the registry they are registered on.
type Metrics struct {
	Registry *prometheus.Registry
	Pool     *Pool
	Relay    *Relay
}

// New creates every collector under the given namespace and registers it,
// together with the Go runtime and process collectors, on a fresh registry.
func New(namespace string) *Metrics {
	p := &Pool{
		LiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "live_workers",
			Help:      "Number of worker goroutines currently alive",
		}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Number of workers currently running a task",
		}),
		QueuedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queued_tasks",
			Help:      "Number of tasks waiting for a worker",
		}),
		TasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_executed_total",
			Help:      "Total number of tasks run to completion or panic",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_panics_total",
			Help:      "Total number of tasks that panicked",
		}),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers_spawned_total",
			Help:      "Total number of workers started",
		}),
		WorkersRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers_retired_total",
			Help:      "Total number of workers that exited",
		}),
		TerminationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "terminations_queued_total",
			Help:      "Total number of termination jobs sent to shed idle workers",
		}),
	}

	r := &Relay{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections accepted",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of client connections currently being relayed",
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept calls",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "backend_dial_failures_total",
			Help:      "Total number of backend connections that could not be opened",
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bytes_forwarded_total",
			Help:      "Total number of bytes relayed, by direction",
		}, []string{"direction"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relayed connections",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.LiveWorkers,
		p.BusyWorkers,
		p.QueuedTasks,
		p.TasksExecuted,
		p.TaskPanics,
		p.WorkersSpawned,
		p.WorkersRetired,
		p.TerminationsQueued,
		r.ConnectionsAccepted,
		r.ActiveConnections,
		r.AcceptErrors,
		r.DialFailures,
		r.BytesForwarded,
		r.ConnectionDuration,
	)

	return &Metrics{Registry: reg, Pool: p, Relay: r}
}
