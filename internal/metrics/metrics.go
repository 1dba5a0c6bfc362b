// Package metrics provides Prometheus metrics for the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "flowengine"
)

var (
	// RunsTotal counts runs reaching a terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// RunsActive tracks runs currently being walked by a worker.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of runs currently executing",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts node outcomes.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "nodes_total",
			Help:      "Total number of node outcomes by status",
		},
		[]string{"type", "status"},
	)

	// NodeDuration tracks node execution duration across all attempts.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type", "status"},
	)

	// NodeAttempts tracks how many attempts a node needed.
	NodeAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_attempts",
			Help:      "Number of attempts per node execution",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"final_status"},
	)

	// EdgesTotal counts edge resolutions.
	EdgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "edges_total",
			Help:      "Total number of edge resolutions by status",
		},
		[]string{"status"},
	)

	// QueueOperations counts queue transitions.
	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue operations by queue and kind",
		},
		[]string{"queue", "operation"}, // publish, deliver, ack, nack, expire, dead_letter, replay, purge
	)

	// QueueDepth reports the last observed number of waiting messages.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages waiting for delivery",
		},
		[]string{"queue"},
	)

	// DeadLetterDepth reports the last observed dead-letter size.
	DeadLetterDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letter_depth",
			Help:      "Messages in the dead-letter list",
		},
		[]string{"queue"},
	)

	// DispatchTotal counts run admissions.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "runs_total",
			Help:      "Run dispatch attempts by result",
		},
		[]string{"result"}, // accepted, invalid, rate_limited, filtered, error
	)

	// WorkersBusy tracks workers currently processing a delivery.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently processing a message",
		},
	)

	// DeliveriesTotal counts worker outcomes per delivery.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "deliveries_total",
			Help:      "Deliveries processed by outcome",
		},
		[]string{"outcome"}, // ack, nack
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StoreOperations counts persistence calls.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "result"}, // result: success, error, conflict
	)
)
