package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency through the middleware
// pipeline (component K).
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kernel",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth reports the number of jobs waiting in each queue state
// (component E).
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs currently in a given queue/state.",
	},
	[]string{"queue", "state"},
)

// JobOutcomesTotal counts job completions by terminal status (component E/F).
var JobOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "jobs",
		Name:      "outcomes_total",
		Help:      "Total number of job executions by terminal status.",
	},
	[]string{"task", "status"},
)

// JobDuration tracks handler execution time (component F).
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kernel",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job handler execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"task"},
)

// RateLimitRejectionsTotal counts sliding-window rejections (component H).
var RateLimitRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total number of requests rejected by the rate limiter.",
	},
	[]string{"tier"},
)

// LeaseRejectionsTotal counts stream-lease cap rejections (component G).
var LeaseRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "leases",
		Name:      "rejections_total",
		Help:      "Total number of stream lease acquisitions rejected due to the per-principal cap.",
	},
)

// IdempotencyReplaysTotal counts idempotency cache hits (component I).
var IdempotencyReplaysTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "idempotency",
		Name:      "replays_total",
		Help:      "Total number of requests served from the idempotency cache.",
	},
)

// MigrationsAppliedTotal counts migration records written (component C).
var MigrationsAppliedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "migrations",
		Name:      "applied_total",
		Help:      "Total number of schema migrations applied.",
	},
)

// kernelCollectors are registered on every metrics registry the kernel builds.
func kernelCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		QueueDepth,
		JobOutcomesTotal,
		JobDuration,
		RateLimitRejectionsTotal,
		LeaseRejectionsTotal,
		IdempotencyReplaysTotal,
		MigrationsAppliedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the kernel's own collectors, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range kernelCollectors() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
