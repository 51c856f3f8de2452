// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// workerLabels is the label set every per-worker gauge/counter carries.
var workerLabels = []string{"worker_id", "class", "hostname", "deployment_env", "region"}

var (
	WorkerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_state",
		Help: "Current worker state: 0 idle, 1 waiting, 2 busy, 3 error, 4 shutdown",
	}, workerLabels)

	WorkerUptimeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_uptime_seconds",
		Help: "Seconds since the worker process started",
	}, workerLabels)

	WorkerJobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_processed_total",
		Help: "Total jobs a worker has completed successfully",
	}, workerLabels)

	WorkerJobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_failed_total",
		Help: "Total failed job attempts on a worker, counting each failed retry",
	}, workerLabels)

	WorkerMemoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_memory_bytes",
		Help: "Resident memory of the worker process",
	}, workerLabels)

	WorkerCPUPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_cpu_percent",
		Help: "Worker process CPU utilization percentage",
	}, workerLabels)

	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})

	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current stream length for a class's jobs queue",
	}, []string{"class", "stream"})

	QueueTrueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_true_depth",
		Help: "pending_count + new_estimate for a class's jobs queue",
	}, []string{"class"})

	QueueOldestPendingAgeMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_oldest_pending_age_ms",
		Help: "Age in milliseconds of the oldest unacknowledged pending entry",
	}, []string{"class"})

	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "store_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})

	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_circuit_breaker_trips_total",
		Help: "Count of times the store circuit breaker transitioned to Open",
	})

	ScalingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scaling_decisions_total",
		Help: "Count of autoscaler decisions by class and action",
	}, []string{"class", "action"})

	ScalingCurrentReplicas = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scaling_current_replicas",
		Help: "Replicas reported by the scaling backend for a class",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(
		WorkerState, WorkerUptimeSeconds, WorkerJobsProcessed, WorkerJobsFailed,
		WorkerMemoryBytes, WorkerCPUPercent, JobProcessingDuration,
		QueueLength, QueueTrueDepth, QueueOldestPendingAgeMs,
		CircuitBreakerState, CircuitBreakerTrips,
		ScalingDecisions, ScalingCurrentReplicas,
	)
}

// StartMetricsServer exposes /metrics and returns a server for
// controlled shutdown. Prefer StartHTTPServer, which also registers
// health endpoints; this is kept for callers that only want metrics.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
