// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_submitted_total",
		Help: "Total number of tasks submitted, including deduplicated resubmissions",
	})
	TasksDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_deduplicated_total",
		Help: "Total number of Submit calls that hit an existing dedupe key",
	})
	TasksClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_claimed_total",
		Help: "Total number of successful claims",
	})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Total number of tasks completed successfully",
	})
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_failed_total",
		Help: "Total number of tasks that reached the terminal failed state",
	})
	TasksRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_requeued_total",
		Help: "Total number of tasks returned to pending after a failed attempt",
	})
	TasksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_reclaimed_total",
		Help: "Total number of claims forcibly reclaimed by the expiry sweep or an operator force-reclaim",
	})
	ClaimDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_claim_duration_seconds",
		Help:    "Wall time of the Claim transaction, including row-lock wait",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current count of tasks by type name and status, sampled on demand",
	}, []string{"type", "status"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storage_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_circuit_breaker_trips_total",
		Help: "Count of times the storage circuit breaker transitioned to Open",
	})
	SlowQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_slow_queries_total",
		Help: "Count of storage operations exceeding SlowQueryThreshold",
	})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

func init() {
	prometheus.MustRegister(
		TasksSubmitted, TasksDeduplicated, TasksClaimed, TasksCompleted, TasksFailed,
		TasksRequeued, TasksReclaimed, ClaimDuration, QueueDepth,
		CircuitBreakerState, CircuitBreakerTrips, SlowQueries, HTTPRequestDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
