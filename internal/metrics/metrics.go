package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
	// RateLimited counts intake requests rejected by the per-client limiter
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests rejected by the rate limiter."},
	)

	// OptimizerRuns counts optimization runs by outcome (completed, failed, canceled)
	OptimizerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_runs_total", Help: "Optimization runs by outcome."},
		[]string{"status"},
	)
	OptimizerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimizer_run_duration_seconds", Help: "Wall time of optimization runs.", Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}},
	)
	OptimizerBestFitness = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_best_fitness", Help: "Best fitness of the latest run."},
	)
	OptimizerGenerations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "optimizer_generations_total", Help: "Generations evaluated across all runs."},
	)
	OptimizerEvalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "optimizer_eval_failures_total", Help: "Individuals whose evaluation failed and scored zero."},
	)
	OptimizerTrips = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_trips", Help: "Trips in the latest run's plan."},
	)
	OptimizerAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_assigned_requests", Help: "Requests assigned to a trip in the latest run."},
	)
	OptimizerPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimizer_pending_requests", Help: "Requests handed to the latest run."},
	)

	// WebhookDeliveries counts webhook delivery attempts by outcome (delivered, retried, dropped)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by outcome."},
		[]string{"outcome"},
	)
)

// RunOutcome is the subset of a finished run the collectors care about.
type RunOutcome struct {
	Status       string
	Duration     time.Duration
	Generations  int
	EvalFailures int
	BestFitness  float64
	Trips        int
	Assigned     int
	Requests     int
}

// ObserveRun records a finished run. Gauges only move for runs that
// produced a plan.
func ObserveRun(o RunOutcome) {
	OptimizerRuns.WithLabelValues(o.Status).Inc()
	OptimizerRunDuration.Observe(o.Duration.Seconds())
	OptimizerGenerations.Add(float64(o.Generations))
	OptimizerEvalFailures.Add(float64(o.EvalFailures))
	if o.Status == "failed" {
		return
	}
	OptimizerBestFitness.Set(o.BestFitness)
	OptimizerTrips.Set(float64(o.Trips))
	OptimizerAssigned.Set(float64(o.Assigned))
	OptimizerPending.Set(float64(o.Requests))
}

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RateLimited)
		Registry.MustRegister(OptimizerRuns, OptimizerRunDuration, OptimizerBestFitness, OptimizerGenerations)
		Registry.MustRegister(OptimizerEvalFailures, OptimizerTrips, OptimizerAssigned, OptimizerPending)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
