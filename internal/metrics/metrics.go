package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts delivery attempts by event type and outcome (success, failure, skipped)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and outcome."},
		[]string{"event_type", "outcome"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
		[]string{"event_type", "outcome"},
	)
	// WebhookTransitions counts delivery records reaching a status
	WebhookTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_transitions_total", Help: "Delivery record status transitions."},
		[]string{"status"},
	)
	WebhookPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_persist_errors_total", Help: "Delivery outcomes that could not be persisted."},
	)

	// RetrySweeps counts sweeps by result (ok, error, skipped)
	RetrySweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_retry_sweeps_total", Help: "Retry sweeps by result."},
		[]string{"result"},
	)
	RetrySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "webhook_retry_sweep_duration_seconds", Help: "Retry sweep duration in seconds.", Buckets: prometheus.DefBuckets},
	)
	RetryClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_retry_claimed_total", Help: "Delivery records claimed by retry sweeps."},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open, labelled by subscription
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "webhook_circuit_breaker_state", Help: "Per-subscription circuit breaker state."},
		[]string{"subscription_id"},
	)
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_circuit_breaker_transitions_total", Help: "Circuit breaker state transitions."},
		[]string{"from", "to"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency, WebhookTransitions, WebhookPersistErrors)
		Registry.MustRegister(RetrySweeps, RetrySweepDuration, RetryClaimed)
		Registry.MustRegister(CircuitBreakerState, CircuitBreakerTransitions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
