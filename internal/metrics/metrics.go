// Package metrics defines the Prometheus collectors exported by the proxy.
// They are registered via promauto at init and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied requests by backend, model, and upstream
	// status code. Model is "" for non-chat traffic.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total proxied requests",
		},
		[]string{"backend", "model", "status"},
	)

	// InflightRequests mirrors the in-flight tracker's global total.
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrouter_inflight_requests",
			Help: "Requests currently streaming through the proxy",
		},
	)

	// HealthProbeFailures counts /llmhealth probes recorded as invalid.
	HealthProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_health_probe_failures_total",
			Help: "Backend health probes that failed or returned garbage",
		},
		[]string{"backend"},
	)

	// UpstreamErrors counts dispatches that never produced a response.
	UpstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrouter_upstream_errors_total",
			Help: "Upstream dispatch failures answered with 502",
		},
	)
)
