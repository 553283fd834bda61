// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy data
// plane (spec.md §4.7 Metrics Registry, §6 external metrics surface).
// Latency is tracked with a SummaryVec using the CKMS streaming
// quantile algorithm, giving a bounded-memory p99 estimate without
// retaining raw samples (spec.md §4.7: "a streaming quantile estimator
// with bounded memory is acceptable").
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the data plane emits. One Registry is
// constructed per process and shared by the TCP engine, UDP engine, and
// pkg/state (circuit-breaker transitions).
type Registry struct {
	// Connection-level, labeled by protocol ("tcp"/"udp").
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	FailedConnections *prometheus.CounterVec

	// Byte counters, labeled by protocol and direction ("sent"/"received").
	BytesTotal *prometheus.CounterVec

	// Per-backend.
	BackendActiveConnections *prometheus.GaugeVec
	BackendTotalRequests     *prometheus.CounterVec
	BackendFailedRequests    *prometheus.CounterVec
	BackendBytesTotal        *prometheus.CounterVec
	BackendLatencyMs         *prometheus.SummaryVec

	// Circuit breaker.
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter.
	RateLimitedTotal *prometheus.CounterVec

	// NAT / UDP session table.
	ActiveSessions  prometheus.Gauge
	SessionsEvicted *prometheus.CounterVec

	// Resource.
	GoroutinesActive prometheus.GaugeFunc
}

// quantileObjectives configures the CKMS estimator for p50/p90/p99 with
// the corresponding absolute error tolerances.
var quantileObjectives = map[float64]float64{
	0.5:  0.05,
	0.9:  0.01,
	0.99: 0.001,
}

// New registers and returns a fresh Registry under namespace (defaulting
// to "l4proxy"). goroutineCount, when non-nil, backs the
// GoroutinesActive gauge (spec.md Supplemented Feature: resource
// ceilings feeding readiness).
func New(namespace string, goroutineCount func() float64) *Registry {
	if namespace == "" {
		namespace = "l4proxy"
	}

	r := &Registry{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Currently active client connections/sessions",
			},
			[]string{"protocol"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total connections/sessions admitted",
			},
			[]string{"protocol"},
		),
		FailedConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_failed_total",
				Help:      "Total connections/sessions that ended in error (rate limited, no backend, connect failure)",
			},
			[]string{"protocol", "reason"},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total bytes relayed",
			},
			[]string{"protocol", "direction"},
		),
		BackendActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_connections",
				Help:      "Currently active connections/sessions to a backend",
			},
			[]string{"backend"},
		),
		BackendTotalRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total flows routed to a backend",
			},
			[]string{"backend"},
		),
		BackendFailedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_failed_total",
				Help:      "Total flows to a backend that ended in error",
			},
			[]string{"backend"},
		),
		BackendBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_bytes_total",
				Help:      "Total bytes relayed to/from a backend",
			},
			[]string{"backend", "direction"},
		),
		BackendLatencyMs: promauto.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Name:       "backend_latency_milliseconds",
				Help:       "Backend connect/response latency in milliseconds",
				Objectives: quantileObjectives,
				MaxAge:     10 * time.Minute,
			},
			[]string{"backend"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per backend (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total Closed/HalfOpen -> Open transitions per backend",
			},
			[]string{"backend"},
		),
		RateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total flows denied admission by the rate limiter",
			},
			[]string{"protocol", "scope"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "udp_sessions_active",
				Help:      "Currently tracked UDP NAT sessions",
			},
		),
		SessionsEvicted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "udp_sessions_evicted_total",
				Help:      "Total UDP sessions evicted",
			},
			[]string{"reason"},
		),
	}

	if goroutineCount != nil {
		r.GoroutinesActive = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Current goroutine count, sampled from runtime.NumGoroutine",
			},
			goroutineCount,
		)
	}

	return r
}

// ObserveConnection tracks a single connection/session lifecycle: active
// gauge up, total counter, duration-independent outcome accounting, and
// gauge down on completion. f is invoked with the call in progress.
func (r *Registry) ObserveConnection(protocol string, f func() error) error {
	r.ActiveConnections.WithLabelValues(protocol).Inc()
	defer r.ActiveConnections.WithLabelValues(protocol).Dec()

	r.TotalConnections.WithLabelValues(protocol).Inc()

	err := f()
	if err != nil {
		r.FailedConnections.WithLabelValues(protocol, errorReason(err)).Inc()
	}
	return err
}

// errorReason maps an error to a coarse metrics label. Unknown errors
// fall back to "other" rather than growing the label cardinality
// unbounded.
func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return "other"
}

// RecordBackendLatency observes a connect/response latency sample for a
// backend, in milliseconds.
func (r *Registry) RecordBackendLatency(backendAddr string, latency time.Duration) {
	r.BackendLatencyMs.WithLabelValues(backendAddr).Observe(float64(latency.Microseconds()) / 1000.0)
}

// RecordBytes adds n to the global and per-backend byte counters for the
// given protocol, backend, and direction ("sent" or "received").
func (r *Registry) RecordBytes(protocol, backendAddr, direction string, n uint64) {
	if n == 0 {
		return
	}
	r.BytesTotal.WithLabelValues(protocol, direction).Add(float64(n))
	r.BackendBytesTotal.WithLabelValues(backendAddr, direction).Add(float64(n))
}
