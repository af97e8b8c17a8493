// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mcoap.
package metrics

import (
	"net/http"
	"time"

	"github.com/absmach/mcoap/pkg/coap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
	DropQueueFull   = "queue_full"
	DropUnexpected  = "unexpected"
)

// Proxy outcomes.
const (
	ProxyForwarded   = "forwarded"
	ProxyTimeout     = "timeout"
	ProxyError       = "error"
	ProxyDuplicate   = "duplicate"
	ProxyCached      = "cached"
	ProxyUnavailable = "unavailable"
	ProxyRejected    = "rejected"
)

// Metrics holds all Prometheus metrics for mcoap. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyForwards       *prometheus.CounterVec
	ProxyPending        prometheus.Gauge
	ProxyDuration       prometheus.Histogram
	BackendActiveSlots  *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	CacheRequests       *prometheus.CounterVec
}

// New creates a Metrics instance registered with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of parsed inbound messages",
			},
			[]string{"type"},
		),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of outbound messages",
			},
			[]string{"type", "code"},
		),
		MessagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of inbound datagrams dropped without reply",
			},
			[]string{"reason"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of dispatched requests",
			},
			[]string{"method", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Dispatch duration in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"method"},
		),
		ProxyForwards: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_forwards_total",
				Help:      "Total number of proxied requests by outcome",
			},
			[]string{"outcome"},
		),
		ProxyPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_pending",
				Help:      "Number of forwards awaiting an upstream reply",
			},
		),
		ProxyDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_duration_seconds",
				Help:      "Upstream round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BackendActiveSlots: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_slots",
				Help:      "Number of upstream slots in use",
			},
			[]string{"backend"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Total number of response cache lookups",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveReceived counts a parsed inbound message.
func (m *Metrics) ObserveReceived(t coap.Type) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(t.String()).Inc()
}

// ObserveSent counts an outbound message.
func (m *Metrics) ObserveSent(t coap.Type, code coap.Code) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(t.String(), code.String()).Inc()
}

// ObserveDrop counts a datagram dropped for reason.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// ObserveRequest tracks a dispatched request. f returns the response code,
// or 0 if nothing was sent.
func (m *Metrics) ObserveRequest(method coap.Code, f func() (coap.Code, error)) error {
	if m == nil {
		_, err := f()
		return err
	}

	start := time.Now()
	code, err := f()
	duration := time.Since(start).Seconds()

	status := "none"
	if code != 0 {
		status = code.String()
	}
	m.RequestsTotal.WithLabelValues(method.String(), status).Inc()
	m.RequestDuration.WithLabelValues(method.String()).Observe(duration)

	return err
}

// ObserveProxy counts a proxy outcome.
func (m *Metrics) ObserveProxy(outcome string) {
	if m == nil {
		return
	}
	m.ProxyForwards.WithLabelValues(outcome).Inc()
}

// ObserveRoundTrip records an upstream round trip.
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyDuration.Observe(d.Seconds())
}

// SetPending sets the number of pending forwards.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.ProxyPending.Set(float64(n))
}

// SetActiveSlots sets the number of upstream slots in use.
func (m *Metrics) SetActiveSlots(backend string, n int) {
	if m == nil {
		return
	}
	m.BackendActiveSlots.WithLabelValues(backend).Set(float64(n))
}

// SetBreakerState records a circuit breaker transition; a move to open
// counts as a trip.
func (m *Metrics) SetBreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}
