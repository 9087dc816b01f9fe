// Package metrics exposes Prometheus collectors for task lifecycle and
// gateway traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics groups the collectors recorded by the worker, the RPC service and
// the gateway client.
type Metrics struct {
	transitions     *prometheus.CounterVec
	inFlight        prometheus.Gauge
	gatewayRequests *prometheus.CounterVec
	heartbeatErrors prometheus.Counter

	gatherer prometheus.Gatherer
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the process-wide instance registered with the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return shared
}

// MustNew registers a fresh set of collectors on reg. Registration errors
// other than AlreadyRegistered panic.
func MustNew(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "in_flight",
			Help:      "Tasks currently executing.",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway round-trips by operation and result.",
		}, []string{"operation", "result"}),
		heartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats that could not be delivered.",
		}),
		gatherer: gatherer,
	}

	m.transitions = register(reg, m.transitions)
	m.inFlight = register(reg, m.inFlight)
	m.gatewayRequests = register(reg, m.gatewayRequests)
	m.heartbeatErrors = register(reg, m.heartbeatErrors)
	return m
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// TaskTransition counts a task entering state.
func (m *Metrics) TaskTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// TaskStarted increments the in-flight gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// TaskFinished decrements the in-flight gauge.
func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// GatewayRequest counts one gateway round-trip. result is "ok" or an error
// class such as "transient".
func (m *Metrics) GatewayRequest(operation, result string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, result).Inc()
}

// HeartbeatFailed counts a heartbeat that was not acknowledged.
func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.heartbeatErrors.Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
