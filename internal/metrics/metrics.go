// Package metrics tracks the worker's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's counters.
type Metrics struct {
	// OperationsTotal counts dispatched operations by name and status.
	OperationsTotal *prometheus.CounterVec

	// BytesTransferred counts payload bytes by direction, "down" or "up".
	BytesTransferred *prometheus.CounterVec

	// ReconnectsTotal counts control connections reopened after a lost
	// session.
	ReconnectsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpsworker_operations_total",
				Help: "Operations dispatched by the worker, by name and status",
			},
			[]string{"op", "status"},
		),
		BytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpsworker_bytes_transferred_total",
				Help: "Payload bytes moved over data connections, by direction",
			},
			[]string{"direction"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ftpsworker_reconnects_total",
				Help: "Control connections reopened after a lost session",
			},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.OperationsTotal, m.BytesTransferred, m.ReconnectsTotal)
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr. It blocks like http.ListenAndServe.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
