// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics records connection activity. A nil *Metrics records nothing.
type Metrics struct {
	connections *prometheus.CounterVec
	active      *prometheus.GaugeVec
	failures    *prometheus.CounterVec
}

// NewMetrics creates and registers gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_gateway_connections_total",
				Help: "Total number of accepted WebSocket connections by plugin",
			},
			[]string{"plugin"},
		),
		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finalverse_gateway_active_connections",
				Help: "Number of open WebSocket connections by plugin",
			},
			[]string{"plugin"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_gateway_handler_errors_total",
				Help: "Total number of connection handlers that ended with an error",
			},
			[]string{"plugin"},
		),
	}

	reg.MustRegister(m.connections, m.active, m.failures)
	return m
}

func (m *Metrics) opened(plugin string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(plugin).Inc()
	m.active.WithLabelValues(plugin).Inc()
}

func (m *Metrics) closed(plugin string, err error) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(plugin).Dec()
	if err != nil {
		m.failures.WithLabelValues(plugin).Inc()
	}
}
