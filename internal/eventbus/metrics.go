// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics records bus activity. A nil *Metrics records nothing.
type Metrics struct {
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
}

// NewMetrics creates and registers bus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_bus_published_total",
				Help: "Total number of publish attempts by transport and status",
			},
			[]string{"transport", "status"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_bus_delivered_total",
				Help: "Total number of messages handed to subscription handlers",
			},
			[]string{"transport"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_bus_handler_errors_total",
				Help: "Total number of subscription handler failures",
			},
			[]string{"transport"},
		),
		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finalverse_bus_subscriptions",
				Help: "Number of active subscriptions",
			},
			[]string{"transport"},
		),
	}

	reg.MustRegister(m.published, m.delivered, m.handlerErrors, m.subscriptions)
	return m
}

func (m *Metrics) publish(transport string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.published.WithLabelValues(transport, status).Inc()
}

func (m *Metrics) deliver(transport string, err error) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(transport).Inc()
	if err != nil {
		m.handlerErrors.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) subscribed(transport string, delta float64) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(transport).Add(delta)
}
