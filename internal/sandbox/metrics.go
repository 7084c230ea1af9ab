// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK   = "ok"
	outcomeTrap = "trap"
)

// Metrics records guest calls. A nil *Metrics records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates and registers sandbox metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finalverse_sandbox_calls_total",
				Help: "Total number of on_event calls by module and outcome",
			},
			[]string{"module", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finalverse_sandbox_call_duration_seconds",
				Help:    "Time spent inside on_event",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"module"},
		),
	}

	reg.MustRegister(m.calls, m.duration)
	return m
}

func (m *Metrics) call(module, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(module, outcome).Inc()
	m.duration.WithLabelValues(module).Observe(elapsed.Seconds())
}
