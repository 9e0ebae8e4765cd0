// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// NewRegistry creates a Prometheus registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the /metrics handler for reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec // labels: opcode, result
	FramingErrors  prometheus.Counter
	BytesReceived  prometheus.Counter
	ControlUpdates prometheus.Counter
	HandleDuration prometheus.Histogram
}

// NewMetrics creates the engine metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tendon_requests_total",
			Help: "Requests handled, by opcode and result.",
		}, []string{"opcode", "result"}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendon_framing_errors_total",
			Help: "Frames dropped without a reply.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendon_bytes_received_total",
			Help: "Bytes read from the transport.",
		}),
		ControlUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendon_control_updates_total",
			Help: "Control loop iterations across all actuators.",
		}),
		HandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tendon_handle_seconds",
			Help:    "Time from frame receipt to encoded reply.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	reg.MustRegister(m.Requests, m.FramingErrors, m.BytesReceived, m.ControlUpdates, m.HandleDuration)
	return m
}

func (m *Metrics) request(op tendon.Opcode, res tendon.Result, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(tendon.FormatOpcode(op), tendon.FormatResult(res)).Inc()
	m.HandleDuration.Observe(d.Seconds())
}

func (m *Metrics) framingError() {
	if m == nil {
		return
	}
	m.FramingErrors.Inc()
}

func (m *Metrics) bytesReceived(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) controlUpdate() {
	if m == nil {
		return
	}
	m.ControlUpdates.Inc()
}
