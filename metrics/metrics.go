// Package metrics exposes pipeline telemetry through prometheus. All Record
// methods are safe on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtstream"

// Metrics contains the ingestion pipeline metrics, labelled by producer id or
// consumer id.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	Connected       *prometheus.GaugeVec
	InfoFetches     *prometheus.CounterVec
	BlocksReceived  *prometheus.CounterVec
	SamplesReceived *prometheus.CounterVec
	ReadErrors      *prometheus.CounterVec
	BufferDepth     *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "connect_attempts_total",
				Help:      "Total number of connection attempts to the acquisition server",
			},
			[]string{"producer", "result"},
		),

		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "connected",
				Help:      "Connection status (0=disconnected, 1=connected)",
			},
			[]string{"producer"},
		),

		InfoFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "info_fetches_total",
				Help:      "Total number of measurement info reads",
			},
			[]string{"producer"},
		),

		BlocksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "blocks_received_total",
				Help:      "Total number of data blocks read and published",
			},
			[]string{"producer"},
		),

		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "samples_received_total",
				Help:      "Total number of samples per channel read and published",
			},
			[]string{"producer"},
		),

		ReadErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "read_errors_total",
				Help:      "Total number of read errors by kind",
			},
			[]string{"producer", "kind"},
		),

		BufferDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "buffer_depth",
				Help:      "Number of blocks waiting in a consumer buffer",
			},
			[]string{"consumer", "measurement"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.ConnectAttempts, m.Connected, m.InfoFetches, m.BlocksReceived,
		m.SamplesReceived, m.ReadErrors, m.BufferDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg in the prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// RecordConnectAttempt counts a connection attempt and updates the connected
// gauge.
func (m *Metrics) RecordConnectAttempt(producer string, ok bool) {
	if m == nil {
		return
	}

	result := "failure"
	if ok {
		result = "success"
	}
	m.ConnectAttempts.WithLabelValues(producer, result).Inc()
	m.RecordConnected(producer, ok)
}

// RecordConnected updates the connected gauge.
func (m *Metrics) RecordConnected(producer string, connected bool) {
	if m == nil {
		return
	}

	value := 0.0
	if connected {
		value = 1.0
	}
	m.Connected.WithLabelValues(producer).Set(value)
}

// RecordInfoFetch counts a measurement info read.
func (m *Metrics) RecordInfoFetch(producer string) {
	if m == nil {
		return
	}
	m.InfoFetches.WithLabelValues(producer).Inc()
}

// RecordBlock counts one published data block of samples samples.
func (m *Metrics) RecordBlock(producer string, samples int) {
	if m == nil {
		return
	}
	m.BlocksReceived.WithLabelValues(producer).Inc()
	m.SamplesReceived.WithLabelValues(producer).Add(float64(samples))
}

// RecordReadError counts a read error; kind is e.g. "protocol" or "closed".
func (m *Metrics) RecordReadError(producer, kind string) {
	if m == nil {
		return
	}
	m.ReadErrors.WithLabelValues(producer, kind).Inc()
}

// RecordBufferDepth sets the depth of a consumer buffer.
func (m *Metrics) RecordBufferDepth(consumer, measurement string, depth int) {
	if m == nil {
		return
	}
	m.BufferDepth.WithLabelValues(consumer, measurement).Set(float64(depth))
}
