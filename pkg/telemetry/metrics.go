// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry holds the Prometheus collectors and OpenTelemetry
// tracer shared by the device session and the discovery listener.
//
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the collectors
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "pixelstat").
	Namespace string

	// ConstLabels are added to every collector.
	ConstLabels prometheus.Labels

	// Buckets are the request duration histogram buckets.
	Buckets []float64

	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// MetricsOption configures the collectors
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all collectors
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the request duration buckets
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the registry the collectors are registered with
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "pixelstat",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is the set of protocol collectors
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	reassemblyFaults  *prometheus.CounterVec
	reconnects        prometheus.Counter
	requestDuration   *prometheus.HistogramVec
	beacons           prometheus.Counter
	timeSyncsSent     prometheus.Counter
	timeSyncDeferrals prometheus.Counter
	devices           prometheus.Gauge
}

// NewMetrics creates and registers the collectors. Registration panics on
// duplicates, so create one Metrics per registry.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "frames_sent_total",
			Help:        "Frames written to the device socket by message type.",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "frames_received_total",
			Help:        "Frames read from the device socket by message type.",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		reassemblyFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "reassembly_faults_total",
			Help:        "Binary messages abandoned because of out-of-order continuation flags.",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "reconnects_total",
			Help:        "Device socket reconnections after a broken connection.",
			ConstLabels: config.ConstLabels,
		}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   "session",
			Name:        "request_duration_seconds",
			Help:        "Time from sending a command to its response.",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"command", "outcome"}),

		beacons: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "discovery",
			Name:        "beacons_total",
			Help:        "Beacon packets received.",
			ConstLabels: config.ConstLabels,
		}),

		timeSyncsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "discovery",
			Name:        "timesyncs_sent_total",
			Help:        "Time synchronization replies sent.",
			ConstLabels: config.ConstLabels,
		}),

		timeSyncDeferrals: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "discovery",
			Name:        "timesync_deferrals_total",
			Help:        "Times local time synchronization was disabled because another source appeared.",
			ConstLabels: config.ConstLabels,
		}),

		devices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "discovery",
			Name:        "devices",
			Help:        "Devices currently in the discovery registry.",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// RecordFrameSent counts one outgoing frame
func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(msgType).Inc()
}

// RecordFrameReceived counts one incoming frame
func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(msgType).Inc()
}

// RecordReassemblyFault counts one abandoned binary message
func (m *Metrics) RecordReassemblyFault(reason string) {
	if m == nil {
		return
	}
	m.reassemblyFaults.WithLabelValues(reason).Inc()
}

// RecordReconnect counts one reconnection
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// RecordRequest observes the duration of one command
func (m *Metrics) RecordRequest(command, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

// RecordBeacon counts one received beacon
func (m *Metrics) RecordBeacon() {
	if m == nil {
		return
	}
	m.beacons.Inc()
}

// RecordTimeSyncSent counts one time synchronization reply
func (m *Metrics) RecordTimeSyncSent() {
	if m == nil {
		return
	}
	m.timeSyncsSent.Inc()
}

// RecordTimeSyncDeferral counts one deferral to another time source
func (m *Metrics) RecordTimeSyncDeferral() {
	if m == nil {
		return
	}
	m.timeSyncDeferrals.Inc()
}

// SetDevices sets the live device gauge
func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}
