// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(WithRegistry(reg), WithNamespace("test")), reg
}

// ============================================================
// Metrics Tests
// ============================================================

func TestMetrics_Counters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordFrameSent("putByteCode")
	m.RecordFrameSent("putByteCode")
	m.RecordFrameReceived("text")
	m.RecordReassemblyFault("unexpected_first")
	m.RecordReconnect()
	m.RecordBeacon()
	m.RecordBeacon()
	m.RecordBeacon()
	m.RecordTimeSyncSent()
	m.RecordTimeSyncDeferral()
	m.SetDevices(4)

	tests := []struct {
		name      string
		collector prometheus.Collector
		expected  float64
	}{
		{"frames sent", m.framesSent.WithLabelValues("putByteCode"), 2},
		{"frames received", m.framesReceived.WithLabelValues("text"), 1},
		{"reassembly faults", m.reassemblyFaults.WithLabelValues("unexpected_first"), 1},
		{"reconnects", m.reconnects, 1},
		{"beacons", m.beacons, 3},
		{"timesyncs", m.timeSyncsSent, 1},
		{"deferrals", m.timeSyncDeferrals, 1},
		{"devices", m.devices, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.expected {
				t.Errorf("got %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestMetrics_RequestDuration(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRequest("getConfig", "ok", 20*time.Millisecond)
	m.RecordRequest("getConfig", "timeout", time.Second)

	if n := testutil.CollectAndCount(m.requestDuration); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_session_request_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("request duration histogram not registered under the namespace")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordFrameSent("x")
	m.RecordFrameReceived("x")
	m.RecordReassemblyFault("x")
	m.RecordReconnect()
	m.RecordRequest("x", "ok", time.Second)
	m.RecordBeacon()
	m.RecordTimeSyncSent()
	m.RecordTimeSyncDeferral()
	m.SetDevices(1)
}

// ============================================================
// Tracing Tests
// ============================================================

func TestSpan_NoProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	if ctx == nil || span == nil {
		t.Fatal("expected a context and span from the global provider")
	}
	EndSpan(span, errors.New("failed"))

	_, span = StartSpan(context.Background(), "test")
	EndSpan(span, nil)
}
