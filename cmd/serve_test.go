// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

// newTestServer runs the router over a loopback discovery listener that has
// heard one beacon
func newTestServer(t *testing.T) (*httptest.Server, *server) {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(telemetry.WithRegistry(registry))

	listener, err := discovery.Listen(context.Background(),
		discovery.WithAddress("127.0.0.1:0"),
		discovery.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sm := newSessionManager(context.Background(), listener, nil)
	t.Cleanup(sm.close)

	dev, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("device socket: %v", err)
	}
	defer dev.Close()
	beacon, _ := discovery.Header{Kind: discovery.PacketBeacon, SenderID: 1234, SenderTime: 99}.MarshalBinary()
	if _, err := dev.WriteToUDP(beacon, listener.Addr()); err != nil {
		t.Fatalf("send beacon: %v", err)
	}
	select {
	case <-listener.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("beacon not received")
	}

	srv := &server{sm: sm, started: time.Now(), logger: zerolog.Nop()}
	ts := httptest.NewServer(newRouter(srv, registry))
	t.Cleanup(ts.Close)
	return ts, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// ============================================================
// Routes
// ============================================================

func TestServe_Health(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/health")
	if status != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("health = %d %s", status, body)
	}
}

func TestServe_Devices(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/devices")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	var devices []deviceView
	if err := json.Unmarshal([]byte(body), &devices); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if len(devices) != 1 || devices[0].ID != 1234 || devices[0].Address != "127.0.0.1" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestServe_UnknownDevice(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{"/devices/10.9.9.9/info", "/devices/10.9.9.9/stats"} {
		status, body := get(t, ts.URL+path)
		if status != http.StatusNotFound || !strings.Contains(body, "unknown device") {
			t.Errorf("%s = %d %s", path, status, body)
		}
	}
}

func TestServe_Metrics(t *testing.T) {
	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, want := range []string{
		"pixelstat_discovery_beacons_total 1",
		"pixelstat_discovery_devices 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServe_KnownDevice(t *testing.T) {
	_, srv := newTestServer(t)
	srv.configured = "pixelblaze.local"

	called := 0
	r := chi.NewRouter()
	r.Route("/devices/{ip}", func(r chi.Router) {
		r.Use(srv.knownDevice)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			called++
		})
	})

	tests := []struct {
		ip       string
		wantCode int
	}{
		{"127.0.0.1", http.StatusOK},
		{"pixelblaze.local", http.StatusOK},
		{"10.0.0.1", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/"+tt.ip+"/", nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%s: status %d, want %d", tt.ip, rec.Code, tt.wantCode)
		}
	}
	if called != 2 {
		t.Errorf("handler called %d times, want 2", called)
	}
}

func TestDeviceStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{pixelblaze.ErrNoResponse, http.StatusGatewayTimeout},
		{errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := deviceStatus(tt.err); got != tt.want {
			t.Errorf("deviceStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
