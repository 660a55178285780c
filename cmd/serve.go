// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/pixelstat/pkg/discovery"
	"github.com/Thermoquad/pixelstat/pkg/pixelblaze"
	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

var (
	serveListen   string
	serveTimeSync bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve discovered devices and metrics over HTTP",
	Long: `Run a discovery listener and expose it as a small HTTP API:

  GET  /health                   liveness
  GET  /devices                  live devices from the discovery registry
  GET  /devices/{ip}/info        settings and sequencer state
  GET  /devices/{ip}/stats       latest statistics message
  POST /devices/{ip}/next        skip to the next pattern
  GET  /metrics                  Prometheus metrics

Only devices in the registry, or the one given with --address, can be
queried. Sessions to devices are opened on first use and kept open.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default metrics_address, :9189)")
	serveCmd.Flags().BoolVar(&serveTimeSync, "timesync", false, "Act as time source for the devices")
}

// server routes HTTP requests to the discovery listener and device sessions
type server struct {
	sm         *sessionManager
	configured string
	started    time.Time
	logger     zerolog.Logger
}

type deviceView struct {
	ID       uint32    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"lastSeen"`
}

func newRouter(srv *server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(srv.logger))

	r.Get("/health", srv.handleHealth)
	r.Get("/devices", srv.handleDevices)
	r.Route("/devices/{ip}", func(r chi.Router) {
		r.Use(srv.knownDevice)
		r.Get("/info", srv.handleInfo)
		r.Get("/stats", srv.handleStats)
		r.Post("/next", srv.handleNext)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// requestLogger logs each request at debug level
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// deviceStatus maps session errors to HTTP status codes
func deviceStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pixelblaze.ErrNoResponse):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (srv *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(srv.started).Round(time.Second).String(),
	})
}

func (srv *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := srv.sm.devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{ID: d.ID, Address: d.IP(), LastSeen: d.LastSeen})
	}
	writeJSON(w, http.StatusOK, views)
}

// knownDevice rejects addresses that are neither discovered nor configured
func (srv *server) knownDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := chi.URLParam(r, "ip")
		if ip != "" && ip == srv.configured {
			next.ServeHTTP(w, r)
			return
		}
		for _, d := range srv.sm.devices() {
			if d.IP() == ip {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %s", ip))
	})
}

// withDevice runs fn with a session to the device named in the URL
func (srv *server) withDevice(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, s *pixelblaze.Session) (any, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ip := chi.URLParam(r, "ip")
	s, err := srv.sm.session(ctx, ip)
	if err != nil {
		writeError(w, deviceStatus(err), err)
		return
	}
	result, err := fn(ctx, s)
	if err != nil {
		if errors.Is(err, pixelblaze.ErrSessionClosed) {
			srv.sm.drop(ip)
		}
		writeError(w, deviceStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	srv.withDevice(w, r, func(ctx context.Context, s *pixelblaze.Session) (any, error) {
		config, err := s.ConfigSettings(ctx)
		if err != nil {
			return nil, err
		}
		sequencer, err := s.ConfigSequencer(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"settings": config, "sequencer": sequencer}, nil
	})
}

func (srv *server) handleStats(w http.ResponseWriter, r *http.Request) {
	srv.withDevice(w, r, func(ctx context.Context, s *pixelblaze.Session) (any, error) {
		return s.Statistics(ctx)
	})
}

func (srv *server) handleNext(w http.ResponseWriter, r *http.Request) {
	srv.withDevice(w, r, func(ctx context.Context, s *pixelblaze.Session) (any, error) {
		if err := s.NextSequencer(ctx, false); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(telemetry.WithRegistry(registry))

	opts, err := sessionOptions(metrics)
	if err != nil {
		return err
	}

	listener, err := discovery.Listen(ctx, append(discoveryOptions(),
		discovery.WithTimeSync(serveTimeSync),
		discovery.WithMetrics(metrics))...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}

	sm := newSessionManager(ctx, listener, opts)
	defer sm.close()

	srv := &server{
		sm:         sm,
		configured: settings.Address,
		started:    time.Now(),
		logger:     logger,
	}

	addr := serveListen
	if addr == "" {
		addr = settings.MetricsAddress
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newRouter(srv, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Str("discovery", listener.Addr().String()).Msg("serving")
	fmt.Printf("Serving on %s (discovery on %s)\n", addr, listener.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
