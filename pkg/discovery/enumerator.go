// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package discovery

import (
	"context"
	"errors"
	"iter"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

// DefaultQuietPeriod ends an enumeration when no new device has appeared.
// Devices beacon once per second.
const DefaultQuietPeriod = 1500 * time.Millisecond

// pollInterval bounds each read so cancellation is noticed
const pollInterval = 250 * time.Millisecond

// Enumerator yields the address of each new sender until the network has
// been quiet for the quiet period. It keeps no registry and never replies.
type Enumerator struct {
	conn    *net.UDPConn
	quiet   time.Duration
	seen    map[string]bool
	log     zerolog.Logger
	metrics *telemetry.Metrics
	buf     []byte
}

// NewEnumerator binds the discovery port. A quiet period of zero uses
// DefaultQuietPeriod.
func NewEnumerator(ctx context.Context, quiet time.Duration, opts ...Option) (*Enumerator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}

	conn, err := listenUDP(ctx, cfg.address)
	if err != nil {
		return nil, err
	}
	return &Enumerator{
		conn:    conn,
		quiet:   quiet,
		seen:    make(map[string]bool),
		log:     cfg.logger.With().Str("component", "enumerator").Logger(),
		metrics: cfg.metrics,
		buf:     make([]byte, maxDatagram),
	}, nil
}

// Addr returns the bound local address
func (e *Enumerator) Addr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Next blocks until a beacon arrives from a sender not seen before and
// returns its IP. It returns false once the quiet period passes without a
// new sender, or when ctx is done.
func (e *Enumerator) Next(ctx context.Context) (string, bool) {
	stop := time.Now().Add(e.quiet)
	for {
		if ctx.Err() != nil {
			return "", false
		}
		now := time.Now()
		if !now.Before(stop) {
			return "", false
		}

		deadline := now.Add(pollInterval)
		if deadline.After(stop) {
			deadline = stop
		}
		_ = e.conn.SetReadDeadline(deadline)

		n, addr, err := e.conn.ReadFromUDP(e.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				e.log.Warn().Err(err).Msg("enumerator receive failed")
			}
			return "", false
		}

		h, err := ParseHeader(e.buf[:n])
		if err != nil || h.Kind != PacketBeacon {
			continue
		}
		e.metrics.RecordBeacon()

		key := addr.String()
		if e.seen[key] {
			continue
		}
		e.seen[key] = true
		e.log.Debug().Str("address", key).Uint32("sender_id", h.SenderID).Msg("new device")
		return addr.IP.String(), true
	}
}

// All returns an iterator over Next
func (e *Enumerator) All(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			addr, ok := e.Next(ctx)
			if !ok || !yield(addr) {
				return
			}
		}
	}
}

// Close releases the socket
func (e *Enumerator) Close() error {
	return e.conn.Close()
}

// Enumerate binds the discovery port, yields each new device address until
// the quiet period passes and then releases the socket.
func Enumerate(ctx context.Context, quiet time.Duration, opts ...Option) (iter.Seq[string], error) {
	e, err := NewEnumerator(ctx, quiet, opts...)
	if err != nil {
		return nil, err
	}
	return func(yield func(string) bool) {
		defer e.Close()
		for addr := range e.All(ctx) {
			if !yield(addr) {
				return
			}
		}
	}, nil
}
