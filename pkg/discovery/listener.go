// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

// config holds Listener and Enumerator settings
type config struct {
	address       string
	deviceTimeout time.Duration
	syncID        uint32
	timeSync      bool
	clock         func() time.Time
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	eventBuffer   int
}

func defaultConfig() config {
	return config{
		address:       ":" + strconv.Itoa(Port),
		deviceTimeout: DefaultDeviceTimeout,
		syncID:        DefaultSyncID,
		clock:         time.Now,
		logger:        zerolog.Nop(),
		eventBuffer:   16,
	}
}

// Option configures a Listener or Enumerator
type Option func(*config)

// WithAddress sets the local UDP address to bind (default ":1889")
func WithAddress(address string) Option {
	return func(c *config) {
		c.address = address
	}
}

// WithDeviceTimeout sets how long a silent device stays listed
func WithDeviceTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.deviceTimeout = timeout
	}
}

// WithSyncID sets the id this host announces as a time source
func WithSyncID(id uint32) Option {
	return func(c *config) {
		c.syncID = id
	}
}

// WithTimeSync starts the listener with time synchronization enabled
func WithTimeSync(enabled bool) Option {
	return func(c *config) {
		c.timeSync = enabled
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics records discovery metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// listenUDP binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT
func listenUDP(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	return pc.(*net.UDPConn), nil
}

// Listener maintains the device registry from beacons and optionally acts as
// a time source
type Listener struct {
	conn     *net.UDPConn
	registry *Registry
	syncID   uint32
	timeSync atomic.Bool
	clock    func() time.Time
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	events   chan Device

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Listen binds the discovery port and starts the receive goroutine. The
// listener runs until Close is called or ctx is cancelled.
func Listen(ctx context.Context, opts ...Option) (*Listener, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, err := listenUDP(ctx, cfg.address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		conn:     conn,
		registry: NewRegistry(cfg.deviceTimeout, cfg.clock),
		syncID:   cfg.syncID,
		clock:    cfg.clock,
		log:      cfg.logger.With().Str("component", "discovery").Logger(),
		metrics:  cfg.metrics,
		events:   make(chan Device, cfg.eventBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.timeSync.Store(cfg.timeSync)

	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	go l.run()

	l.log.Debug().Str("address", conn.LocalAddr().String()).Msg("discovery listener started")
	return l, nil
}

// Addr returns the bound local address
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Registry returns the live device registry
func (l *Listener) Registry() *Registry {
	return l.registry
}

// Devices returns a snapshot of the live devices
func (l *Listener) Devices() []Device {
	devices := l.registry.List()
	l.metrics.SetDevices(len(devices))
	return devices
}

// Addresses returns the IP of every live device
func (l *Listener) Addresses() []string {
	return l.registry.Addresses()
}

// Events delivers each beacon's registry entry. Events are dropped when the
// channel is full. The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Device {
	return l.events
}

// EnableTimeSync makes this host answer beacons with time sync packets
func (l *Listener) EnableTimeSync() {
	l.timeSync.Store(true)
}

// DisableTimeSync stops answering beacons
func (l *Listener) DisableTimeSync() {
	l.timeSync.Store(false)
}

// TimeSyncEnabled reports whether this host is acting as a time source
func (l *Listener) TimeSyncEnabled() bool {
	return l.timeSync.Load()
}

// SetDeviceTimeout changes how long a silent device stays listed
func (l *Listener) SetDeviceTimeout(timeout time.Duration) {
	l.registry.SetTimeout(timeout)
}

// Close stops the receive goroutine, waits for it and releases the socket
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
	})
	<-l.done
	return nil
}

// Done is closed once the receive goroutine has exited
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) run() {
	defer close(l.done)
	defer close(l.events)

	buf := make([]byte, maxDatagram)
	for {
		// A deadline lets the registry be purged on a quiet network
		_ = l.conn.SetReadDeadline(time.Now().Add(PurgeInterval))
		n, addr, err := l.conn.ReadFromUDP(buf)
		now := l.clock()

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.purge(now)
				continue
			}
			l.log.Warn().Err(err).Msg("discovery receive failed")
			continue
		}

		l.purge(now)
		l.handle(buf[:n], addr, now)
	}
}

func (l *Listener) purge(now time.Time) {
	if removed := l.registry.MaybePurge(now); removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("purged silent devices")
	}
	l.metrics.SetDevices(l.registry.Len())
}

func (l *Listener) handle(data []byte, addr *net.UDPAddr, now time.Time) {
	h, err := ParseHeader(data)
	if err != nil {
		l.log.Debug().Err(err).Str("from", addr.String()).Msg("ignoring packet")
		return
	}

	switch h.Kind {
	case PacketBeacon:
		l.metrics.RecordBeacon()
		d := l.registry.Upsert(h, addr, now)
		l.metrics.SetDevices(l.registry.Len())

		select {
		case l.events <- d:
		default:
		}

		if l.timeSync.Load() {
			l.sendTimeSync(h, addr, now)
		}

	case PacketTimeSync:
		// Another time source is active. Defer to it.
		if l.timeSync.CompareAndSwap(true, false) {
			l.metrics.RecordTimeSyncDeferral()
			l.log.Info().Str("from", addr.String()).Msg("another time source appeared, disabling time sync")
		}
	}
}

func (l *Listener) sendTimeSync(h Header, addr *net.UDPAddr, now time.Time) {
	reply, _ := TimeSync{
		SyncID:     l.syncID,
		Now:        Millis(now),
		SenderID:   h.SenderID,
		SenderTime: h.SenderTime,
	}.MarshalBinary()

	if _, err := l.conn.WriteToUDP(reply, addr); err != nil {
		l.log.Warn().Err(err).Str("to", addr.String()).Msg("time sync send failed")
		return
	}
	l.metrics.RecordTimeSyncSent()
}
