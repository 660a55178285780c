// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pixelblaze

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/pixelstat/pkg/telemetry"
)

var (
	// ErrNoResponse is returned when the device did not answer within the
	// receive timeout
	ErrNoResponse = errors.New("no response from device")

	// ErrSessionClosed is returned by every request after Close
	ErrSessionClosed = errors.New("session closed")

	// errConnectionBroken restarts the operation in progress after a reconnect
	errConnectionBroken = errors.New("websocket connection broken")
)

// Dial limits
const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
	writeTimeout     = 10 * time.Second
	maxBackoff       = 10 * time.Second
	inboundBuffer    = 64
)

// config holds Session settings
type config struct {
	port          int
	timeout       time.Duration
	username      string
	password      string
	skipTLSVerify bool
	proxy         *url.URL
	backoff       time.Duration
	cacheRefresh  time.Duration
	clock         func() time.Time
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
}

func defaultConfig() config {
	return config{
		port:         DefaultPort,
		timeout:      DefaultTimeout,
		backoff:      250 * time.Millisecond,
		cacheRefresh: DefaultCacheRefresh,
		clock:        time.Now,
		logger:       zerolog.Nop(),
	}
}

// Option configures a Session
type Option func(*config)

// WithPort sets the websocket port (default 81)
func WithPort(port int) Option {
	return func(c *config) {
		c.port = port
	}
}

// WithTimeout sets the default receive timeout (default 1s)
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBasicAuth adds an Authorization header to the websocket handshake,
// for devices reached through an authenticating proxy
func WithBasicAuth(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// WithInsecureTLS disables certificate verification for wss:// addresses
func WithInsecureTLS(skip bool) Option {
	return func(c *config) {
		c.skipTLSVerify = skip
	}
}

// WithProxy routes the websocket handshake through an HTTP proxy
func WithProxy(proxy *url.URL) Option {
	return func(c *config) {
		c.proxy = proxy
	}
}

// WithReconnectBackoff sets the initial delay between reconnect attempts
func WithReconnectBackoff(backoff time.Duration) Option {
	return func(c *config) {
		c.backoff = backoff
	}
}

// WithCacheRefresh sets the pattern list cache refresh interval
func WithCacheRefresh(interval time.Duration) Option {
	return func(c *config) {
		c.cacheRefresh = clampRefresh(interval)
	}
}

// WithClock overrides the time source used for cache ages
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithLogger sets the session logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics records transport metrics on m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// inbound is one websocket message, or the error that ended the read loop
type inbound struct {
	kind int
	data []byte
	err  error
}

// wsConn pumps one websocket into a channel. Read timeouts on a gorilla
// connection are fatal, so waiting with a deadline happens on the channel.
type wsConn struct {
	ws      *websocket.Conn
	inbound chan inbound
	done    chan struct{}
	once    sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		inbound: make(chan inbound, inboundBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		kind, data, err := c.ws.ReadMessage()
		select {
		case c.inbound <- inbound{kind: kind, data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Session is a connection to one device.
//
// Requests are serialized: at most one command is outstanding at a time.
// The cached snapshots may be read concurrently with a request.
type Session struct {
	address string
	url     string
	id      string
	cfg     config
	logger  zerolog.Logger

	mu        sync.Mutex // held for the whole of every request
	conn      *wsConn
	reasm     *Reassembler
	connected bool // set after the first successful connection
	closed    bool

	cache cache
}

// Open connects to the device at address. The address is a host name or
// IP, optionally with a port; ws:// and wss:// URLs are used as given.
// Opening gives up after five failed attempts; later reconnects retry
// until the request context is done.
func Open(ctx context.Context, address string, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	s := &Session{
		address: address,
		url:     deviceURL(address, cfg.port),
		id:      id,
		cfg:     cfg,
		logger:  cfg.logger.With().Str("session", id).Str("device", address).Logger(),
		reasm:   NewReassembler(),
	}
	s.cache.refreshInterval = cfg.cacheRefresh

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx, maxOpenAttempts); err != nil {
		return nil, err
	}
	return s, nil
}

// deviceURL builds the websocket URL for address
func deviceURL(address string, port int) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(address, strconv.Itoa(port))
	}
	return "ws://" + host
}

// Address returns the device address the session was opened with
func (s *Session) Address() string {
	return s.address
}

// ID returns the session correlation id used in logs
func (s *Session) ID() string {
	return s.id
}

// Timeout returns the default receive timeout
func (s *Session) Timeout() time.Duration {
	return s.cfg.timeout
}

// Close closes the websocket. Further requests fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.close()
	s.conn = nil
	return err
}

// dial performs one websocket handshake
func (s *Session) dial(ctx context.Context) (*wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if s.cfg.proxy != nil {
		dialer.Proxy = http.ProxyURL(s.cfg.proxy)
	}
	if strings.HasPrefix(s.url, "wss://") {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: s.cfg.skipTLSVerify,
		}
	}

	headers := http.Header{}
	if s.cfg.username != "" && s.cfg.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(s.cfg.username + ":" + s.cfg.password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, s.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return newWSConn(ws), nil
}

// connect dials until success. attempts <= 0 retries until ctx is done.
// Must be called with mu held.
func (s *Session) connect(ctx context.Context, attempts int) error {
	backoff := s.cfg.backoff
	for attempt := 1; ; attempt++ {
		conn, err := s.dial(ctx)
		if err == nil {
			s.conn = conn
			s.reasm.Reset()
			s.cache.clear()
			if s.connected {
				s.cfg.metrics.RecordReconnect()
				s.logger.Info().Int("attempt", attempt).Msg("reconnected")
			} else {
				s.logger.Debug().Str("url", s.url).Msg("connected")
			}
			s.connected = true
			return nil
		}

		if attempts > 0 && attempt >= attempts {
			return fmt.Errorf("open %s after %d attempts: %w", s.address, attempt, err)
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("connect failed")

		select {
		case <-ctx.Done():
			return fmt.Errorf("open %s: %w", s.address, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// ensureOpen reconnects after a broken connection. Must be called with mu held.
func (s *Session) ensureOpen(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.conn != nil {
		return nil
	}
	return s.connect(ctx, 0)
}

// markBroken drops the current connection so the next operation reconnects
func (s *Session) markBroken(err error) {
	if s.conn == nil {
		return
	}
	s.logger.Warn().Err(err).Msg("connection broken")
	_ = s.conn.close()
	s.conn = nil
}

// write sends one websocket message
func (s *Session) write(kind int, data []byte) error {
	_ = s.conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.ws.WriteMessage(kind, data); err != nil {
		s.markBroken(err)
		return errConnectionBroken
	}
	return nil
}

// flush consumes everything already received, keeping the pushed
// snapshots. Must be called with mu held.
func (s *Session) flush() error {
	for {
		select {
		case in := <-s.conn.inbound:
			if in.err != nil {
				s.markBroken(in.err)
				return errConnectionBroken
			}
			s.classify(in, want{})
		default:
			return nil
		}
	}
}

// receive waits until a message matching w arrives or the deadline passes.
// Pushed snapshots are cached along the way. Must be called with mu held.
func (s *Session) receive(ctx context.Context, w want, deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		var in inbound
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoResponse
		case in = <-s.conn.inbound:
		}

		if in.err != nil {
			s.markBroken(in.err)
			return nil, errConnectionBroken
		}
		if data, ok := s.classify(in, w); ok {
			return data, nil
		}
	}
}

// classify caches pushed snapshots and reports whether the message is the
// one w is waiting for
func (s *Session) classify(in inbound, w want) ([]byte, bool) {
	switch in.kind {
	case websocket.TextMessage:
		s.cfg.metrics.RecordFrameReceived("text")
		switch {
		case hasKey(in.data, "fps"):
			s.cache.setStats(in.data)
			return in.data, w.kind == wantStats
		case hasKey(in.data, "activeProgram"):
			s.cache.setSequencer(in.data)
			return in.data, w.kind == wantConfig
		default:
			return in.data, w.kind == wantText
		}

	case websocket.BinaryMessage:
		if len(in.data) > 0 {
			s.cfg.metrics.RecordFrameReceived(MessageType(in.data[0]).String())
		}
		msg, err := s.reasm.Feed(in.data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("discarding binary message")
			s.cfg.metrics.RecordReassemblyFault(faultReason(err))
		}
		if msg == nil {
			return nil, false
		}

		switch msg.Type {
		case MsgExpanderConfig:
			expander, err := DecodeExpanderConfig(msg.Payload)
			if err != nil {
				s.logger.Warn().Err(err).Msg("ignoring expander configuration")
			} else {
				s.cache.setExpander(expander)
			}
			return msg.Payload, w.kind == wantConfig || w.matchesBinary(msg.Type)
		default:
			if !w.matchesBinary(msg.Type) && msg.Type != MsgPreviewFrame {
				s.logger.Debug().Stringer("type", msg.Type).Msg("dropping unexpected binary message")
			}
			return msg.Payload, w.matchesBinary(msg.Type)
		}
	}
	return nil, false
}

// faultReason is the metric label for a reassembly error
func faultReason(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedContinuation):
		return "unexpected_continuation"
	case errors.Is(err, ErrUnexpectedFirst):
		return "unexpected_first"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	default:
		return "short_frame"
	}
}

// do runs op, restarting it from the beginning whenever the connection
// breaks underneath it. Must be called with mu held.
func (s *Session) do(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		if err := s.flush(); err != nil {
			continue
		}
		data, err := op()
		if errors.Is(err, errConnectionBroken) {
			continue
		}
		return data, err
	}
}

// await waits for the reply described by expect
func (s *Session) await(ctx context.Context, expect Expect, timeout time.Duration) ([]byte, error) {
	w := expect.want()
	if w.kind == wantNothing {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		data, err := s.receive(ctx, w, deadline)
		if err != nil {
			return nil, err
		}
		if expect.key == "" || hasKey(data, expect.key) {
			return data, nil
		}
	}
}

// instrument starts a span for one request and returns the function that
// ends it and records its duration
func (s *Session) instrument(ctx context.Context, spanName, command string) (context.Context, func(*error)) {
	ctx, span := telemetry.StartSpan(ctx, spanName, s.spanAttributes(command)...)
	start := time.Now()
	return ctx, func(errp *error) {
		s.cfg.metrics.RecordRequest(command, outcome(*errp), time.Since(start))
		telemetry.EndSpan(span, *errp)
	}
}

// sendJSON transmits cmd and waits for the expected reply. Must be called
// with mu held.
func (s *Session) sendJSON(ctx context.Context, cmd Command, expect Expect, timeout time.Duration) (reply []byte, err error) {
	ctx, finish := s.instrument(ctx, "pixelblaze.SendJSON", cmd.Name())
	defer finish(&err)

	payload, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}

	return s.do(ctx, func() ([]byte, error) {
		if err := s.write(websocket.TextMessage, payload); err != nil {
			return nil, err
		}
		s.cfg.metrics.RecordFrameSent("text")
		return s.await(ctx, expect, timeout)
	})
}

// sendBinary segments blob and transmits every frame, waiting for the
// expected reply after each frame that starts or ends the message. Must be
// called with mu held.
func (s *Session) sendBinary(ctx context.Context, t MessageType, blob []byte, expect Expect, timeout time.Duration) (reply []byte, err error) {
	name := t.String()
	ctx, finish := s.instrument(ctx, "pixelblaze.SendBinary", name)
	defer finish(&err)

	frames := Segment(t, blob)
	return s.do(ctx, func() ([]byte, error) {
		var last []byte
		for _, frame := range frames {
			if err := s.write(websocket.BinaryMessage, frame); err != nil {
				return nil, err
			}
			s.cfg.metrics.RecordFrameSent(name)

			if frame[1] == FlagMiddle {
				continue
			}
			r, err := s.await(ctx, expect, timeout)
			if err != nil {
				return nil, err
			}
			last = r
		}
		return last, nil
	})
}

// SendJSON sends a command and waits up to the default timeout for the
// expected reply. With NoReply it returns as soon as the command is written.
func (s *Session) SendJSON(ctx context.Context, cmd Command, expect Expect) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendJSON(ctx, cmd, expect, s.cfg.timeout)
}

// SendBinary uploads a binary message of type t
func (s *Session) SendBinary(ctx context.Context, t MessageType, blob []byte, expect Expect) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendBinary(ctx, t, blob, expect, s.cfg.timeout)
}
