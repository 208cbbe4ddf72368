// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server accepts TCP connections, upgrades them to WebSocket and keeps the
// live connections in a registry. Every task it starts (the accept loop and
// one task per connection) runs in an errgroup joined by Wait.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/control"
	"github.com/momentics/hsockets/internal/session"
	"github.com/momentics/hsockets/internal/transport"
	"github.com/momentics/hsockets/protocol"
)

// Server is a WebSocket server over connections of type C.
type Server[C api.Conn] struct {
	cfg       Config
	h         Handler[C]
	wrap      func(*protocol.Connection) C
	log       *zap.Logger
	errorHook func(error)
	metrics   *control.Metrics
	registry  *session.Registry[C]

	mu          sync.Mutex
	state       api.State
	started     bool
	ln          net.Listener
	group       *errgroup.Group
	handshaking map[net.Conn]struct{}
	closed      chan struct{}
}

// New creates a server. wrap turns every accepted connection into the
// embedder's connection type; it is called once per connection before the
// connection is registered.
func New[C api.Conn](cfg *Config, h Handler[C], wrap func(*protocol.Connection) C, opts ...Option) *Server[C] {
	var st settings
	for _, opt := range opts {
		opt(&st)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if st.cfg != nil {
		st.cfg(&c)
	}
	if st.log == nil {
		st.log = zap.NewNop()
	}
	if st.metrics == nil {
		st.metrics = control.NewMetrics()
	}
	if h == nil {
		h = BaseHandler[C]{}
	}
	return &Server[C]{
		cfg:         c,
		h:           h,
		wrap:        wrap,
		log:         st.log.Named("server"),
		errorHook:   st.errorHook,
		metrics:     st.metrics,
		registry:    session.New[C](c.RegistryShards),
		state:       api.StateClosed,
		handshaking: make(map[net.Conn]struct{}),
		closed:      make(chan struct{}),
	}
}

// NewDefault creates a server whose connections are *protocol.Connection.
func NewDefault(cfg *Config, h Handler[*protocol.Connection], opts ...Option) *Server[*protocol.Connection] {
	return New(cfg, h, func(c *protocol.Connection) *protocol.Connection { return c }, opts...)
}

// Start binds the listener, moves the server to Open and launches the accept
// loop. Cancelling ctx starts a graceful close. A server can be started once.
func (s *Server[C]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := transport.Listen(ctx, transport.ListenConfig{
		Addr:      s.cfg.ListenAddr,
		ReuseAddr: s.cfg.ReuseAddr,
		ReusePort: s.cfg.ReusePort,
		NoDelay:   s.cfg.NoDelay,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.group = new(errgroup.Group)
	s.mu.Unlock()
	s.setState(api.StateOpen, api.StateClosed)
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	s.group.Go(func() error { return s.acceptLoop(ln) })
	s.group.Go(func() error {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, closing")
			if err := s.Close(false); err != nil && !errors.Is(err, api.ErrServerClosed) {
				return err
			}
			return nil
		case <-s.closed:
			return nil
		}
	})
	return nil
}

// Wait blocks until every task started by the server has returned. It
// returns the first error of the accept loop, if any.
func (s *Server[C]) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Done is closed once the server reaches Closed after a Close.
func (s *Server[C]) Done() <-chan struct{} { return s.closed }

// State returns the server lifecycle state.
func (s *Server[C]) State() api.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listening address, or nil before Start.
func (s *Server[C]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Config returns the effective configuration.
func (s *Server[C]) Config() Config { return s.cfg }

// Stats returns a snapshot of the server counters.
func (s *Server[C]) Stats() control.Snapshot { return s.metrics.Snapshot() }

// Connection looks up a registered connection by id.
func (s *Server[C]) Connection(id string) (C, bool) {
	return s.registry.Get(id)
}

// Connections returns a snapshot of the registered connections.
func (s *Server[C]) Connections() []C {
	return s.registry.Snapshot()
}

// Len returns the number of registered connections.
func (s *Server[C]) Len() int { return s.registry.Len() }

// Broadcast sends text to every Open connection and returns how many
// accepted it (sent or queued). Failures are logged per connection.
func (s *Server[C]) Broadcast(text string) int {
	return s.broadcast(api.Message{Opcode: protocol.OpcodeText, Data: []byte(text)})
}

// BroadcastBinary sends data to every Open connection.
func (s *Server[C]) BroadcastBinary(data []byte) int {
	return s.broadcast(api.Message{Opcode: protocol.OpcodeBinary, Data: data})
}

func (s *Server[C]) broadcast(msg api.Message) int {
	s.metrics.Broadcast()
	n := 0
	for _, c := range s.registry.Snapshot() {
		if c.State() != api.StateOpen {
			continue
		}
		res, err := s.sendOne(c, msg)
		if err != nil {
			s.log.Debug("broadcast skipped connection", zap.String("conn", c.ID()), zap.Error(err))
			continue
		}
		if res != api.Rejected {
			n++
		}
	}
	return n
}

func (s *Server[C]) sendOne(c C, msg api.Message) (res api.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = api.Rejected, fmt.Errorf("send panic: %v", r)
		}
	}()
	return c.Send(msg)
}

// Close stops the server. A graceful close sends Close to every connection
// and reaches Closed once the registry has drained. A hard close drops every
// connection and reaches Closed before returning. The listener is closed in
// both cases.
func (s *Server[C]) Close(hardquit bool) error {
	s.mu.Lock()
	if s.state != api.StateOpen && !(hardquit && s.state == api.StateClosing) {
		s.mu.Unlock()
		return api.ErrServerClosed
	}
	prev := s.state
	s.state = api.StateClosing
	ln := s.ln
	pending := make([]net.Conn, 0, len(s.handshaking))
	if hardquit {
		for c := range s.handshaking {
			pending = append(pending, c)
		}
	}
	s.mu.Unlock()
	if prev != api.StateClosing {
		s.notifyState(api.StateClosing)
	}

	if ln != nil {
		if err := ln.Close(); err != nil && !transport.IsClosed(err) {
			s.log.Warn("listener close failed", zap.Error(err))
		}
	}
	for _, c := range pending {
		_ = c.Close()
	}

	for _, c := range s.registry.Snapshot() {
		if err := c.Close(hardquit); err != nil {
			s.log.Debug("connection close failed", zap.String("conn", c.ID()), zap.Error(err))
		}
	}

	if hardquit {
		if dropped := s.registry.Clear(); len(dropped) > 0 {
			s.log.Debug("registry cleared", zap.Int("count", len(dropped)))
		}
		s.finish()
		return nil
	}
	if s.registry.Len() == 0 {
		s.finish()
	}
	return nil
}

// finish moves Closing to Closed once.
func (s *Server[C]) finish() {
	if s.setState(api.StateClosed, api.StateClosing) {
		close(s.closed)
		s.log.Info("server closed", zap.Any("stats", s.metrics.Snapshot().Map()))
	}
}

func (s *Server[C]) setState(to api.State, from api.State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.notifyState(to)
	return true
}

func (s *Server[C]) notifyState(st api.State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("server state hook panic", zap.Any("panic", r))
		}
	}()
	s.h.OnServerStateChange(st)
}

func (s *Server[C]) acceptLoop(ln net.Listener) error {
	var backoff time.Duration
	for s.State() == api.StateOpen {
		conn, err := ln.Accept()
		if err != nil {
			if transport.IsClosed(err) || s.State() != api.StateOpen {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.group.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
	return nil
}

// serveConn runs the whole life of one accepted socket. Failures end only
// this connection.
func (s *Server[C]) serveConn(raw net.Conn) {
	remote := raw.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.report(api.NewError(api.ErrCodeInternal, "connection task panic", fmt.Errorf("%v", r)).
				WithContext("remote", remote))
			_ = raw.Close()
		}
	}()

	if !s.track(raw) {
		_ = raw.Close()
		return
	}
	if s.cfg.HandshakeTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	br := bufio.NewReader(raw)
	hdr, err := protocol.Handshake(br, raw, s.accept)
	s.untrack(raw)
	if err != nil {
		if errors.Is(err, api.ErrRejected) {
			s.metrics.HandshakeRejected()
		} else {
			s.metrics.HandshakeFailed()
		}
		s.report(api.NewError(api.ErrCodeHandshake, "handshake failed", err).WithContext("remote", remote))
		_ = raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	pc, c, ok := s.register(raw, br)
	if !ok {
		s.log.Debug("server not open, dropping upgraded connection", zap.String("remote", remote))
		_ = raw.Close()
		return
	}
	s.metrics.ConnectionOpened()
	s.log.Debug("connection registered",
		zap.String("conn", c.ID()),
		zap.String("remote", remote),
		zap.String("protocol", hdr.Get(protocol.HeaderProtocol)))

	s.run(pc, c)
}

// run fires OnConnect and serves pc until it closes. A connection already
// shut down by a hard close is neither announced nor served.
func (s *Server[C]) run(pc *protocol.Connection, c C) {
	if pc.State() == api.StateClosed {
		s.log.Debug("connection closed before start", zap.String("conn", c.ID()))
		return
	}
	s.h.OnConnect(c)
	if err := pc.Serve(); err != nil && !errors.Is(err, io.EOF) && !transport.IsClosed(err) {
		s.report(api.NewError(api.Classify(err), "connection terminated", err).WithContext("conn", c.ID()))
	}
}

func (s *Server[C]) accept(h protocol.Headers) bool {
	return s.h.Accept(h)
}

// register assigns a fresh id, wires the callbacks and inserts the
// connection. It fails once the server has left Open.
func (s *Server[C]) register(raw net.Conn, br *bufio.Reader) (*protocol.Connection, C, bool) {
	opts := protocol.ConnOptions{
		RetryOnBusy:     s.cfg.RetryOnBusy,
		MaxFramePayload: s.cfg.MaxFramePayload,
		KeepAlive:       s.cfg.KeepAlive,
		Logger:          s.log,
	}
	for {
		id := uuid.NewString()
		if s.registry.Contains(id) {
			continue
		}
		pc := protocol.NewConnection(id, raw, br, opts)
		c := s.wrap(pc)
		pc.SetCallbacks(s.callbacks(c))

		s.mu.Lock()
		if s.state != api.StateOpen {
			s.mu.Unlock()
			var zero C
			return nil, zero, false
		}
		inserted := s.registry.Insert(id, c)
		s.mu.Unlock()
		if inserted {
			return pc, c, true
		}
	}
}

func (s *Server[C]) callbacks(c C) protocol.Callbacks {
	return protocol.Callbacks{
		OnText: func(_ *protocol.Connection, text string) {
			s.metrics.TextReceived()
			s.h.OnMessage(c, text)
		},
		OnBinary: func(_ *protocol.Connection, data []byte) {
			s.metrics.BinaryReceived()
			s.h.OnBinary(c, data)
		},
		OnStateChange: func(_ *protocol.Connection, st api.State) {
			s.h.OnStateChange(c, st)
		},
		OnClosed: func(*protocol.Connection) {
			s.deregister(c)
		},
	}
}

// deregister runs from every connection's shutdown.
func (s *Server[C]) deregister(c C) {
	defer func() {
		removed, remaining := s.registry.Delete(c.ID())
		if removed {
			s.metrics.ConnectionClosed()
		}
		if remaining == 0 && s.State() == api.StateClosing {
			s.finish()
		}
	}()
	s.h.OnDisconnect(c)
}

func (s *Server[C]) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != api.StateOpen {
		return false
	}
	s.handshaking[c] = struct{}{}
	return true
}

func (s *Server[C]) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.handshaking, c)
	s.mu.Unlock()
}

func (s *Server[C]) report(err *api.Error) {
	s.log.Debug(err.Message, zap.Error(err.Err), zap.Any("context", err.Context), zap.Stringer("code", err.Code))
	if s.errorHook != nil {
		s.errorHook(err)
	}
}
