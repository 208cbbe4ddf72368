// File: protocol/connection.go
// Package protocol implements the server-side WebSocket connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection owns one upgraded socket. Writes are serialized by the busy
// token: the goroutine that acquires it writes its own frame and then drains
// the respond queue (control replies) ahead of the retry queue (deferred
// application messages) before releasing it. No other goroutine writes while
// the token is held.

package protocol

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/pool"
)

// DefaultMaxFramePayload bounds a single inbound frame unless overridden.
const DefaultMaxFramePayload = 16 << 20

// Callbacks receive connection events. Any of them may be nil.
type Callbacks struct {
	OnText        func(c *Connection, text string)
	OnBinary      func(c *Connection, data []byte)
	OnStateChange func(c *Connection, state api.State)
	OnClosed      func(c *Connection)
}

// ConnOptions configures a Connection at creation time.
type ConnOptions struct {
	RetryOnBusy     bool
	MaxFramePayload int64         // 0 means DefaultMaxFramePayload, negative disables the limit
	KeepAlive       time.Duration // ping interval, 0 disables the heartbeat
	Logger          *zap.Logger
}

// Connection is a server-side WebSocket session over one transport.
type Connection struct {
	id         string
	conn       net.Conn
	br         *bufio.Reader
	log        *zap.Logger
	maxPayload int64
	keepAlive  time.Duration

	mu          sync.Mutex
	state       api.State
	busy        bool
	closeQueued bool
	retryOnBusy bool
	retry       *queue.Queue // *api.Message, deferred application sends
	respond     *queue.Queue // *api.Message, control replies drained first
	cb          Callbacks

	shutdownOnce sync.Once
	done         chan struct{}

	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

var _ api.Conn = (*Connection)(nil)

// NewConnection wraps an upgraded socket. br must be the reader the handshake
// was read through so that no buffered frame bytes are lost. The connection
// starts Open; call Serve to run its receive loop.
func NewConnection(id string, conn net.Conn, br *bufio.Reader, opts ConnOptions) *Connection {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxPayload := opts.MaxFramePayload
	switch {
	case maxPayload == 0:
		maxPayload = DefaultMaxFramePayload
	case maxPayload < 0:
		maxPayload = 0
	}
	return &Connection{
		id:          id,
		conn:        conn,
		br:          br,
		log:         log.With(zap.String("conn", id)),
		maxPayload:  maxPayload,
		keepAlive:   opts.KeepAlive,
		state:       api.StateOpen,
		retryOnBusy: opts.RetryOnBusy,
		retry:       queue.New(),
		respond:     queue.New(),
		done:        make(chan struct{}),
	}
}

// ID returns the server-assigned identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// KeepAlive returns the heartbeat interval.
func (c *Connection) KeepAlive() time.Duration { return c.keepAlive }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Connection) State() api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCallbacks installs event callbacks. Call it before Serve.
func (c *Connection) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// RetryOnBusy reports whether sends issued during an in-flight write are queued.
func (c *Connection) RetryOnBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryOnBusy
}

// SetRetryOnBusy overrides the policy inherited from the server.
func (c *Connection) SetRetryOnBusy(v bool) {
	c.mu.Lock()
	c.retryOnBusy = v
	c.mu.Unlock()
}

// Pending returns the depths of the respond and retry queues.
func (c *Connection) Pending() (respond, retry int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respond.Length(), c.retry.Length()
}

// Stats returns the traffic counters of this connection.
func (c *Connection) Stats() api.Stats {
	return api.Stats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}

// SendText sends a text message.
func (c *Connection) SendText(text string) (api.SendResult, error) {
	return c.Send(api.Message{Opcode: OpcodeText, Data: []byte(text)})
}

// SendBinary sends a binary message.
func (c *Connection) SendBinary(data []byte) (api.SendResult, error) {
	return c.Send(api.Message{Opcode: OpcodeBinary, Data: data})
}

// Send hands msg to the send pipeline. While another write is in flight the
// message is queued when retry-on-busy is enabled and rejected with
// api.ErrConnectionBusy otherwise. Non-control messages are rejected with
// api.ErrConnectionClosed once the connection has left Open.
func (c *Connection) Send(msg api.Message) (api.SendResult, error) {
	return c.submit(&msg, parkRetry)
}

// parkFunc decides the fate of a message that arrives while the busy token
// is held. It runs with c.mu held.
type parkFunc func(c *Connection, m *api.Message) (api.SendResult, error)

func parkRetry(c *Connection, m *api.Message) (api.SendResult, error) {
	if !c.retryOnBusy {
		return api.Rejected, api.ErrConnectionBusy
	}
	c.retry.Add(m)
	return api.Queued, nil
}

func parkRespond(c *Connection, m *api.Message) (api.SendResult, error) {
	c.respond.Add(m)
	return api.Queued, nil
}

// parkCloseAck replaces every pending control reply: once the close reply
// is due nothing else on the respond queue matters.
func parkCloseAck(c *Connection, m *api.Message) (api.SendResult, error) {
	c.respond = queue.New()
	c.respond.Add(m)
	return api.Queued, nil
}

func (c *Connection) submit(m *api.Message, park parkFunc) (api.SendResult, error) {
	c.mu.Lock()
	if c.state == api.StateClosed || (c.state != api.StateOpen && !IsControl(m.Opcode)) {
		c.mu.Unlock()
		return api.Rejected, api.ErrConnectionClosed
	}
	if c.busy {
		res, err := park(c, m)
		c.mu.Unlock()
		return res, err
	}
	c.busy = true
	c.mu.Unlock()

	if err := c.pump(m); err != nil {
		return api.Rejected, err
	}
	return api.Sent, nil
}

// pump writes m and then drains the queues. Only the holder of the busy
// token calls it. The returned error concerns m itself; failures while
// draining shut the connection down and abandon the rest.
func (c *Connection) pump(m *api.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("send pipeline panic", zap.Any("panic", r))
			c.release()
			_ = c.Close(true)
			err = fmt.Errorf("send pipeline panic: %v", r)
		}
	}()

	if err = c.write(m); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		c.release()
		c.shutdown()
		return err
	}
	m.Complete()

	for next := c.next(); next != nil; next = c.next() {
		if werr := c.write(next); werr != nil {
			c.log.Warn("write failed while draining", zap.Error(werr))
			c.release()
			c.shutdown()
			return nil
		}
		next.Complete()
	}
	return nil
}

// next pops the next queued message, control replies first. When nothing is
// left it releases the busy token and returns nil.
func (c *Connection) next() *api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == api.StateClosed {
		c.abandonLocked()
		c.busy = false
		return nil
	}
	if c.respond.Length() > 0 {
		return c.respond.Remove().(*api.Message)
	}
	for c.retry.Length() > 0 {
		m := c.retry.Remove().(*api.Message)
		if c.state == api.StateOpen || IsControl(m.Opcode) {
			return m
		}
		c.log.Debug("dropping deferred message after close", zap.String("opcode", OpcodeName(m.Opcode)))
	}
	c.busy = false
	return nil
}

func (c *Connection) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Connection) write(m *api.Message) error {
	buf := pool.Default.Get(FrameSize(len(m.Data)))
	*buf = AppendFrame(*buf, m.Opcode, m.Data)
	_, err := c.conn.Write(*buf)
	pool.Default.Put(buf)
	if err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(int64(len(m.Data)))
	return nil
}

// abandonLocked discards undelivered messages. Their completion callbacks never run.
func (c *Connection) abandonLocked() {
	if n := c.retry.Length() + c.respond.Length(); n > 0 {
		c.log.Debug("abandoning queued messages", zap.Int("count", n))
	}
	c.retry = queue.New()
	c.respond = queue.New()
}

func (c *Connection) callbacks() Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// transition moves to state `to` if the current state is one of from, and
// fires OnStateChange outside the lock.
func (c *Connection) transition(to api.State, from ...api.State) bool {
	c.mu.Lock()
	ok := false
	for _, s := range from {
		if c.state == s {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.state = to
	cb := c.cb.OnStateChange
	c.mu.Unlock()

	c.log.Debug("state changed", zap.Stringer("state", to))
	if cb != nil {
		cb(c, to)
	}
	return true
}
