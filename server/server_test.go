package server_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/protocol"
	"github.com/momentics/hsockets/server"
)

const waitFor = 2 * time.Second

type recorder struct {
	server.BaseHandler[*protocol.Connection]

	reject string
	echo   bool

	mu     sync.Mutex
	states []api.State

	connected    chan *protocol.Connection
	disconnected chan string
	messages     chan string
	binaries     chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan *protocol.Connection, 16),
		disconnected: make(chan string, 16),
		messages:     make(chan string, 16),
		binaries:     make(chan []byte, 16),
	}
}

func (r *recorder) Accept(h protocol.Headers) bool {
	return r.reject == "" || h.Get(protocol.HeaderProtocol) != r.reject
}

func (r *recorder) OnConnect(c *protocol.Connection) { r.connected <- c }

func (r *recorder) OnDisconnect(c *protocol.Connection) { r.disconnected <- c.ID() }

func (r *recorder) OnServerStateChange(s api.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) OnMessage(c *protocol.Connection, text string) {
	if r.echo {
		_, _ = c.SendText(text)
	}
	r.messages <- text
}

func (r *recorder) OnBinary(c *protocol.Connection, data []byte) {
	if r.echo {
		_, _ = c.SendBinary(data)
	}
	r.binaries <- data
}

func (r *recorder) serverStates() []api.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.State(nil), r.states...)
}

func startServer(t *testing.T, h server.Handler[*protocol.Connection], opts ...server.Option) *server.Server[*protocol.Connection] {
	t.Helper()
	opts = append([]server.Option{server.WithListenAddr("127.0.0.1:0")}, opts...)
	s := server.NewDefault(server.DefaultConfig(), h, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Close(true)
		_ = s.Wait()
	})
	return s
}

func dial(t *testing.T, s *server.Server[*protocol.Connection], path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/%s", s.Addr(), path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func awaitConnect(t *testing.T, r *recorder) *protocol.Connection {
	t.Helper()
	select {
	case c := <-r.connected:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection")
		return nil
	}
}

func TestServerEcho(t *testing.T) {
	r := newRecorder()
	r.echo = true
	s := startServer(t, r)
	assert.Equal(t, api.StateOpen, s.State())

	ws := dial(t, s, "echo")
	awaitConnect(t, r)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	typ, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{1, 2, 3}, data)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.TextIn)
	assert.Equal(t, int64(1), stats.BinaryIn)
}

func TestServerReassemblesFragments(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "GET /chat HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n", s.Addr())
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	awaitConnect(t, r)

	msg := strings.Repeat("abcd", 10000)
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	chunk := len(msg) / 4
	for i := 0; i < 4; i++ {
		op := byte(protocol.OpcodeContinuation)
		if i == 0 {
			op = protocol.OpcodeText
		}
		part := []byte(msg[i*chunk : (i+1)*chunk])
		_, err := conn.Write(protocol.EncodeMaskedFrame(i == 3, op, part, key))
		require.NoError(t, err)
	}

	select {
	case got := <-r.messages:
		assert.Equal(t, msg, got)
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}
	select {
	case extra := <-r.messages:
		t.Fatalf("unexpected second message of %d bytes", len(extra))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerBroadcast(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dial(t, s, "room")
		awaitConnect(t, r)
	}
	require.Equal(t, 3, s.Len())

	assert.Equal(t, 3, s.Broadcast("news"))
	for _, ws := range clients {
		_ = ws.SetReadDeadline(time.Now().Add(waitFor))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "news", string(data))
	}

	assert.Equal(t, 3, s.BroadcastBinary([]byte{0xff}))
	for _, ws := range clients {
		typ, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, typ)
		assert.Equal(t, []byte{0xff}, data)
	}
}

func TestServerConnectionLookup(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	ws := dial(t, s, "lookup")
	c := awaitConnect(t, r)

	got, ok := s.Connection(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Len(t, s.Connections(), 1)

	_, ok = s.Connection("missing")
	assert.False(t, ok)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	select {
	case id := <-r.disconnected:
		assert.Equal(t, c.ID(), id)
	case <-time.After(waitFor):
		t.Fatal("no disconnect")
	}
	require.Eventually(t, func() bool { return s.Len() == 0 }, waitFor, 10*time.Millisecond)
	_, ok = s.Connection(c.ID())
	assert.False(t, ok)
}

func TestServerGracefulClose(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	ws := dial(t, s, "graceful")
	awaitConnect(t, r)

	require.NoError(t, s.Close(false))
	assert.Equal(t, api.StateClosing, s.State())

	// the peer has not answered the Close frame yet
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, api.StateClosing, s.State())
	assert.Equal(t, 1, s.Len())

	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("server did not reach Closed")
	}
	assert.Equal(t, api.StateClosed, s.State())
	assert.Zero(t, s.Len())
	assert.Equal(t, []api.State{api.StateOpen, api.StateClosing, api.StateClosed}, r.serverStates())
	assert.ErrorIs(t, s.Close(false), api.ErrServerClosed)
}

func TestServerGracefulCloseWithoutConnections(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	require.NoError(t, s.Close(false))
	assert.Equal(t, api.StateClosed, s.State())
	require.NoError(t, s.Wait())
}

func TestServerHardClose(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	clients := []*websocket.Conn{dial(t, s, "a"), dial(t, s, "b")}
	awaitConnect(t, r)
	awaitConnect(t, r)

	require.NoError(t, s.Close(true))
	assert.Equal(t, api.StateClosed, s.State())
	assert.Zero(t, s.Len())
	assert.Len(t, r.disconnected, 2)

	for _, ws := range clients {
		_ = ws.SetReadDeadline(time.Now().Add(waitFor))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
	}
	require.NoError(t, s.Wait())

	_, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/late", s.Addr()), nil)
	assert.Error(t, err)
}

func TestServerContextCancel(t *testing.T) {
	s := server.NewDefault(nil, nil, server.WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("server did not close after cancel")
	}
	require.NoError(t, s.Wait())
	assert.Error(t, s.Start(context.Background()))
}

func TestServerHandshakeRejected(t *testing.T) {
	r := newRecorder()
	r.reject = "private"
	hookErrs := make(chan error, 4)
	s := startServer(t, r, server.WithErrorHook(func(err error) { hookErrs <- err }))

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/private", s.Addr()), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	select {
	case err := <-hookErrs:
		var apiErr *api.Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, api.ErrCodeHandshake, apiErr.Code)
		assert.ErrorIs(t, err, api.ErrRejected)
	case <-time.After(waitFor):
		t.Fatal("error hook not called")
	}
	assert.Equal(t, int64(1), s.Stats().Rejected)
	assert.Zero(t, s.Len())

	// other paths still upgrade
	dial(t, s, "public")
	awaitConnect(t, r)
}

func TestServerBadHandshakeDoesNotStopAccepting(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().HandshakeFails == 1 }, waitFor, 10*time.Millisecond)
	_ = conn.Close()

	dial(t, s, "ok")
	awaitConnect(t, r)
}

func TestServerSubprotocol(t *testing.T) {
	r := newRecorder()
	s := startServer(t, r)

	d := websocket.Dialer{Subprotocols: []string{"chat", "superchat"}}
	ws, _, err := d.Dial(fmt.Sprintf("ws://%s/chat", s.Addr()), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "chat", ws.Subprotocol())
}

type tagged struct {
	*protocol.Connection
	tag string
}

type taggedHandler struct {
	server.BaseHandler[*tagged]
	got chan *tagged
}

func (h *taggedHandler) OnMessage(c *tagged, text string) {
	_, _ = c.SendText(c.tag + ":" + text)
	h.got <- c
}

func TestServerCustomConnectionType(t *testing.T) {
	h := &taggedHandler{got: make(chan *tagged, 1)}
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := server.New[*tagged](cfg, h, func(c *protocol.Connection) *tagged {
		return &tagged{Connection: c, tag: "t"}
	})
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		_ = s.Close(true)
		_ = s.Wait()
	}()

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/x", s.Addr()), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "t:hi", string(data))

	c := <-h.got
	got, ok := s.Connection(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
}

const (
	sendOK int32 = iota
	sendPanics
	sendFails
)

type flaky struct {
	*protocol.Connection
	mode atomic.Int32
}

func (f *flaky) Send(msg api.Message) (api.SendResult, error) {
	switch f.mode.Load() {
	case sendPanics:
		panic("transport gone")
	case sendFails:
		return api.Rejected, api.ErrConnectionClosed
	}
	return f.Connection.Send(msg)
}

type flakyHandler struct {
	server.BaseHandler[*flaky]
	connected chan *flaky
}

func (h *flakyHandler) OnConnect(c *flaky) { h.connected <- c }

func TestServerBroadcastIsolatesFailures(t *testing.T) {
	h := &flakyHandler{connected: make(chan *flaky, 3)}
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := server.New[*flaky](cfg, h, func(c *protocol.Connection) *flaky {
		return &flaky{Connection: c}
	})
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		_ = s.Close(true)
		_ = s.Wait()
	}()

	modes := []int32{sendPanics, sendFails, sendOK}
	clients := make([]*websocket.Conn, len(modes))
	for i, mode := range modes {
		ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/b", s.Addr()), nil)
		require.NoError(t, err)
		defer ws.Close()
		clients[i] = ws
		select {
		case c := <-h.connected:
			c.mode.Store(mode)
		case <-time.After(waitFor):
			t.Fatal("no connection")
		}
	}

	assert.Equal(t, 1, s.Broadcast("still delivered"))

	_ = clients[2].SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := clients[2].ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "still delivered", string(data))

	for _, ws := range clients[:2] {
		_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := ws.ReadMessage()
		var ne net.Error
		require.True(t, errors.As(err, &ne) && ne.Timeout(), "got %v", err)
	}
	assert.Equal(t, 3, s.Len())
}
