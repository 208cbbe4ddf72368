package hub_test

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/hub"
	"github.com/momentics/hsockets/protocol"
	"github.com/momentics/hsockets/server"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(nil, server.WithListenAddr("127.0.0.1:0"))
	t.Cleanup(func() {
		_ = h.Close(true)
		_ = h.Wait()
	})
	return h
}

func TestHubFansOutEvents(t *testing.T) {
	h := startHub(t)

	var connected, closed atomic.Int32
	texts := make(chan string, 4)
	h.OnConnected(func(*protocol.Connection) { connected.Add(1) })
	h.OnConnected(func(*protocol.Connection) { connected.Add(1) })
	h.OnClose(func(*protocol.Connection) { closed.Add(1) })
	h.OnText(func(c *protocol.Connection, text string) {
		_, _ = c.SendText(text)
	})
	h.OnText(func(_ *protocol.Connection, text string) { texts <- text })
	require.NoError(t, h.Start(context.Background()))

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", h.Addr()), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
	assert.Equal(t, "ping", <-texts)
	assert.Equal(t, int32(2), connected.Load())

	require.NoError(t, h.Close(true))
	assert.Equal(t, int32(1), closed.Load())
}

func TestHubHandshakeFilters(t *testing.T) {
	h := startHub(t)
	h.OnHandshake(func(protocol.Headers) bool { return true })
	h.OnHandshake(func(hd protocol.Headers) bool { return hd.Get(protocol.HeaderProtocol) != "deny" })
	require.NoError(t, h.Start(context.Background()))

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/deny", h.Addr()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/allow", h.Addr()), nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestHubStateSubscribers(t *testing.T) {
	h := startHub(t)

	serverStates := make(chan api.State, 4)
	connStates := make(chan api.State, 4)
	binaries := make(chan []byte, 1)
	h.OnServerState(func(got *hub.Hub, s api.State) {
		assert.Same(t, h, got)
		serverStates <- s
	})
	h.OnStateChange(func(_ *protocol.Connection, s api.State) { connStates <- s })
	h.OnBinary(func(_ *protocol.Connection, data []byte) { binaries <- data })
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, api.StateOpen, <-serverStates)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", h.Addr()), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{7}))
	select {
	case data := <-binaries:
		assert.Equal(t, []byte{7}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("binary not delivered")
	}

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, api.StateClosing, <-connStates)
	assert.Equal(t, api.StateClosed, <-connStates)

	require.NoError(t, h.Close(false))
	assert.Equal(t, api.StateClosing, <-serverStates)
	assert.Equal(t, api.StateClosed, <-serverStates)
}
