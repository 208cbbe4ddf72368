// File: hub/hub.go
// Package hub
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hub is a ready-made server over plain connections. Instead of
// implementing server.Handler, callers subscribe functions to the events
// they care about; every event fans out to all of its subscribers in
// registration order.

package hub

import (
	"sync"

	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/protocol"
	"github.com/momentics/hsockets/server"
)

type (
	TextFunc        func(c *protocol.Connection, text string)
	BinaryFunc      func(c *protocol.Connection, data []byte)
	ConnFunc        func(c *protocol.Connection)
	StateFunc       func(c *protocol.Connection, state api.State)
	ServerStateFunc func(h *Hub, state api.State)
	HandshakeFunc   func(headers protocol.Headers) bool
)

// Hub embeds a server whose connections are *protocol.Connection.
type Hub struct {
	*server.Server[*protocol.Connection]
	ev *events
}

// New creates a hub. Subscribe before Start to observe every connection.
func New(cfg *server.Config, opts ...server.Option) *Hub {
	h := &Hub{ev: &events{}}
	h.ev.hub = h
	h.Server = server.NewDefault(cfg, h.ev, opts...)
	return h
}

// OnText subscribes to text messages.
func (h *Hub) OnText(fn TextFunc) { h.ev.add(func() { h.ev.text = append(h.ev.text, fn) }) }

// OnBinary subscribes to binary messages.
func (h *Hub) OnBinary(fn BinaryFunc) { h.ev.add(func() { h.ev.binary = append(h.ev.binary, fn) }) }

// OnConnected subscribes to new connections.
func (h *Hub) OnConnected(fn ConnFunc) {
	h.ev.add(func() { h.ev.connected = append(h.ev.connected, fn) })
}

// OnClose subscribes to connections leaving the hub.
func (h *Hub) OnClose(fn ConnFunc) { h.ev.add(func() { h.ev.closed = append(h.ev.closed, fn) }) }

// OnStateChange subscribes to connection state changes.
func (h *Hub) OnStateChange(fn StateFunc) {
	h.ev.add(func() { h.ev.state = append(h.ev.state, fn) })
}

// OnServerState subscribes to hub lifecycle changes.
func (h *Hub) OnServerState(fn ServerStateFunc) {
	h.ev.add(func() { h.ev.serverState = append(h.ev.serverState, fn) })
}

// OnHandshake subscribes an upgrade filter. A request is accepted when
// every filter accepts it, or when there are no filters.
func (h *Hub) OnHandshake(fn HandshakeFunc) {
	h.ev.add(func() { h.ev.handshake = append(h.ev.handshake, fn) })
}

// events adapts the subscriber lists to server.Handler.
type events struct {
	hub *Hub

	mu          sync.RWMutex
	text        []TextFunc
	binary      []BinaryFunc
	connected   []ConnFunc
	closed      []ConnFunc
	state       []StateFunc
	serverState []ServerStateFunc
	handshake   []HandshakeFunc
}

var _ server.Handler[*protocol.Connection] = (*events)(nil)

func (e *events) add(fn func()) {
	e.mu.Lock()
	fn()
	e.mu.Unlock()
}

// Subscriber slices are only ever appended to, so a copy of the header
// taken under the read lock stays valid after unlocking.
func snapshot[T any](e *events, list *[]T) []T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *list
}

func (e *events) Accept(headers protocol.Headers) bool {
	for _, fn := range snapshot(e, &e.handshake) {
		if !fn(headers) {
			return false
		}
	}
	return true
}

func (e *events) OnConnect(c *protocol.Connection) {
	for _, fn := range snapshot(e, &e.connected) {
		fn(c)
	}
}

func (e *events) OnDisconnect(c *protocol.Connection) {
	for _, fn := range snapshot(e, &e.closed) {
		fn(c)
	}
}

func (e *events) OnStateChange(c *protocol.Connection, s api.State) {
	for _, fn := range snapshot(e, &e.state) {
		fn(c, s)
	}
}

func (e *events) OnServerStateChange(s api.State) {
	for _, fn := range snapshot(e, &e.serverState) {
		fn(e.hub, s)
	}
}

func (e *events) OnMessage(c *protocol.Connection, text string) {
	for _, fn := range snapshot(e, &e.text) {
		fn(c, text)
	}
}

func (e *events) OnBinary(c *protocol.Connection, data []byte) {
	for _, fn := range snapshot(e, &e.binary) {
		fn(c, data)
	}
}
