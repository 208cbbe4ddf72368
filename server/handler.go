// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hsockets/api"
	"github.com/momentics/hsockets/protocol"
)

// Handler receives server and connection events. Methods are called from
// connection goroutines and must be safe for concurrent use.
type Handler[C api.Conn] interface {
	// Accept decides whether an upgrade request is answered with 101.
	Accept(h protocol.Headers) bool
	OnConnect(c C)
	OnDisconnect(c C)
	OnStateChange(c C, state api.State)
	OnServerStateChange(state api.State)
	OnMessage(c C, text string)
	OnBinary(c C, data []byte)
}

// BaseHandler accepts every upgrade and ignores all events. Embed it to
// implement only the methods you need.
type BaseHandler[C api.Conn] struct{}

func (BaseHandler[C]) Accept(protocol.Headers) bool { return true }
func (BaseHandler[C]) OnConnect(C) {}
func (BaseHandler[C]) OnDisconnect(C) {}
func (BaseHandler[C]) OnStateChange(C, api.State) {}
func (BaseHandler[C]) OnServerStateChange(api.State) {}
func (BaseHandler[C]) OnMessage(C, string) {}
func (BaseHandler[C]) OnBinary(C, []byte) {}
