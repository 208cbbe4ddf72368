// File: api/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Conn is the capability surface every server-managed connection exposes.
// Servers are parameterized over implementations of Conn so that handlers
// receive the embedder's concrete type without assertions.
type Conn interface {
	// ID is unique within one server and never changes.
	ID() string

	// State reports the current lifecycle state.
	State() State

	// Send hands msg to the connection's send pipeline.
	Send(msg Message) (SendResult, error)

	// Close starts the close handshake. With hardquit the transport is
	// disposed immediately instead of waiting for the peer's reply.
	Close(hardquit bool) error
}
