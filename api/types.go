// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// State enumerates the lifecycle of a connection or a server.
type State int32

const (
	// StateClosed is the initial state of a server and the terminal state of a connection.
	StateClosed State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of handing a message to a connection's send pipeline.
type SendResult int

const (
	// Rejected means the message was not accepted; the accompanying error says why.
	Rejected SendResult = iota
	// Sent means the frame was written to the transport before Send returned.
	Sent
	// Queued means a write was in flight and the message was deferred. It is
	// written later by whichever goroutine owns the pipeline.
	Queued
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "rejected"
	}
}

// Message is an application-level send request. It is consumed exactly once
// by the send pipeline, which calls OnComplete after the frame is written.
type Message struct {
	Opcode     byte
	Data       []byte
	OnComplete func()
}

// Complete runs the completion callback if one is set.
func (m *Message) Complete() {
	if m.OnComplete != nil {
		m.OnComplete()
	}
}

// Stats is a snapshot of traffic counters.
type Stats struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}
