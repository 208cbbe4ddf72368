// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy of hsockets.

package api

import (
	"errors"
	"fmt"
)

// Protocol errors. All of them match ErrProtocol under errors.Is.
var (
	ErrProtocol      = errors.New("websocket protocol error")
	ErrReservedBits  = fmt.Errorf("reserved bits set: %w", ErrProtocol)
	ErrUnmaskedFrame = fmt.Errorf("client frame is not masked: %w", ErrProtocol)
	ErrFrameTooLarge = fmt.Errorf("frame payload exceeds limit: %w", ErrProtocol)
	ErrBadOpcode     = fmt.Errorf("unknown opcode: %w", ErrProtocol)
)

// Send pipeline errors.
var (
	ErrConnectionBusy   = errors.New("connection busy")
	ErrConnectionClosed = errors.New("connection closed")
)

// Handshake errors. ErrMissingKey matches ErrHandshake.
var (
	ErrHandshake  = errors.New("websocket handshake failed")
	ErrMissingKey = fmt.Errorf("missing Sec-WebSocket-Key header: %w", ErrHandshake)
	ErrRejected   = fmt.Errorf("handshake rejected by accept hook: %w", ErrHandshake)
)

// ErrServerClosed is returned by server operations after Close.
var ErrServerClosed = errors.New("server closed")

// ErrorCode classifies failures reported by supervised connection tasks.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeHandshake
	ErrCodeProtocol
	ErrCodeTransport
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeHandshake:
		return "handshake"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Err:     cause,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Classify maps a cause onto an ErrorCode.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrCodeOK
	case errors.Is(err, ErrHandshake):
		return ErrCodeHandshake
	case errors.Is(err, ErrProtocol):
		return ErrCodeProtocol
	case errors.Is(err, ErrConnectionBusy), errors.Is(err, ErrConnectionClosed):
		return ErrCodeInternal
	default:
		return ErrCodeTransport
	}
}
