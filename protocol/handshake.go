// File: protocol/handshake.go
// Package protocol implements the server side of the WebSocket opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The request is read line by line straight off the accepted socket, so the
// same bufio.Reader can keep serving frames once the upgrade succeeds.

package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/momentics/hsockets/api"
)

// Constants used for handshake processing.
const (
	WebSocketGUID           = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize = 8192

	HeaderSecWebSocketKey      = "Sec-WebSocket-Key"
	HeaderSecWebSocketProtocol = "Sec-WebSocket-Protocol"

	// Pseudo-headers added by ReadHandshake.
	HeaderKey      = "Key"
	HeaderProtocol = "Protocol"
)

// Headers holds the parsed upgrade request. Besides every request header it
// carries the pseudo-headers Key (the client nonce) and Protocol (the
// request path without its leading slash).
type Headers map[string]string

// Get returns the value of name, matched case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Subprotocol returns the first subprotocol offered by the client, if any.
func (h Headers) Subprotocol() string {
	offered := h.Get(HeaderSecWebSocketProtocol)
	if offered == "" {
		return ""
	}
	first, _, _ := strings.Cut(offered, ",")
	return strings.TrimSpace(first)
}

// ReadHandshake reads the HTTP upgrade request from br up to the blank line.
func ReadHandshake(br *bufio.Reader) (Headers, error) {
	h := make(Headers)
	var path, key string
	total := 0
	first := true
	for {
		raw, err := br.ReadSlice('\n')
		if err != nil {
			return nil, fmt.Errorf("read request line: %v: %w", err, api.ErrHandshake)
		}
		total += len(raw)
		if total > MaxHandshakeHeadersSize {
			return nil, fmt.Errorf("headers exceed %d bytes: %w", MaxHandshakeHeadersSize, api.ErrHandshake)
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if line == "" {
			break
		}

		if first {
			first = false
			parts := strings.Fields(line)
			if len(parts) < 2 || parts[0] != "GET" {
				return nil, fmt.Errorf("unexpected request line %q: %w", line, api.ErrHandshake)
			}
			path = strings.TrimPrefix(parts[1], "/")
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed header line %q: %w", line, api.ErrHandshake)
		}
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, HeaderSecWebSocketKey) {
			if key != "" {
				return nil, fmt.Errorf("duplicate %s header: %w", HeaderSecWebSocketKey, api.ErrHandshake)
			}
			key = value
		}
		if prev, dup := h[name]; dup {
			value = prev + ", " + value
		}
		h[name] = value
	}

	if first {
		return nil, fmt.Errorf("empty request: %w", api.ErrHandshake)
	}
	if key == "" {
		return nil, api.ErrMissingKey
	}
	// pseudo-headers win over client headers of the same name
	h[HeaderProtocol] = path
	h[HeaderKey] = key
	return h, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// WriteAccept writes the 101 Switching Protocols response for h.
func WriteAccept(w io.Writer, h Headers) error {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(h[HeaderKey]) + "\r\n")
	if sp := h.Subprotocol(); sp != "" {
		sb.WriteString(HeaderSecWebSocketProtocol + ": " + sp + "\r\n")
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

const rejectBody = "websocket handshake rejected\n"

// WriteReject writes a plain-text refusal. The caller closes the socket afterwards.
func WriteReject(w io.Writer) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 403 Forbidden\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", len(rejectBody), rejectBody)
	return err
}

// Handshake runs the whole server side of the upgrade on an accepted socket.
// accept may be nil, which accepts every request. On rejection the refusal
// has already been written and api.ErrRejected is returned.
func Handshake(br *bufio.Reader, w io.Writer, accept func(Headers) bool) (Headers, error) {
	h, err := ReadHandshake(br)
	if err != nil {
		return nil, err
	}
	if accept != nil && !accept(h) {
		if err := WriteReject(w); err != nil {
			return nil, err
		}
		return h, api.ErrRejected
	}
	if err := WriteAccept(w, h); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}
	return h, nil
}
