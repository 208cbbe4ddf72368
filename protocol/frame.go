// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic.
//
// Decoding works over any io.Reader and blocks until a whole frame is
// available. Encoding produces server frames, which are never masked and
// never fragmented.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/momentics/hsockets/api"
)

// Frame represents one decoded WebSocket frame as received from a client.
type Frame struct {
	Fin     bool
	Opcode  byte
	Length  uint64
	Mask    [4]byte
	Payload []byte // masked, exactly as read from the wire

	once     sync.Once
	unmasked []byte
}

// Unmasked returns the payload XORed with the mask key. It is computed on
// first use and cached.
func (f *Frame) Unmasked() []byte {
	f.once.Do(func() {
		f.unmasked = make([]byte, len(f.Payload))
		copy(f.unmasked, f.Payload)
		maskBytes(f.unmasked, f.Mask)
	})
	return f.unmasked
}

// ReadFrame reads exactly one client frame from r. A maxPayload of zero
// disables the payload size limit.
func ReadFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0]&RsvBits != 0 {
		return nil, api.ErrReservedBits
	}
	if hdr[1]&MaskBit == 0 {
		return nil, api.ErrUnmaskedFrame
	}

	f := &Frame{
		Fin:    hdr[0]&FinBit != 0,
		Opcode: hdr[0] & OpcodeMask,
	}
	if !validOpcode(f.Opcode) {
		return nil, fmt.Errorf("opcode 0x%x: %w", f.Opcode, api.ErrBadOpcode)
	}

	switch sel := hdr[1] & LengthMask; sel {
	case len16Marker:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		f.Length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64Marker:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		f.Length = binary.BigEndian.Uint64(ext[:])
		if f.Length>>63 != 0 {
			return nil, api.ErrFrameTooLarge
		}
	default:
		f.Length = uint64(sel)
	}

	if IsControl(f.Opcode) && (f.Length > MaxControlPayloadLen || !f.Fin) {
		return nil, fmt.Errorf("malformed %s frame: %w", OpcodeName(f.Opcode), api.ErrProtocol)
	}
	if maxPayload > 0 && f.Length > uint64(maxPayload) {
		return nil, fmt.Errorf("%d bytes: %w", f.Length, api.ErrFrameTooLarge)
	}

	if _, err := io.ReadFull(r, f.Mask[:]); err != nil {
		return nil, err
	}

	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeFrame serializes a final, unmasked server frame.
func EncodeFrame(opcode byte, data []byte) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(len(data))), opcode, data)
}

// AppendFrame appends a final, unmasked server frame to dst.
func AppendFrame(dst []byte, opcode byte, data []byte) []byte {
	dst = appendHeader(dst, true, opcode, len(data), false)
	return append(dst, data...)
}

// FrameSize is the encoded size of an unmasked frame carrying n bytes.
func FrameSize(n int) int { return headerLen(n, false) + n }

// EncodeMaskedFrame serializes a client frame masked with key. The server
// never sends these; they exist for clients and tests.
func EncodeMaskedFrame(fin bool, opcode byte, data []byte, key [4]byte) []byte {
	buf := make([]byte, 0, headerLen(len(data), true)+len(data))
	buf = appendHeader(buf, fin, opcode, len(data), true)
	buf = append(buf, key[:]...)
	start := len(buf)
	buf = append(buf, data...)
	maskBytes(buf[start:], key)
	return buf
}

func headerLen(n int, masked bool) int {
	l := 2
	switch {
	case n > 0xFFFF:
		l += 8
	case n > 125:
		l += 2
	}
	if masked {
		l += 4
	}
	return l
}

func appendHeader(dst []byte, fin bool, opcode byte, n int, masked bool) []byte {
	b0 := opcode & OpcodeMask
	if fin {
		b0 |= FinBit
	}
	var maskBit byte
	if masked {
		maskBit = MaskBit
	}

	switch {
	case n <= 125:
		return append(dst, b0, byte(n)|maskBit)
	case n <= 0xFFFF:
		dst = append(dst, b0, len16Marker|maskBit)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, len64Marker|maskBit)
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// maskBytes applies XOR on buf using key. Masking and unmasking are the same operation.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// ClosePayload builds the body of a Close frame.
func ClosePayload(code uint16, reason string) []byte {
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	return append(p, reason...)
}

// ParseClosePayload splits a Close frame body into status code and reason.
// ok is false when the body carries no status code.
func ParseClosePayload(p []byte) (code uint16, reason string, ok bool) {
	if len(p) < 2 {
		return CloseNoStatusRcvd, "", false
	}
	return binary.BigEndian.Uint16(p), string(p[2:]), true
}
