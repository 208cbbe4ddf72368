// File: protocol/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive loop: frame decoding, control frame handling and message reassembly.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/momentics/hsockets/api"
)

// Serve runs the receive loop until the connection is Closed. Data frames are
// dispatched while Open; in Closing only control frames are acted on so that
// the peer's Close reply can finish the handshake. The returned error is the
// cause of an abnormal termination, or nil after a clean close.
func (c *Connection) Serve() error {
	if c.keepAlive > 0 {
		go c.heartbeat()
	}

	var asm assembler
	for c.State() != api.StateClosed {
		f, err := ReadFrame(c.br, c.maxPayload)
		if err != nil {
			return c.readFailed(err)
		}
		c.framesIn.Add(1)
		c.bytesIn.Add(int64(f.Length))

		if f.Opcode == OpcodeClose {
			c.handleCloseRequest(f)
			return nil
		}
		if err := c.process(f, &asm); err != nil {
			c.log.Debug("frame rejected", zap.Error(err))
			asm.reset()
			_ = c.closeWith(ClosePayload(CloseProtocolError, ""))
		}
	}
	return nil
}

// readFailed ends the loop after a decode error. After a
// protocol violation the stream is no longer aligned on frame boundaries,
// so nothing more is read: a Close frame carrying the violation code is
// sent when possible and the connection is shut down.
func (c *Connection) readFailed(err error) error {
	if c.State() == api.StateClosed {
		return nil
	}
	if errors.Is(err, api.ErrProtocol) {
		c.log.Debug("protocol violation", zap.Error(err))
		code := uint16(CloseProtocolError)
		if errors.Is(err, api.ErrFrameTooLarge) {
			code = CloseMessageTooBig
		}
		_ = c.closeWith(ClosePayload(code, ""))
		c.shutdown()
		return err
	}
	c.log.Debug("read failed", zap.Error(err))
	c.shutdown()
	return err
}

// process handles one non-Close frame. Panics raised by callbacks are
// converted into errors so the loop can close the connection.
func (c *Connection) process(f *Frame, asm *assembler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()

	switch f.Opcode {
	case OpcodePing:
		_, _ = c.submit(&api.Message{Opcode: OpcodePong, Data: f.Unmasked()}, parkRespond)
		return nil
	case OpcodePong:
		return nil
	}

	if c.State() != api.StateOpen {
		return nil
	}
	if err := asm.add(f); err != nil {
		return err
	}
	if !f.Fin {
		return nil
	}
	op, data := asm.take()
	cb := c.callbacks()
	switch op {
	case OpcodeText:
		if cb.OnText != nil {
			cb.OnText(c, strings.ToValidUTF8(string(data), "\uFFFD"))
		}
	case OpcodeBinary:
		if cb.OnBinary != nil {
			cb.OnBinary(c, bytes.Clone(data))
		}
	}
	return nil
}

// assembler accumulates the frames of one fragmented message.
type assembler struct {
	opcode byte
	buf    []byte
	active bool
}

func (a *assembler) add(f *Frame) error {
	if f.Opcode == OpcodeContinuation {
		if !a.active {
			return fmt.Errorf("continuation without initial frame: %w", api.ErrProtocol)
		}
		a.buf = append(a.buf, f.Unmasked()...)
		return nil
	}
	if a.active {
		return fmt.Errorf("new message before final fragment: %w", api.ErrProtocol)
	}
	a.opcode = f.Opcode
	a.buf = append([]byte(nil), f.Unmasked()...)
	a.active = true
	return nil
}

func (a *assembler) take() (byte, []byte) {
	op, data := a.opcode, a.buf
	a.reset()
	return op, data
}

func (a *assembler) reset() {
	a.opcode, a.buf, a.active = 0, nil, false
}
