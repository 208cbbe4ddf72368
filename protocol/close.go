// File: protocol/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close handshake, shutdown and heartbeat.

package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hsockets/api"
)

// Close starts the close handshake by sending an empty Close frame. The state
// becomes Closing when that frame is actually written, which may be later if
// a write is in flight. With hardquit the transport is disposed right away.
func (c *Connection) Close(hardquit bool) error {
	err := c.closeWith(nil)
	if hardquit {
		c.shutdown()
		return nil
	}
	return err
}

func (c *Connection) closeWith(payload []byte) error {
	c.mu.Lock()
	if c.state != api.StateOpen || c.closeQueued {
		c.mu.Unlock()
		return nil
	}
	c.closeQueued = true
	c.mu.Unlock()

	_, err := c.submit(&api.Message{
		Opcode:     OpcodeClose,
		Data:       payload,
		OnComplete: func() { c.transition(api.StateClosing, api.StateOpen) },
	}, parkRespond)
	return err
}

// handleCloseRequest answers a Close frame from the peer. If we initiated
// the close this frame is the reply and the transport goes down at once;
// otherwise the peer's payload is echoed and the shutdown follows the echo.
func (c *Connection) handleCloseRequest(f *Frame) {
	if !c.transition(api.StateClosing, api.StateOpen) {
		c.shutdown()
		return
	}
	code, reason, _ := ParseClosePayload(f.Unmasked())
	c.log.Debug("close requested by peer", zap.Uint16("code", code), zap.String("reason", reason))
	_, _ = c.submit(&api.Message{
		Opcode:     OpcodeClose,
		Data:       f.Unmasked(),
		OnComplete: c.shutdown,
	}, parkCloseAck)
}

// shutdown disposes the transport, enters Closed and fires OnClosed. Only
// the first call has any effect.
func (c *Connection) shutdown() {
	c.shutdownOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("transport close", zap.Error(err))
		}
		c.mu.Lock()
		c.state = api.StateClosed
		c.abandonLocked()
		cb := c.cb
		c.mu.Unlock()
		close(c.done)

		c.log.Debug("connection closed")
		if cb.OnStateChange != nil {
			cb.OnStateChange(c, api.StateClosed)
		}
		if cb.OnClosed != nil {
			cb.OnClosed(c)
		}
	})
}

// heartbeat pings the peer every KeepAlive until the connection leaves Open.
func (c *Connection) heartbeat() {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if c.State() != api.StateOpen {
				return
			}
			if _, err := c.submit(&api.Message{Opcode: OpcodePing}, parkRespond); err != nil {
				return
			}
		}
	}
}
