// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for server-level monitoring.

package control

import (
	"sync/atomic"
	"time"
)

// Metrics holds server-wide counters.
type Metrics struct {
	started time.Time

	accepted       atomic.Int64
	handshakeFails atomic.Int64
	rejected       atomic.Int64
	active         atomic.Int64
	closed         atomic.Int64
	textIn         atomic.Int64
	binaryIn       atomic.Int64
	broadcasts     atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Uptime         time.Duration
	Accepted       int64 // sockets that completed the upgrade
	HandshakeFails int64
	Rejected       int64 // upgrades refused by the accept hook
	Active         int64
	Closed         int64
	TextIn         int64
	BinaryIn       int64
	Broadcasts     int64
}

// NewMetrics creates a zeroed collector.
func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

func (m *Metrics) ConnectionOpened() {
	m.accepted.Add(1)
	m.active.Add(1)
}

func (m *Metrics) ConnectionClosed() {
	m.active.Add(-1)
	m.closed.Add(1)
}

func (m *Metrics) HandshakeFailed() { m.handshakeFails.Add(1) }
func (m *Metrics) HandshakeRejected() { m.rejected.Add(1) }
func (m *Metrics) TextReceived() { m.textIn.Add(1) }
func (m *Metrics) BinaryReceived() { m.binaryIn.Add(1) }
func (m *Metrics) Broadcast() { m.broadcasts.Add(1) }

// Snapshot returns the latest metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Uptime:         time.Since(m.started),
		Accepted:       m.accepted.Load(),
		HandshakeFails: m.handshakeFails.Load(),
		Rejected:       m.rejected.Load(),
		Active:         m.active.Load(),
		Closed:         m.closed.Load(),
		TextIn:         m.textIn.Load(),
		BinaryIn:       m.binaryIn.Load(),
		Broadcasts:     m.broadcasts.Load(),
	}
}

// Map flattens the snapshot for structured logging.
func (s Snapshot) Map() map[string]any {
	return map[string]any{
		"uptime_ms":       s.Uptime.Milliseconds(),
		"accepted":        s.Accepted,
		"handshake_fails": s.HandshakeFails,
		"rejected":        s.Rejected,
		"active":          s.Active,
		"closed":          s.Closed,
		"text_in":         s.TextIn,
		"binary_in":       s.BinaryIn,
		"broadcasts":      s.Broadcasts,
	}
}
