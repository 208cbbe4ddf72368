// File: internal/transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ListenConfig holds configuration for the TCP listener.
type ListenConfig struct {
	Addr      string // TCP address to bind (e.g., ":8953")
	ReuseAddr bool   // SO_REUSEADDR before bind
	ReusePort bool   // SO_REUSEPORT before bind, where supported
	NoDelay   bool   // TCP_NODELAY on accepted sockets
}

// Listen opens the listening socket described by cfg.
func Listen(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			if err := rc.Control(func(fd uintptr) {
				serr = applySocketOptions(fd, cfg)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return &tunedListener{Listener: ln, noDelay: cfg.NoDelay}, nil
}

// tunedListener applies per-connection options to every accepted socket.
type tunedListener struct {
	net.Listener
	noDelay bool
}

func (l *tunedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(l.noDelay)
	}
	return conn, nil
}

// IsClosed reports whether err comes from accepting on a closed listener.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
