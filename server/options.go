// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"go.uber.org/zap"

	"github.com/momentics/hsockets/control"
)

type settings struct {
	log       *zap.Logger
	errorHook func(error)
	metrics   *control.Metrics
	cfg       func(*Config)
}

// Option customizes server initialization.
type Option func(*settings)

// WithLogger sets the logger used by the server and its connections.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.log = l
	}
}

// WithErrorHook receives the terminal error of every failed connection task
// as an *api.Error. The hook runs on the task's goroutine.
func WithErrorHook(fn func(error)) Option {
	return func(s *settings) {
		s.errorHook = fn
	}
}

// WithMetrics shares a metrics collector between servers.
func WithMetrics(m *control.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithRetryOnBusy overrides Config.RetryOnBusy.
func WithRetryOnBusy(v bool) Option {
	return withConfig(func(c *Config) { c.RetryOnBusy = v })
}

// WithListenAddr overrides Config.ListenAddr.
func WithListenAddr(addr string) Option {
	return withConfig(func(c *Config) { c.ListenAddr = addr })
}

func withConfig(fn func(*Config)) Option {
	return func(s *settings) {
		prev := s.cfg
		s.cfg = func(c *Config) {
			if prev != nil {
				prev(c)
			}
			fn(c)
		}
	}
}
