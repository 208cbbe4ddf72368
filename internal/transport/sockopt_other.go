//go:build !(linux || darwin || freebsd)

// File: internal/transport/sockopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// applySocketOptions is a no-op where the options are not exposed.
func applySocketOptions(uintptr, ListenConfig) error {
	return nil
}
