// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for a running server: accepted and rejected upgrades,
// live connections, message traffic and broadcasts. All counters are safe
// for concurrent use and can be read as a consistent-enough snapshot.
package control
