// Package session
// Author: momentics <momentics@gmail.com>
//
// Concurrency-safe registry of live connections keyed by id.
package session
