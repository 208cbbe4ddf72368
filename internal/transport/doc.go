// Package transport
// Author: momentics <momentics@gmail.com>
//
// TCP listener construction for hsockets: socket options applied before
// bind and per-connection tuning of accepted sockets.
package transport
