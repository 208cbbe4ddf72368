// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the server side of the WebSocket protocol (RFC 6455 subset) for hsockets.
//
// Includes:
//   - Frame decoding over any io.Reader and unmasked server frame encoding
//   - The HTTP/1.1 Upgrade handshake with a pluggable accept hook
//   - Connection: a serialized send pipeline with retry and respond queues
//   - Ping/Pong/Close control frame handling and fragmented message reassembly
//
// Extensions and the client role are not implemented.
package protocol
