// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable byte buffers for the write path. Buffers are grouped in
// power-of-two size classes so a frame of any size can borrow a buffer that
// fits it without holding on to an oversized one.
package pool
