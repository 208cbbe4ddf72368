// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"math/bits"
	"sync"
)

const (
	minClassShift = 6  // 64 B
	maxClassShift = 20 // 1 MiB, larger buffers are not pooled
	numClasses    = maxClassShift - minClassShift + 1
)

// BytePool hands out byte slices by size class.
type BytePool struct {
	classes [numClasses]sync.Pool
}

// Default is shared by every connection.
var Default = NewBytePool()

func NewBytePool() *BytePool {
	p := &BytePool{}
	for i := range p.classes {
		size := 1 << (minClassShift + i)
		p.classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

func classOf(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassShift
}

// Get returns an empty buffer with capacity of at least n.
func (p *BytePool) Get(n int) *[]byte {
	c := classOf(n)
	if c >= numClasses {
		b := make([]byte, 0, n)
		return &b
	}
	return p.classes[c].Get().(*[]byte)
}

// Put returns a buffer obtained from Get. Oversized and foreign buffers are dropped.
func (p *BytePool) Put(b *[]byte) {
	if b == nil {
		return
	}
	c := cap(*b)
	if c < 1<<minClassShift || c > 1<<maxClassShift || c&(c-1) != 0 {
		return
	}
	*b = (*b)[:0]
	p.classes[bits.Len(uint(c))-1-minClassShift].Put(b)
}
