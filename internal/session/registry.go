// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe connection registry for high concurrency.

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// DefaultShards is used when a non-positive shard count is requested.
const DefaultShards = 16

// Registry maps ids to values. Every operation on a single id is
// linearizable; Snapshot and Clear walk the shards one at a time.
type Registry[V any] struct {
	shards []*shard[V]
	mask   uint32
	count  atomic.Int64
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New constructs a registry with shardCount shards, rounded up to a power of two.
func New[V any](shardCount int) *Registry[V] {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[V], m)
	for i := range shards {
		shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return &Registry[V]{shards: shards, mask: m - 1}
}

func (r *Registry[V]) shard(id string) *shard[V] {
	return r.shards[fnv32(id)&r.mask]
}

// Insert stores v under id unless the id is taken.
func (r *Registry[V]) Insert(id string, v V) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[id]; ok {
		return false
	}
	sh.items[id] = v
	r.count.Add(1)
	return true
}

// Contains reports whether id is registered.
func (r *Registry[V]) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Get fetches the value for id.
func (r *Registry[V]) Get(id string) (V, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.items[id]
	return v, ok
}

// Delete removes id. It reports whether the id was present and the number of
// entries left afterwards.
func (r *Registry[V]) Delete(id string) (removed bool, remaining int) {
	sh := r.shard(id)
	sh.mu.Lock()
	if _, ok := sh.items[id]; ok {
		delete(sh.items, id)
		removed = true
		remaining = int(r.count.Add(-1))
	} else {
		remaining = int(r.count.Load())
	}
	sh.mu.Unlock()
	return removed, remaining
}

// Len returns the number of entries.
func (r *Registry[V]) Len() int {
	return int(r.count.Load())
}

// Snapshot returns the current values in no particular order.
func (r *Registry[V]) Snapshot() []V {
	out := make([]V, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, v := range sh.items {
			out = append(out, v)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear removes every entry and returns what was removed.
func (r *Registry[V]) Clear() []V {
	var out []V
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, v := range sh.items {
			out = append(out, v)
			delete(sh.items, id)
			r.count.Add(-1)
		}
		sh.mu.Unlock()
	}
	return out
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
