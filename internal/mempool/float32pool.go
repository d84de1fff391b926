// Package mempool recycles tensor buffers between inference requests.
package mempool

import (
	"sync"
	"sync/atomic"
)

// Float32Pool hands out []float32 buffers of one fixed length. Every request
// for a given model input has the same shape, so a single size is enough.
type Float32Pool struct {
	size   int
	pool   sync.Pool
	gets   atomic.Int64
	allocs atomic.Int64
	drops  atomic.Int64
}

// Stats counts pool activity since creation.
type Stats struct {
	Gets   int64 // buffers handed out
	Allocs int64 // buffers that had to be allocated
	Drops  int64 // returned buffers rejected for the wrong capacity
}

// NewFloat32 creates a pool of buffers holding size elements.
// Non-positive sizes are clamped to one element.
func NewFloat32(size int) *Float32Pool {
	p := &Float32Pool{size: max(size, 1)}
	p.pool.New = func() any {
		p.allocs.Add(1)
		return make([]float32, p.size)
	}
	return p
}

// Size returns the length of the buffers handed out by Get.
func (p *Float32Pool) Size() int { return p.size }

// Get returns a buffer of length Size. Contents are not zeroed.
// The caller returns it with Put once no tensor refers to it.
func (p *Float32Pool) Get() []float32 {
	p.gets.Add(1)
	buf, ok := p.pool.Get().([]float32)
	if !ok || cap(buf) < p.size {
		p.allocs.Add(1)
		return make([]float32, p.size)
	}
	return buf[:p.size]
}

// Put returns buf to the pool. Nil buffers and buffers of another capacity
// are ignored.
func (p *Float32Pool) Put(buf []float32) {
	if buf == nil {
		return
	}
	if cap(buf) != p.size {
		p.drops.Add(1)
		return
	}
	p.pool.Put(buf[:p.size]) //nolint:staticcheck // slices are the pooled value
}

// Stats returns a snapshot of the counters.
func (p *Float32Pool) Stats() Stats {
	return Stats{Gets: p.gets.Load(), Allocs: p.allocs.Load(), Drops: p.drops.Load()}
}
