// Package buffer provides the two allocation-free handoff primitives used on
// the frame path: a fixed-size byte buffer pool and a single-producer,
// single-consumer ring of frame slots.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Pool caches up to a fixed number of equally sized byte buffers. Get never
// blocks: once every pooled buffer is checked out it falls back to a plain
// allocation. Buffers are zeroed when returned so pixels from one frame can
// never leak into the next borrower.
//
// Pool implements media.Recycler.
type Pool struct {
	size int
	max  int

	mu        sync.Mutex
	idle      [][]byte
	allocated int

	reused    atomic.Int64
	overflow  atomic.Int64
	discarded atomic.Int64
}

// PoolCounters is a snapshot of pool activity for metrics.
type PoolCounters struct {
	Allocated int   // pooled buffers created so far, never above max
	Reused    int64 // Gets served from the idle set
	Overflow  int64 // Gets served by an unpooled allocation
	Discarded int64 // Puts dropped because the idle set was full or the size was wrong
}

// NewPool returns a pool prefilled with maxBuffers buffers of bufferSize bytes.
func NewPool(bufferSize, maxBuffers int) *Pool {
	p := newPool(bufferSize, maxBuffers)
	for range p.max {
		p.idle = append(p.idle, make([]byte, p.size))
	}
	p.allocated = p.max
	return p
}

// NewLazyPool returns an empty pool that allocates on demand up to maxBuffers.
func NewLazyPool(bufferSize, maxBuffers int) *Pool {
	return newPool(bufferSize, maxBuffers)
}

func newPool(bufferSize, maxBuffers int) *Pool {
	if bufferSize <= 0 {
		panic("buffer: non-positive pool buffer size")
	}
	if maxBuffers < 1 {
		maxBuffers = 1
	}
	return &Pool{
		size: bufferSize,
		max:  maxBuffers,
		idle: make([][]byte, 0, maxBuffers),
	}
}

// BufferSize returns the length of every buffer handed out by Get.
func (p *Pool) BufferSize() int { return p.size }

// Get returns a zeroed buffer of BufferSize bytes.
func (p *Pool) Get() []byte {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		buf := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.reused.Add(1)
		return buf
	}
	pooled := p.allocated < p.max
	if pooled {
		p.allocated++
	}
	p.mu.Unlock()

	if !pooled {
		p.overflow.Add(1)
	}
	return make([]byte, p.size)
}

// Put zeroes buf and keeps it for reuse if the idle set has room. Buffers of
// the wrong size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		p.discarded.Add(1)
		return
	}
	buf = buf[:p.size]
	clear(buf)

	p.mu.Lock()
	if len(p.idle) < p.max {
		p.idle = append(p.idle, buf)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discarded.Add(1)
}

// Stats reports the idle buffer count and the pool maximum.
func (p *Pool) Stats() (available, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.max
}

// Counters returns cumulative activity counters.
func (p *Pool) Counters() PoolCounters {
	p.mu.Lock()
	allocated := p.allocated
	p.mu.Unlock()
	return PoolCounters{
		Allocated: allocated,
		Reused:    p.reused.Load(),
		Overflow:  p.overflow.Load(),
		Discarded: p.discarded.Load(),
	}
}
