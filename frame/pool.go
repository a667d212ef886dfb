package frame

import (
	"sync/atomic"
)

// Buffer is one pixel plane checked out of a Pool.
type Buffer struct {
	Data     []byte
	pool     *Pool
	released atomic.Bool
}

// Release hands the buffer back to its pool. Repeated calls are ignored.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.put(b)
}

// Pool is a fixed set of reusable pixel buffers, mirroring the camera's
// preview buffer queue. Get never allocates and never blocks.
type Pool struct {
	free        chan *Buffer
	size        int
	outstanding atomic.Int64
	checkouts   atomic.Int64
	releases    atomic.Int64
}

// NewPool allocates count buffers of size bytes each.
func NewPool(count, size int) *Pool {
	p := &Pool{free: make(chan *Buffer, count), size: size}
	for i := 0; i < count; i++ {
		b := &Buffer{Data: make([]byte, size), pool: p}
		b.released.Store(true)
		p.free <- b
	}
	return p
}

// Get checks out a free buffer, or returns false when every buffer is in use.
func (p *Pool) Get() (*Buffer, bool) {
	select {
	case b := <-p.free:
		b.released.Store(false)
		p.outstanding.Add(1)
		p.checkouts.Add(1)
		return b, true
	default:
		return nil, false
	}
}

func (p *Pool) put(b *Buffer) {
	p.outstanding.Add(-1)
	p.releases.Add(1)
	p.free <- b
}

// Cap returns the number of buffers owned by the pool.
func (p *Pool) Cap() int { return cap(p.free) }

// BufferSize returns the size of each buffer in bytes.
func (p *Pool) BufferSize() int { return p.size }

// Outstanding returns the number of buffers currently checked out.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

func (p *Pool) Checkouts() int64 { return p.checkouts.Load() }
func (p *Pool) Releases() int64  { return p.releases.Load() }
