package buffer

import "github.com/pkg/errors"

// ErrPoolExhausted is returned by Acquire when every buffer is in use. The
// caller drops the frame; there is no allocation fallback.
var ErrPoolExhausted = errors.New("buffer: pool exhausted")

// DefaultHeadroom leaves room for Ethernet, IPv4 with options, and TCP
// headers to be prepended without copying.
const DefaultHeadroom = 128

// Pool is a fixed-capacity set of packet buffers. All storage is allocated
// once at construction; Acquire and Release only move buffers on and off a
// free list. Not safe for concurrent use; one pool belongs to one engine.
type Pool struct {
	free     []*Buffer
	capacity int
	headroom int

	acquired uint64
	released uint64
}

// NewPool allocates n buffers of size bytes each.
func NewPool(n, size int) *Pool {
	if n <= 0 || size <= DefaultHeadroom {
		panic("buffer: invalid pool dimensions")
	}
	p := &Pool{
		free:     make([]*Buffer, 0, n),
		capacity: n,
		headroom: DefaultHeadroom,
	}
	backing := make([]byte, n*size)
	for i := 0; i < n; i++ {
		p.free = append(p.free, &Buffer{
			data: backing[i*size : (i+1)*size],
			pool: p,
		})
	}
	return p
}

// Acquire takes a buffer off the free list with the default headroom
// reserved and an empty payload window.
func (p *Pool) Acquire() (*Buffer, error) {
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.inUse = true
	b.off = p.headroom
	b.len = 0
	// Only the header region is scrubbed; the payload is always written
	// before it is read, and zeroing full bodies costs more than it buys.
	for i := 0; i < p.headroom; i++ {
		b.data[i] = 0
	}
	p.acquired++
	return b, nil
}

// Release returns b to the free list. Releasing a buffer twice, or one
// belonging to another pool, indicates a core bug and panics.
func (p *Pool) Release(b *Buffer) {
	if b.pool != p {
		panic("buffer: release to wrong pool")
	}
	if !b.inUse {
		panic("buffer: double release")
	}
	b.inUse = false
	b.off = p.headroom
	b.len = 0
	p.free = append(p.free, b)
	p.released++
}

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.free) }

// Capacity returns the fixed pool size.
func (p *Pool) Capacity() int { return p.capacity }

// Stats returns lifetime acquire and release counts. For a quiescent pool
// the difference equals the buffers currently held by the stack.
func (p *Pool) Stats() (acquired, released uint64) {
	return p.acquired, p.released
}
