package buffer

// Buffer is a fixed-size byte region with a movable payload window. Layers
// reserve headroom on acquire and prepend headers by growing the window
// towards the front, so a packet travels down the stack without copying.
//
// A buffer has exactly one owner at a time. The owner either hands it to the
// next layer or releases it back to its pool; using it after release is a
// programming error.
type Buffer struct {
	data []byte
	off  int
	len  int

	pool  *Pool
	inUse bool
}

// Bytes returns the current payload window.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off : b.off+b.len]
}

// Len returns the payload window length.
func (b *Buffer) Len() int { return b.len }

// Cap returns the total capacity of the underlying region.
func (b *Buffer) Cap() int { return len(b.data) }

// Headroom returns the bytes available in front of the window.
func (b *Buffer) Headroom() int { return b.off }

// Prepend grows the window by n bytes at the front and returns the newly
// exposed region, for writing a header in front of the existing payload.
func (b *Buffer) Prepend(n int) ([]byte, bool) {
	if n > b.off {
		return nil, false
	}
	b.off -= n
	b.len += n
	return b.data[b.off : b.off+n], true
}

// Consume strips n bytes from the front of the window, used when a layer has
// decoded its header and hands the rest up.
func (b *Buffer) Consume(n int) bool {
	if n > b.len {
		return false
	}
	b.off += n
	b.len -= n
	return true
}

// SetLen shrinks or grows the window tail within capacity.
func (b *Buffer) SetLen(n int) bool {
	if n < 0 || b.off+n > len(b.data) {
		return false
	}
	b.len = n
	return true
}

// Append copies p onto the end of the window and reports whether it fit.
func (b *Buffer) Append(p []byte) bool {
	if b.off+b.len+len(p) > len(b.data) {
		return false
	}
	copy(b.data[b.off+b.len:], p)
	b.len += len(p)
	return true
}

// Reset moves the window to offset headroom with zero length.
func (b *Buffer) Reset(headroom int) bool {
	if headroom < 0 || headroom > len(b.data) {
		return false
	}
	b.off = headroom
	b.len = 0
	return true
}

// Release returns the buffer to its pool.
func (b *Buffer) Release() {
	b.pool.Release(b)
}
