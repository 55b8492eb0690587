package buffer

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExhaustionAndReuse(t *testing.T) {
	p := NewPool(2, 512)
	require.Equal(t, 2, p.Capacity())
	require.Equal(t, 2, p.Available())

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, p.Available())

	_, err = p.Acquire()
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	a.Release()
	assert.Equal(t, 1, p.Available())
	c, err := p.Acquire()
	require.NoError(t, err)

	b.Release()
	c.Release()
	acquired, released := p.Stats()
	assert.Equal(t, uint64(3), acquired)
	assert.Equal(t, uint64(3), released)
}

func TestDoubleReleasePanics(t *testing.T) {
	p := NewPool(1, 512)
	b, err := p.Acquire()
	require.NoError(t, err)
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestReleaseToWrongPoolPanics(t *testing.T) {
	p1 := NewPool(1, 512)
	p2 := NewPool(1, 512)
	b, err := p1.Acquire()
	require.NoError(t, err)
	assert.Panics(t, func() { p2.Release(b) })
	b.Release()
}

func TestHeadroomWindowing(t *testing.T) {
	p := NewPool(1, 512)
	b, err := p.Acquire()
	require.NoError(t, err)
	defer b.Release()

	require.Equal(t, DefaultHeadroom, b.Headroom())
	require.Equal(t, 0, b.Len())

	require.True(t, b.Append([]byte("payload")))
	assert.Equal(t, []byte("payload"), b.Bytes())

	// Prepend a fake header in front of the payload.
	head, ok := b.Prepend(4)
	require.True(t, ok)
	copy(head, "HDR:")
	assert.Equal(t, []byte("HDR:payload"), b.Bytes())
	assert.Equal(t, DefaultHeadroom-4, b.Headroom())

	// Consume strips it back off.
	require.True(t, b.Consume(4))
	assert.Equal(t, []byte("payload"), b.Bytes())

	// Prepending past the front must fail without moving the window.
	_, ok = b.Prepend(DefaultHeadroom + 1)
	assert.False(t, ok)
	assert.Equal(t, []byte("payload"), b.Bytes())

	// Consuming more than the window holds must fail too.
	assert.False(t, b.Consume(100))
}

func TestAppendBeyondCapacity(t *testing.T) {
	p := NewPool(1, DefaultHeadroom+8)
	b, err := p.Acquire()
	require.NoError(t, err)
	defer b.Release()

	require.True(t, b.Append(make([]byte, 8)))
	assert.False(t, b.Append([]byte{1}))
	assert.Equal(t, 8, b.Len())
}

func TestResetRestoresWindow(t *testing.T) {
	p := NewPool(1, 512)
	b, err := p.Acquire()
	require.NoError(t, err)
	defer b.Release()

	require.True(t, b.Append([]byte("junk")))
	require.True(t, b.Reset(16))
	assert.Equal(t, 16, b.Headroom())
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Reset(-1))
}

func TestAcquireScrubsHeaderRegion(t *testing.T) {
	p := NewPool(1, 512)
	b, err := p.Acquire()
	require.NoError(t, err)
	head, ok := b.Prepend(DefaultHeadroom)
	require.True(t, ok)
	for i := range head {
		head[i] = 0xee
	}
	b.Release()

	b, err = p.Acquire()
	require.NoError(t, err)
	defer b.Release()
	head, ok = b.Prepend(DefaultHeadroom)
	require.True(t, ok)
	for _, v := range head {
		assert.Zero(t, v)
	}
}
