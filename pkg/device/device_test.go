package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ustack/pkg/buffer"
)

func TestPipeCarriesFramesBothWays(t *testing.T) {
	a, b := Pipe(1500, 4)
	pool := buffer.NewPool(8, 2048)

	out, err := pool.Acquire()
	require.NoError(t, err)
	require.True(t, out.Append([]byte("frame one")))
	require.NoError(t, a.Transmit(out))

	in, err := b.Receive(pool)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, []byte("frame one"), in.Bytes())
	in.Release()

	// Empty queue is a nil frame, not an error.
	in, err = b.Receive(pool)
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestPipeDropsWhenPeerQueueFull(t *testing.T) {
	a, b := Pipe(1500, 2)
	pool := buffer.NewPool(8, 2048)

	for i := 0; i < 4; i++ {
		out, err := pool.Acquire()
		require.NoError(t, err)
		require.True(t, out.Append([]byte{byte(i)}))
		require.NoError(t, a.Transmit(out))
	}
	// Transmit released every buffer even for dropped frames.
	assert.Equal(t, pool.Capacity(), pool.Available())

	received := 0
	for {
		in, err := b.Receive(pool)
		require.NoError(t, err)
		if in == nil {
			break
		}
		received++
		in.Release()
	}
	assert.Equal(t, 2, received)
}

func TestPipeClosed(t *testing.T) {
	a, _ := Pipe(1500, 1)
	pool := buffer.NewPool(2, 2048)
	require.NoError(t, a.Close())

	_, err := a.Receive(pool)
	assert.True(t, errors.Is(err, ErrClosed))

	out, err := pool.Acquire()
	require.NoError(t, err)
	assert.True(t, errors.Is(a.Transmit(out), ErrClosed))
	assert.Equal(t, pool.Capacity(), pool.Available())
}
