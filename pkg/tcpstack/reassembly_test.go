package tcpstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassemblyOrdersBySequence(t *testing.T) {
	r := newReassembly()
	r.insert(140, []byte("cc"), false)
	r.insert(100, []byte("aa"), false)
	r.insert(120, []byte("bb"), false)
	require.Equal(t, 3, r.pending())

	// Nothing releases while the gap before 100 is open.
	_, ok := r.next(90)
	assert.False(t, ok)

	seg, ok := r.next(100)
	require.True(t, ok)
	assert.Equal(t, uint32(100), seg.seq)
	assert.Equal(t, []byte("aa"), seg.data)
}

func TestReassemblyTrimsFrontOverlap(t *testing.T) {
	r := newReassembly()
	r.insert(100, []byte("abcdef"), false)

	// The stream has advanced past part of the parked segment.
	seg, ok := r.next(103)
	require.True(t, ok)
	assert.Equal(t, uint32(103), seg.seq)
	assert.Equal(t, []byte("def"), seg.data)
}

func TestReassemblyConsumesFullDuplicates(t *testing.T) {
	r := newReassembly()
	r.insert(100, []byte("old"), false)

	seg, ok := r.next(200)
	require.True(t, ok)
	assert.Empty(t, seg.data)
	assert.Equal(t, 0, r.pending())
}

func TestReassemblyCarriesFin(t *testing.T) {
	r := newReassembly()
	r.insert(100, []byte("end"), true)
	seg, ok := r.next(100)
	require.True(t, ok)
	assert.True(t, seg.fin)
}

func TestReassemblyCopiesPayload(t *testing.T) {
	r := newReassembly()
	src := []byte("live")
	r.insert(100, src, false)
	src[0] = 'X'

	seg, ok := r.next(100)
	require.True(t, ok)
	assert.Equal(t, []byte("live"), seg.data)
}

func TestReassemblyBounded(t *testing.T) {
	r := newReassembly()
	for i := 0; i < reassemblyLimit+10; i++ {
		r.insert(uint32(1000+i*10), []byte("x"), false)
	}
	assert.Equal(t, reassemblyLimit, r.pending())
}

func TestReassemblyDuplicateStartReplaces(t *testing.T) {
	r := newReassembly()
	r.insert(100, []byte("short"), false)
	r.insert(100, []byte("longer"), false)
	require.Equal(t, 1, r.pending())

	seg, ok := r.next(100)
	require.True(t, ok)
	assert.Equal(t, []byte("longer"), seg.data)
}
