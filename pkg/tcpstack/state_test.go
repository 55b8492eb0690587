package tcpstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceComparisonWraparound(t *testing.T) {
	// Plain ordering.
	assert.True(t, seqLT(1, 2))
	assert.True(t, seqLEQ(2, 2))
	assert.True(t, seqGT(3, 2))
	assert.True(t, seqGEQ(2, 2))

	// Across the 2^32 boundary: 0xfffffff0 + 0x20 wraps to 0x10, which is
	// still "after" it.
	assert.True(t, seqLT(0xfffffff0, 0x10))
	assert.True(t, seqGT(0x10, 0xfffffff0))
	assert.False(t, seqLT(0x10, 0xfffffff0))

	// Equality is neither LT nor GT.
	assert.False(t, seqLT(7, 7))
	assert.False(t, seqGT(7, 7))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", Established.String())
	assert.Equal(t, "TIME_WAIT", TimeWait.String())
	assert.Equal(t, "INVALID", State(99).String())
}
