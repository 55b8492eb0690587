package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ustack/pkg/tcpstack"
)

func TestTimerSetFiresInDeadlineOrder(t *testing.T) {
	ts := newTimerSet()
	base := time.Now()

	ts.Schedule(base.Add(30*time.Millisecond), tcpstack.TimerPersist, 2)
	ts.Schedule(base.Add(10*time.Millisecond), tcpstack.TimerRetransmit, 1)
	ts.Schedule(base.Add(20*time.Millisecond), tcpstack.TimerTimeWait, 3)

	_, ok := ts.popDue(base)
	assert.False(t, ok, "nothing due yet")

	key, ok := ts.popDue(base.Add(50 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, timerKey{tcpstack.TimerRetransmit, 1}, key)

	key, ok = ts.popDue(base.Add(50 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, timerKey{tcpstack.TimerTimeWait, 3}, key)

	key, ok = ts.popDue(base.Add(50 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, timerKey{tcpstack.TimerPersist, 2}, key)

	_, ok = ts.popDue(base.Add(time.Hour))
	assert.False(t, ok)
}

func TestCancelledTimerNeverFires(t *testing.T) {
	ts := newTimerSet()
	base := time.Now()

	ts.Schedule(base.Add(time.Millisecond), tcpstack.TimerRetransmit, 1)
	ts.Cancel(tcpstack.TimerRetransmit, 1)

	_, ok := ts.popDue(base.Add(time.Second))
	assert.False(t, ok)
}

func TestReschedulingSupersedesOldDeadline(t *testing.T) {
	ts := newTimerSet()
	base := time.Now()

	ts.Schedule(base.Add(10*time.Millisecond), tcpstack.TimerRetransmit, 1)
	ts.Schedule(base.Add(500*time.Millisecond), tcpstack.TimerRetransmit, 1)

	// The first deadline passes, but the arming was replaced.
	_, ok := ts.popDue(base.Add(100 * time.Millisecond))
	assert.False(t, ok)

	key, ok := ts.popDue(base.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, timerKey{tcpstack.TimerRetransmit, 1}, key)

	// And it fires exactly once.
	_, ok = ts.popDue(base.Add(time.Hour))
	assert.False(t, ok)
}

func TestTimerKindsAreIndependent(t *testing.T) {
	ts := newTimerSet()
	base := time.Now()

	ts.Schedule(base.Add(time.Millisecond), tcpstack.TimerRetransmit, 1)
	ts.Schedule(base.Add(time.Millisecond), tcpstack.TimerPersist, 1)
	ts.Cancel(tcpstack.TimerRetransmit, 1)

	key, ok := ts.popDue(base.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, timerKey{tcpstack.TimerPersist, 1}, key)
	_, ok = ts.popDue(base.Add(time.Second))
	assert.False(t, ok)
}

func TestNextDeadlineSkipsStaleEntries(t *testing.T) {
	ts := newTimerSet()
	base := time.Now()

	_, ok := ts.nextDeadline()
	assert.False(t, ok)

	ts.Schedule(base.Add(10*time.Millisecond), tcpstack.TimerRetransmit, 1)
	ts.Schedule(base.Add(time.Minute), tcpstack.TimerRetransmit, 1)

	at, ok := ts.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), at)
}
