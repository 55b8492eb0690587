package engine

import (
	"container/heap"
	"time"

	"ustack/pkg/tcpstack"
)

// timerKey identifies one logical timer: a kind on a connection.
type timerKey struct {
	kind tcpstack.TimerKind
	conn int
}

// timer is one heap entry. Rearming a timer leaves the old entry in the
// heap; the generation check on pop discards it, so a timer fires at most
// once per arming and a cancelled timer never fires.
type timer struct {
	at  time.Time
	key timerKey
	gen uint64
}

type timerHeap []timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// timerSet is the engine's pending-timer store and the tcpstack.Scheduler
// implementation. Single-owner, scanned only from the event loop.
type timerSet struct {
	heap  timerHeap
	armed map[timerKey]uint64
	gen   uint64
}

func newTimerSet() *timerSet {
	return &timerSet{armed: make(map[timerKey]uint64)}
}

// Schedule arms (or re-arms) the timer.
func (t *timerSet) Schedule(at time.Time, kind tcpstack.TimerKind, connKey int) {
	key := timerKey{kind: kind, conn: connKey}
	t.gen++
	t.armed[key] = t.gen
	heap.Push(&t.heap, timer{at: at, key: key, gen: t.gen})
}

// Cancel disarms the timer; its heap entry dies on pop.
func (t *timerSet) Cancel(kind tcpstack.TimerKind, connKey int) {
	delete(t.armed, timerKey{kind: kind, conn: connKey})
}

// popDue removes and returns the next live timer due at or before now.
func (t *timerSet) popDue(now time.Time) (timerKey, bool) {
	for len(t.heap) > 0 {
		next := t.heap[0]
		if next.at.After(now) {
			return timerKey{}, false
		}
		heap.Pop(&t.heap)
		if gen, ok := t.armed[next.key]; ok && gen == next.gen {
			delete(t.armed, next.key)
			return next.key, true
		}
	}
	return timerKey{}, false
}

// nextDeadline returns the earliest live deadline, if any.
func (t *timerSet) nextDeadline() (time.Time, bool) {
	for len(t.heap) > 0 {
		next := t.heap[0]
		if gen, ok := t.armed[next.key]; ok && gen == next.gen {
			return next.at, true
		}
		heap.Pop(&t.heap)
	}
	return time.Time{}, false
}
