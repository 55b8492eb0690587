package tcpstack

import "github.com/google/btree"

// reassemblyLimit bounds buffered out-of-order segments per connection.
const reassemblyLimit = 64

// ooSegment is an out-of-order segment parked until the gap before it
// closes.
type ooSegment struct {
	seq  uint32
	data []byte
	fin  bool
}

// reassembly holds in-window, out-of-order segments ordered by sequence
// number. The comparator uses wraparound arithmetic, which is a total order
// across the at-most-one-window span the stack ever stores.
type reassembly struct {
	tree *btree.BTreeG[ooSegment]
}

func newReassembly() *reassembly {
	return &reassembly{
		tree: btree.NewG(2, func(a, b ooSegment) bool {
			return seqLT(a.seq, b.seq)
		}),
	}
}

// insert parks a segment, copying its payload. A segment with a duplicate
// starting sequence replaces the previous one.
func (r *reassembly) insert(seq uint32, data []byte, fin bool) {
	if r.tree.Len() >= reassemblyLimit {
		return // full, peer will retransmit
	}
	seg := ooSegment{seq: seq, data: append([]byte(nil), data...), fin: fin}
	r.tree.ReplaceOrInsert(seg)
}

// next pops the lowest segment if it starts at or before nxt, meaning the
// gap in front of it has closed. Fully duplicate segments are consumed and
// reported with empty payloads.
func (r *reassembly) next(nxt uint32) (ooSegment, bool) {
	seg, ok := r.tree.Min()
	if !ok || seqGT(seg.seq, nxt) {
		return ooSegment{}, false
	}
	r.tree.DeleteMin()
	if seqLT(seg.seq, nxt) {
		skip := nxt - seg.seq
		if skip >= uint32(len(seg.data)) {
			seg.data = nil
		} else {
			seg.data = seg.data[skip:]
		}
		seg.seq = nxt
	}
	return seg, true
}

// pending reports how many segments are parked.
func (r *reassembly) pending() int { return r.tree.Len() }
