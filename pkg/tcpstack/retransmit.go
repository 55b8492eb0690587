package tcpstack

import (
	"time"

	"ustack/pkg/config"
)

// rtxEntry is one sent-but-unacknowledged segment, kept verbatim so a
// retransmission carries the same sequence number and payload.
type rtxEntry struct {
	seq     uint32
	data    []byte
	syn     bool
	fin     bool
	sentAt  time.Time
	retries int
}

func (e *rtxEntry) seqLen() uint32 {
	n := uint32(len(e.data))
	if e.syn {
		n++
	}
	if e.fin {
		n++
	}
	return n
}

func (e *rtxEntry) end() uint32 { return e.seq + e.seqLen() }

// retransmitQueue orders in-flight segments by sequence number and owns the
// round-trip estimator. Entries leave either by acknowledgment or by the
// retry limit tripping the connection into reset.
//
// RTT smoothing follows RFC 793: SRTT = alpha*SRTT + (1-alpha)*measured,
// RTO = clamp(beta*SRTT) with exponential backoff while retransmitting.
type retransmitQueue struct {
	entries []*rtxEntry

	cfg  config.TCP
	srtt time.Duration
	rto  time.Duration
}

const (
	rttAlpha = 0.875
	rtoBeta  = 2.0
)

func newRetransmitQueue(cfg config.TCP) *retransmitQueue {
	rq := &retransmitQueue{cfg: cfg, srtt: time.Second}
	rq.rto = rq.clamp(time.Duration(float64(rq.srtt) * rtoBeta))
	return rq
}

func (rq *retransmitQueue) clamp(d time.Duration) time.Duration {
	if d < rq.cfg.RtoMin {
		return rq.cfg.RtoMin
	}
	if d > rq.cfg.RtoMax {
		return rq.cfg.RtoMax
	}
	return d
}

// add appends a segment; entries are produced in sequence order so the slice
// stays sorted.
func (rq *retransmitQueue) add(e *rtxEntry) {
	e.sentAt = time.Now()
	rq.entries = append(rq.entries, e)
}

func (rq *retransmitQueue) empty() bool { return len(rq.entries) == 0 }

// oldest returns the first unacknowledged entry.
func (rq *retransmitQueue) oldest() *rtxEntry {
	if len(rq.entries) == 0 {
		return nil
	}
	return rq.entries[0]
}

// ack removes entries fully covered by ackNum. Round-trip time is sampled
// only from segments that were never retransmitted (Karn's rule).
func (rq *retransmitQueue) ack(ackNum uint32, now time.Time) (acked bool) {
	kept := rq.entries[:0]
	for _, e := range rq.entries {
		if seqLEQ(e.end(), ackNum) {
			acked = true
			if e.retries == 0 {
				rq.sample(now.Sub(e.sentAt))
			}
			continue
		}
		kept = append(kept, e)
	}
	rq.entries = kept
	if acked {
		// Fresh data acknowledged: leave backoff behind.
		rq.rto = rq.clamp(time.Duration(float64(rq.srtt) * rtoBeta))
	}
	return acked
}

func (rq *retransmitQueue) sample(measured time.Duration) {
	rq.srtt = time.Duration(float64(rq.srtt)*rttAlpha + float64(measured)*(1-rttAlpha))
}

// backoff doubles the current timeout after a retransmission.
func (rq *retransmitQueue) backoff() {
	rq.rto = rq.clamp(rq.rto * 2)
}

// deadline returns when the oldest entry times out; zero time when empty.
func (rq *retransmitQueue) deadline() time.Time {
	e := rq.oldest()
	if e == nil {
		return time.Time{}
	}
	return e.sentAt.Add(rq.rto)
}
