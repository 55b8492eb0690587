package tcpstack

import (
	"time"

	"github.com/google/netstack/tcpip/header"
)

// persistInitial and persistMax bound the zero-window probe interval.
const (
	persistInitial = time.Second
	persistMax     = 60 * time.Second
)

// mss is the largest payload per segment for the configured link MTU.
func (s *Stack) mss() int {
	return s.iface.MTU - 20 - 20 // IPv4 header, TCP header
}

// rearmRetransmit keeps the invariant: the retransmit timer is armed exactly
// when unacknowledged segments exist and the persist timer is not running.
func (s *Stack) rearmRetransmit(c *Conn) {
	if c.rtx.empty() || c.persistDelay > 0 {
		s.sched.Cancel(TimerRetransmit, c.key)
		return
	}
	s.sched.Schedule(c.rtx.deadline(), TimerRetransmit, c.key)
}

// sendSyn emits the connection's SYN (or SYN-ACK) and tracks it for
// retransmission.
func (s *Stack) sendSyn(c *Conn) {
	flags := uint8(header.TCPFlagSyn)
	if c.state == SynReceived {
		flags |= header.TCPFlagAck
	}
	if err := s.sendSegment(c, flags, c.snd.iss, nil); err != nil {
		s.log.WithError(err).Debug("tcp: syn send")
	}
	c.snd.nxt = c.snd.iss + 1
	c.rtx.add(&rtxEntry{seq: c.snd.iss, syn: true})
	s.rearmRetransmit(c)
}

// pump moves queued data onto the wire: segments sized to the send window
// and the MSS, each recorded for retransmission, then the FIN once the
// buffer has drained. The send window is the peer's advertisement capped by
// the configured fixed window; there is no congestion control beyond that.
func (s *Stack) pump(c *Conn) {
	switch c.state {
	case Established, CloseWait, FinWait1, Closing, LastAck:
	default:
		return
	}

	limit := uint32(s.cfg.WindowSize)
	mss := uint32(s.mss())

	for !c.snd.buf.IsEmpty() {
		wnd := c.snd.wnd
		if wnd > limit {
			wnd = limit
		}
		inFlight := c.inFlight()
		if wnd <= inFlight {
			if c.snd.wnd == 0 && inFlight == 0 && c.persistDelay == 0 {
				s.startPersist(c)
			}
			break
		}
		chunk := wnd - inFlight
		if chunk > mss {
			chunk = mss
		}
		if n := uint32(c.snd.buf.Length()); chunk > n {
			chunk = n
		}
		if chunk == 0 {
			break
		}

		data := make([]byte, chunk)
		n, _ := c.snd.buf.Read(data)
		if n == 0 {
			break
		}
		data = data[:n]

		seq := c.snd.nxt
		flags := uint8(header.TCPFlagAck)
		if c.snd.buf.IsEmpty() {
			flags |= header.TCPFlagPsh
		}
		if err := s.sendSegment(c, flags, seq, data); err != nil {
			s.log.WithError(err).Debug("tcp: data send")
		}
		c.snd.nxt += uint32(n)
		c.rtx.add(&rtxEntry{seq: seq, data: data})
	}

	if c.snd.finQueued && !c.snd.finSent && c.snd.buf.IsEmpty() {
		seq := c.snd.nxt
		c.snd.finSeq = seq
		c.snd.finSent = true
		if err := s.sendSegment(c, header.TCPFlagFin|header.TCPFlagAck, seq, nil); err != nil {
			s.log.WithError(err).Debug("tcp: fin send")
		}
		c.snd.nxt++
		c.rtx.add(&rtxEntry{seq: seq, fin: true})
	}

	s.rearmRetransmit(c)
}

// HandleTimer is the engine's timer dispatch target. A key whose connection
// is gone is a cancelled timer racing its own removal; ignored.
func (s *Stack) HandleTimer(kind TimerKind, key int, now time.Time) {
	c, ok := s.conns[key]
	if !ok {
		return
	}
	switch kind {
	case TimerRetransmit:
		s.retransmit(c, now)
	case TimerPersist:
		s.persistProbe(c, now)
	case TimerTimeWait:
		if c.state == TimeWait {
			s.log.Infof("tcp: %s time-wait expired", c.tuple)
			s.destroy(c)
		}
	}
}

// retransmit re-sends the oldest unacknowledged segment verbatim, backing
// off the timeout. The retry limit turns the connection into a reset.
func (s *Stack) retransmit(c *Conn, now time.Time) {
	if c.persistDelay > 0 {
		return
	}
	e := c.rtx.oldest()
	if e == nil {
		return
	}
	if now.Before(c.rtx.deadline()) {
		// Earlier entries were acked since this timer was armed.
		s.rearmRetransmit(c)
		return
	}
	if e.retries >= s.cfg.Retries {
		s.log.Warnf("tcp: %s gave up after %d retransmits", c.tuple, e.retries)
		s.fail(c, ErrConnectionReset)
		return
	}

	s.resend(c, e)
	s.Stats.Retransmits++
	e.retries++
	e.sentAt = now
	c.rtx.backoff()
	s.rearmRetransmit(c)
	s.log.Debugf("tcp: %s retransmit seq=%d try=%d rto=%s", c.tuple, e.seq, e.retries, c.rtx.rto)
}

// resend puts one queue entry back on the wire with its original sequence
// number, payload, and control flags.
func (s *Stack) resend(c *Conn, e *rtxEntry) {
	flags := uint8(header.TCPFlagAck)
	if e.syn {
		flags = header.TCPFlagSyn
		if c.rcv.nxt != 0 {
			// SYN-ACK of a passive open.
			flags |= header.TCPFlagAck
		}
	}
	if e.fin {
		flags |= header.TCPFlagFin
	}
	if err := s.sendSegment(c, flags, e.seq, e.data); err != nil {
		s.log.WithError(err).Debug("tcp: resend")
	}
}

// startPersist sends the first zero-window probe and switches the
// connection from retransmission to persist mode. The probe is a real
// one-byte segment so the peer answers it: with a duplicate ACK while its
// window stays closed, with a normal ACK once it reopens.
func (s *Stack) startPersist(c *Conn) {
	one := make([]byte, 1)
	n, _ := c.snd.buf.Read(one)
	if n == 0 {
		return
	}
	seq := c.snd.nxt
	if err := s.sendSegment(c, header.TCPFlagAck, seq, one); err != nil {
		s.log.WithError(err).Debug("tcp: persist probe")
	}
	c.snd.nxt++
	c.rtx.add(&rtxEntry{seq: seq, data: one})
	c.persistDelay = persistInitial
	s.sched.Cancel(TimerRetransmit, c.key)
	s.sched.Schedule(time.Now().Add(c.persistDelay), TimerPersist, c.key)
	s.log.Debugf("tcp: %s zero window, persisting", c.tuple)
}

// persistProbe re-sends the probe byte on each persist expiry, doubling the
// interval. Probes do not count against the retransmit limit; a closed
// window is the peer's prerogative, not a failure.
func (s *Stack) persistProbe(c *Conn, now time.Time) {
	if c.persistDelay == 0 {
		return
	}
	if c.snd.wnd > 0 {
		s.stopPersist(c)
		s.pump(c)
		return
	}
	if e := c.rtx.oldest(); e != nil {
		s.resend(c, e)
	} else {
		// Nothing in flight; a bare ACK keeps the probe cadence.
		s.sendAck(c)
	}
	c.persistDelay *= 2
	if c.persistDelay > persistMax {
		c.persistDelay = persistMax
	}
	s.sched.Schedule(now.Add(c.persistDelay), TimerPersist, c.key)
}

// stopPersist leaves persist mode and restores retransmission.
func (s *Stack) stopPersist(c *Conn) {
	c.persistDelay = 0
	s.sched.Cancel(TimerPersist, c.key)
	s.rearmRetransmit(c)
}
