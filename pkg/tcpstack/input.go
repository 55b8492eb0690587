package tcpstack

import (
	"time"

	"github.com/google/netstack/tcpip/header"

	"ustack/pkg/wire"
)

// handleSegment is the IP layer's TCP dispatch target.
func (s *Stack) handleSegment(hdr *wire.IPv4Header, payload []byte) {
	fields, data, err := wire.DecodeTCP(payload, hdr.Src, hdr.Dst)
	if err != nil {
		s.Stats.DroppedChecksum++
		s.log.WithError(err).Debug("tcp: drop segment")
		return
	}
	s.Stats.SegmentsIn++

	tuple := FourTuple{
		LocalAddr:  hdr.Dst,
		LocalPort:  fields.DstPort,
		RemoteAddr: hdr.Src,
		RemotePort: fields.SrcPort,
	}
	now := time.Now()

	if key, ok := s.tuples[tuple]; ok {
		if c, ok := s.conns[key]; ok {
			s.segmentArrives(c, &fields, data, now)
			return
		}
	}

	// No connection. A SYN may match a listener; everything else that is
	// not itself a RST gets one back.
	flags := fields.Flags
	if flags&header.TCPFlagRst != 0 {
		s.Stats.DroppedNoConn++
		return
	}
	if flags&header.TCPFlagSyn != 0 && flags&header.TCPFlagAck == 0 {
		if l, ok := s.listeners[fields.DstPort]; ok && !l.closed {
			s.passiveOpen(l, tuple, &fields)
			return
		}
	}
	s.Stats.DroppedNoConn++
	if flags&header.TCPFlagAck != 0 {
		s.sendRst(tuple, fields.AckNum)
	} else {
		s.sendRst(tuple, 0)
	}
}

// passiveOpen spawns a SynReceived connection from a listener and answers
// the SYN.
func (s *Stack) passiveOpen(l *Listener, tuple FourTuple, fields *header.TCPFields) {
	c := s.newConn(tuple)
	c.state = SynReceived
	c.listenerPort = l.port
	c.rcv.irs = fields.SeqNum
	c.rcv.nxt = fields.SeqNum + 1
	c.snd.wnd = uint32(fields.WindowSize)
	s.tuples[tuple] = c.key

	s.sendSyn(c)
	s.log.Infof("tcp: %s syn received", tuple)
}

// segmentArrives runs the state machine for one incoming segment.
func (s *Stack) segmentArrives(c *Conn, fields *header.TCPFields, data []byte, now time.Time) {
	if c.state == SynSent {
		s.arrivesSynSent(c, fields, now)
		return
	}

	flags := fields.Flags
	segLen := segmentLength(fields, data)

	if !s.acceptable(c, fields.SeqNum, segLen) {
		if flags&header.TCPFlagRst == 0 {
			s.sendAck(c)
		}
		return
	}

	if flags&header.TCPFlagRst != 0 {
		s.Stats.ResetsIn++
		if c.state == SynReceived {
			// Passive opens fall back to anonymous listening; no one
			// ever saw this connection.
			s.destroy(c)
			return
		}
		if c.state == TimeWait {
			s.destroy(c)
			return
		}
		s.fail(c, ErrConnectionReset)
		return
	}

	if flags&header.TCPFlagSyn != 0 {
		// A SYN inside the window of a synchronized connection is
		// fatal per RFC 793.
		s.sendRst(c.tuple, c.snd.nxt)
		s.fail(c, ErrConnectionReset)
		return
	}

	if flags&header.TCPFlagAck == 0 {
		return
	}

	if !s.processAck(c, fields, now) {
		return
	}
	if _, ok := s.conns[c.key]; !ok {
		return
	}

	s.processData(c, fields, data)
}

// arrivesSynSent handles the active-open reply.
func (s *Stack) arrivesSynSent(c *Conn, fields *header.TCPFields, now time.Time) {
	flags := fields.Flags
	ackOK := flags&header.TCPFlagAck != 0 && fields.AckNum == c.snd.iss+1

	if flags&header.TCPFlagAck != 0 && !ackOK {
		if flags&header.TCPFlagRst == 0 {
			s.sendRst(c.tuple, fields.AckNum)
		}
		return
	}
	if flags&header.TCPFlagRst != 0 {
		if ackOK {
			s.Stats.ResetsIn++
			s.fail(c, ErrConnectionReset)
		}
		return
	}
	if flags&header.TCPFlagSyn == 0 || !ackOK {
		// Simultaneous open is outside the minimal core; drop.
		return
	}

	c.rcv.irs = fields.SeqNum
	c.rcv.nxt = fields.SeqNum + 1
	c.snd.una = fields.AckNum
	c.snd.wnd = uint32(fields.WindowSize)
	c.rtx.ack(fields.AckNum, now)
	s.rearmRetransmit(c)
	c.state = Established
	s.log.Infof("tcp: %s established", c.tuple)
	s.sendAck(c)
	s.pump(c)
}

// acceptable implements the RFC 793 receive-window test.
func (s *Stack) acceptable(c *Conn, seq uint32, segLen uint32) bool {
	wnd := uint32(c.advertisedWindow())
	if segLen == 0 {
		if wnd == 0 {
			return seq == c.rcv.nxt
		}
		return seqGEQ(seq, c.rcv.nxt) && seqLT(seq, c.rcv.nxt+wnd)
	}
	if wnd == 0 {
		return false
	}
	// Any overlap with [rcv.nxt, rcv.nxt+wnd) is acceptable.
	return seqLT(seq, c.rcv.nxt+wnd) && seqGT(seq+segLen, c.rcv.nxt)
}

// processAck digests the acknowledgment and window fields. Returns false
// when the segment was bogus enough to stop processing.
func (s *Stack) processAck(c *Conn, fields *header.TCPFields, now time.Time) bool {
	ack := fields.AckNum

	if c.state == SynReceived {
		if !(seqGT(ack, c.snd.una) && seqLEQ(ack, c.snd.nxt)) {
			s.sendRst(c.tuple, ack)
			return false
		}
		c.state = Established
		s.log.Infof("tcp: %s established", c.tuple)
		s.deliverToListener(c)
		if c.state == Closed {
			return false
		}
	}

	if seqGT(ack, c.snd.nxt) {
		// Acknowledging data never sent.
		s.sendAck(c)
		return false
	}

	if seqGT(ack, c.snd.una) {
		c.snd.una = ack
		c.rtx.ack(ack, now)
		s.rearmRetransmit(c)
	}

	// Window update, also on duplicate ACKs.
	c.snd.wnd = uint32(fields.WindowSize)
	if c.snd.wnd > 0 && c.persistDelay > 0 {
		s.stopPersist(c)
	}

	if c.snd.finSent && seqGEQ(c.snd.una, c.snd.finSeq+1) {
		switch c.state {
		case FinWait1:
			c.state = FinWait2
		case Closing:
			s.enterTimeWait(c)
		case LastAck:
			s.log.Infof("tcp: %s closed", c.tuple)
			s.destroy(c)
			return false
		}
	}

	s.pump(c)
	return true
}

// processData sequences payload bytes and the FIN, delivers in-order data,
// parks out-of-order data, and acknowledges.
func (s *Stack) processData(c *Conn, fields *header.TCPFields, data []byte) {
	fin := fields.Flags&header.TCPFlagFin != 0
	if len(data) == 0 && !fin {
		return
	}

	switch c.state {
	case Established, FinWait1, FinWait2:
	case TimeWait:
		// Stray late segment: re-acknowledge and restart the linger.
		s.sendAck(c)
		s.enterTimeWait(c)
		return
	default:
		// Peer already sent FIN; it should not be sending more data.
		return
	}

	seq := fields.SeqNum
	if seq == c.rcv.nxt {
		delivered := s.deliverInOrder(c, data)
		if delivered == len(data) {
			s.drainReassembly(c)
			if fin && !c.rcv.finSeen {
				s.sequenceFin(c)
			}
		}
		s.sendAck(c)
		return
	}

	// In-window but out of order: park it and tell the peer what we still
	// expect (duplicate ACK).
	if seqGT(seq, c.rcv.nxt) {
		c.rcv.reasm.insert(seq, data, fin)
	} else if overlap := c.rcv.nxt - seq; overlap < uint32(len(data)) || fin {
		// Front overlap with new tail data.
		if overlap < uint32(len(data)) {
			if n := s.deliverInOrder(c, data[overlap:]); n == len(data[overlap:]) {
				s.drainReassembly(c)
				if fin && !c.rcv.finSeen {
					s.sequenceFin(c)
				}
			}
		} else if fin && seq+uint32(len(data)) == c.rcv.nxt && !c.rcv.finSeen {
			s.sequenceFin(c)
		}
	}
	s.sendAck(c)
}

// deliverInOrder appends data to the receive buffer, returning the bytes
// taken. What does not fit is dropped; the shrunken advertised window tells
// the peer to retransmit it later.
func (s *Stack) deliverInOrder(c *Conn, data []byte) int {
	free := c.rcv.buf.Free()
	if free < len(data) {
		data = data[:free]
	}
	if len(data) == 0 {
		return 0
	}
	n, _ := c.rcv.buf.Write(data)
	c.rcv.nxt += uint32(n)
	return n
}

// drainReassembly releases parked segments whose gap has closed.
func (s *Stack) drainReassembly(c *Conn) {
	for {
		seg, ok := c.rcv.reasm.next(c.rcv.nxt)
		if !ok {
			return
		}
		if len(seg.data) > 0 {
			if n := s.deliverInOrder(c, seg.data); n < len(seg.data) {
				// Out of buffer; put the rest back and stop.
				c.rcv.reasm.insert(seg.seq+uint32(n), seg.data[n:], seg.fin)
				return
			}
		}
		if seg.fin && !c.rcv.finSeen {
			s.sequenceFin(c)
		}
	}
}

// sequenceFin consumes the peer's FIN and moves the close handshake along.
func (s *Stack) sequenceFin(c *Conn) {
	c.rcv.finSeen = true
	c.rcv.nxt++
	switch c.state {
	case Established:
		c.state = CloseWait
		s.log.Infof("tcp: %s close-wait", c.tuple)
	case FinWait1:
		if c.snd.finSent && seqGEQ(c.snd.una, c.snd.finSeq+1) {
			s.enterTimeWait(c)
		} else {
			c.state = Closing
		}
	case FinWait2:
		s.enterTimeWait(c)
	}
}

// enterTimeWait (re)starts the 2*MSL linger.
func (c *Conn) timeWaitDeadline(msl time.Duration) time.Time {
	return time.Now().Add(2 * msl)
}

func (s *Stack) enterTimeWait(c *Conn) {
	c.state = TimeWait
	s.sched.Cancel(TimerRetransmit, c.key)
	s.sched.Cancel(TimerPersist, c.key)
	s.sched.Schedule(c.timeWaitDeadline(s.cfg.MSL), TimerTimeWait, c.key)
}

// deliverToListener parks an established passive connection for Accept.
func (s *Stack) deliverToListener(c *Conn) {
	l, ok := s.listeners[c.listenerPort]
	if !ok || l.closed || len(l.accept) >= acceptBacklog {
		s.Stats.AcceptOverflow++
		s.sendRst(c.tuple, c.snd.nxt)
		s.destroy(c)
		return
	}
	l.accept = append(l.accept, c.key)
}

// sendAck emits a bare acknowledgment.
func (s *Stack) sendAck(c *Conn) {
	if err := s.sendSegment(c, header.TCPFlagAck, c.snd.nxt, nil); err != nil {
		s.log.WithError(err).Debug("tcp: ack send")
	}
}

func segmentLength(fields *header.TCPFields, data []byte) uint32 {
	n := uint32(len(data))
	if fields.Flags&header.TCPFlagSyn != 0 {
		n++
	}
	if fields.Flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}
