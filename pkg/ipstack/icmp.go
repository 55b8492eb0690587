package ipstack

import "ustack/pkg/wire"

// InstallICMP registers the echo responder. Requests to our address come
// back as replies with the payload mirrored; every other ICMP type is
// dropped.
func (s *Stack) InstallICMP() {
	s.RegisterHandler(wire.ProtocolICMP, func(hdr *wire.IPv4Header, payload []byte) {
		msg, err := wire.DecodeICMPEcho(payload)
		if err != nil {
			s.Stats.DroppedMalformed++
			s.log.WithError(err).Debug("icmp: drop")
			return
		}
		if msg.Type != wire.ICMPTypeEchoRequest || msg.Code != 0 {
			return
		}
		reply := wire.ICMPEcho{
			Type:    wire.ICMPTypeEchoReply,
			ID:      msg.ID,
			Seq:     msg.Seq,
			Payload: msg.Payload,
		}
		out := make([]byte, wire.ICMPHeaderLen+len(msg.Payload))
		n, err := reply.Encode(out)
		if err != nil {
			return
		}
		if err := s.Send(hdr.Src, wire.ProtocolICMP, out[:n]); err != nil {
			s.log.WithError(err).Debug("icmp: reply send")
		}
	})
}
