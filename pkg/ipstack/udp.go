package ipstack

import (
	"net/netip"

	"ustack/pkg/wire"
)

// DatagramHandler receives one UDP payload addressed to a bound port.
type DatagramHandler func(src netip.AddrPort, payload []byte)

// UDP is the minimal datagram surface on top of the IP layer: bind a port,
// get payloads; send a payload to an address. No sockets, no connection
// state.
type UDP struct {
	stack *Stack
	binds map[uint16]DatagramHandler

	Received uint64
	Dropped  uint64
}

// InstallUDP registers the UDP dispatcher and returns its handle.
func (s *Stack) InstallUDP() *UDP {
	u := &UDP{stack: s, binds: make(map[uint16]DatagramHandler)}
	s.RegisterHandler(wire.ProtocolUDP, func(hdr *wire.IPv4Header, payload []byte) {
		h, data, err := wire.DecodeUDP(payload, hdr.Src, hdr.Dst)
		if err != nil {
			u.Dropped++
			s.log.WithError(err).Debug("udp: drop")
			return
		}
		handler, ok := u.binds[h.DstPort]
		if !ok {
			u.Dropped++
			return
		}
		u.Received++
		handler(netip.AddrPortFrom(hdr.Src, h.SrcPort), data)
	})
	return u
}

// Bind installs handler for a local port. A second bind on the same port
// replaces the first.
func (u *UDP) Bind(port uint16, handler DatagramHandler) {
	u.binds[port] = handler
}

// Unbind removes a port binding.
func (u *UDP) Unbind(port uint16) {
	delete(u.binds, port)
}

// Send emits one datagram from srcPort to dst.
func (u *UDP) Send(srcPort uint16, dst netip.AddrPort, payload []byte) error {
	h := wire.UDPHeader{SrcPort: srcPort, DstPort: dst.Port()}
	out := make([]byte, wire.UDPHeaderLen+len(payload))
	n, err := wire.EncodeUDP(&h, payload, u.stack.iface.IP, dst.Addr(), out)
	if err != nil {
		return err
	}
	return u.stack.Send(dst.Addr(), wire.ProtocolUDP, out[:n])
}
