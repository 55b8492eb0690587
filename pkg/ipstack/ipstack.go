package ipstack

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"ustack/pkg/arp"
	"ustack/pkg/buffer"
	"ustack/pkg/config"
	"ustack/pkg/log"
	"ustack/pkg/wire"
)

// ErrNoRoute means the destination is off-subnet and no gateway is
// configured.
var ErrNoRoute = errors.New("ipstack: no route to host")

// pendingQueueDepth bounds datagrams parked per destination while ARP
// resolves. The oldest is dropped on overflow.
const pendingQueueDepth = 8

// ProtocolHandler consumes a locally destined datagram. The payload slice is
// only valid for the duration of the call; handlers copy what they keep.
type ProtocolHandler func(hdr *wire.IPv4Header, payload []byte)

// Stats counts per-cause drops and traffic through the IP layer.
type Stats struct {
	Received         uint64
	Delivered        uint64
	Forwarded        uint64
	Sent             uint64
	DroppedMalformed uint64
	DroppedChecksum  uint64
	DroppedTTL       uint64
	DroppedNoProto   uint64
	DroppedNoRoute   uint64
	DroppedPending   uint64
	DroppedForeign   uint64
}

// Stack is the IPv4 layer: receive validation, local/forward decision,
// protocol dispatch, and the send path including ARP-pending queues.
type Stack struct {
	iface config.Interface
	pool  *buffer.Pool
	cache *arp.Cache
	log   log.Logger

	// enqueue hands a finished frame to the engine's transmit queue.
	enqueue func(*buffer.Buffer)

	// onUnreachable tells the transport layer a next hop failed to
	// resolve, so it can fail connections instead of retransmitting into
	// a void.
	onUnreachable func(ip netip.Addr)

	handlers map[uint8]ProtocolHandler
	pending  map[netip.Addr][]*buffer.Buffer

	Stats Stats
}

// New builds the IP layer. enqueue must accept ownership of the buffer.
func New(iface config.Interface, pool *buffer.Pool, cache *arp.Cache, logger log.Logger, enqueue func(*buffer.Buffer)) *Stack {
	return &Stack{
		iface:    iface,
		pool:     pool,
		cache:    cache,
		log:      logger,
		enqueue:  enqueue,
		handlers: make(map[uint8]ProtocolHandler),
		pending:  make(map[netip.Addr][]*buffer.Buffer),
	}
}

// RegisterHandler installs the upper-layer handler for an IP protocol
// number. The protocol set is closed (ICMP, TCP, UDP); anything else counts
// as a drop.
func (s *Stack) RegisterHandler(proto uint8, h ProtocolHandler) {
	s.handlers[proto] = h
}

// OnUnreachable installs the unreachable-next-hop callback.
func (s *Stack) OnUnreachable(fn func(ip netip.Addr)) {
	s.onUnreachable = fn
}

// HandleDatagram processes the IPv4 packet in b (Ethernet header already
// stripped). Malformed or corrupt input is dropped and counted, never
// propagated.
func (s *Stack) HandleDatagram(b []byte) {
	s.Stats.Received++
	hdr, err := wire.DecodeIPv4(b)
	if err != nil {
		if errors.Is(err, wire.ErrChecksumMismatch) {
			s.Stats.DroppedChecksum++
		} else {
			s.Stats.DroppedMalformed++
		}
		s.log.WithError(err).Debug("ip: drop")
		return
	}
	if hdr.IsFragment() {
		// Reassembly is outside the minimal core; fragments are dropped.
		s.Stats.DroppedMalformed++
		return
	}
	payload := b[hdr.HeaderLen():hdr.TotalLen]

	if hdr.Dst == s.iface.IP || hdr.Dst == s.iface.Broadcast() {
		h, ok := s.handlers[hdr.Protocol]
		if !ok {
			s.Stats.DroppedNoProto++
			return
		}
		s.Stats.Delivered++
		h(&hdr, payload)
		return
	}

	if !s.iface.Forwarding {
		s.Stats.DroppedForeign++
		return
	}
	s.forward(&hdr, payload)
}

// forward re-emits a foreign datagram with the TTL decremented.
func (s *Stack) forward(hdr *wire.IPv4Header, payload []byte) {
	if hdr.TTL <= 1 {
		s.Stats.DroppedTTL++
		return
	}
	hdr.TTL--
	buf, err := s.pool.Acquire()
	if err != nil {
		s.Stats.DroppedPending++
		return
	}
	if !buf.Append(payload) {
		buf.Release()
		s.Stats.DroppedMalformed++
		return
	}
	head, ok := buf.Prepend(hdr.HeaderLen())
	if !ok {
		buf.Release()
		s.Stats.DroppedMalformed++
		return
	}
	if _, err := hdr.Encode(head); err != nil {
		buf.Release()
		s.Stats.DroppedMalformed++
		return
	}
	s.Stats.Forwarded++
	s.transmitTo(hdr.Dst, buf)
}

// Send emits one IPv4 datagram carrying payload. The payload is copied into
// a pool buffer; callers keep ownership of theirs.
func (s *Stack) Send(dst netip.Addr, proto uint8, payload []byte) error {
	buf, err := s.pool.Acquire()
	if err != nil {
		return err
	}
	if !buf.Append(payload) {
		buf.Release()
		return errors.Errorf("ipstack: payload %d exceeds buffer", len(payload))
	}
	hdr := wire.IPv4Header{
		TotalLen: uint16(wire.IPv4MinHeaderLen + len(payload)),
		TTL:      wire.DefaultTTL,
		Protocol: proto,
		Src:      s.iface.IP,
		Dst:      dst,
	}
	head, ok := buf.Prepend(wire.IPv4MinHeaderLen)
	if !ok {
		buf.Release()
		return errors.New("ipstack: no headroom for IP header")
	}
	if _, err := hdr.Encode(head); err != nil {
		buf.Release()
		return err
	}
	s.Stats.Sent++
	return s.transmitTo(dst, buf)
}

// transmitTo resolves the next hop, frames the datagram, and either hands it
// to the transmit queue or parks it until ARP resolves.
func (s *Stack) transmitTo(dst netip.Addr, buf *buffer.Buffer) error {
	if dst == s.iface.Broadcast() {
		s.frameAndEnqueue(buf, wire.BroadcastMAC)
		return nil
	}
	hop, err := s.nextHop(dst)
	if err != nil {
		buf.Release()
		s.Stats.DroppedNoRoute++
		return err
	}
	mac, state := s.cache.Resolve(hop, time.Now())
	if state == arp.Resolved {
		s.frameAndEnqueue(buf, mac)
		return nil
	}
	q := s.pending[hop]
	if len(q) >= pendingQueueDepth {
		q[0].Release()
		q = q[1:]
		s.Stats.DroppedPending++
	}
	s.pending[hop] = append(q, buf)
	s.cache.MarkWaiting(hop, true)
	return nil
}

// nextHop picks the link-layer target: on-subnet hosts directly, everything
// else through the gateway.
func (s *Stack) nextHop(dst netip.Addr) (netip.Addr, error) {
	if s.iface.Prefix.Contains(dst) {
		return dst, nil
	}
	if !s.iface.Gateway.IsValid() {
		return netip.Addr{}, errors.Wrapf(ErrNoRoute, "%s", dst)
	}
	return s.iface.Gateway, nil
}

// frameAndEnqueue prepends the Ethernet header and queues the frame.
func (s *Stack) frameAndEnqueue(buf *buffer.Buffer, dst wire.MAC) {
	eth := wire.EthernetHeader{Dst: dst, Src: s.iface.MAC, EtherType: wire.EtherTypeIPv4}
	head, ok := buf.Prepend(wire.EthernetHeaderLen)
	if !ok {
		buf.Release()
		s.Stats.DroppedMalformed++
		return
	}
	if _, err := eth.Encode(head); err != nil {
		buf.Release()
		return
	}
	s.enqueue(buf)
}

// ResolvedNeighbor flushes datagrams parked for ip now that its hardware
// address is known. Called by the engine on an ARP reply.
func (s *Stack) ResolvedNeighbor(ip netip.Addr, mac wire.MAC) {
	q, ok := s.pending[ip]
	if !ok {
		return
	}
	delete(s.pending, ip)
	s.cache.MarkWaiting(ip, false)
	for _, buf := range q {
		s.frameAndEnqueue(buf, mac)
	}
}

// UnreachableNeighbor drops datagrams parked for ip after ARP gave up, and
// notifies the transport layer.
func (s *Stack) UnreachableNeighbor(ip netip.Addr) {
	if q, ok := s.pending[ip]; ok {
		delete(s.pending, ip)
		for _, buf := range q {
			buf.Release()
			s.Stats.DroppedPending++
		}
	}
	s.log.Infof("ip: %s unreachable", ip)
	if s.onUnreachable != nil {
		s.onUnreachable(ip)
	}
}

// PendingDepth reports how many datagrams are parked for ip.
func (s *Stack) PendingDepth(ip netip.Addr) int {
	return len(s.pending[ip])
}
