package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// ARP packet layout per RFC 826, Ethernet/IPv4 only.
const (
	ARPPacketLen = 28

	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2

	arpHTypeEthernet uint16 = 1
	arpHLenEthernet  uint8  = 6
	arpPLenIPv4      uint8  = 4
)

// ARPPacket is a decoded ARP request or reply.
type ARPPacket struct {
	Op        uint16
	SenderMAC MAC
	SenderIP  netip.Addr
	TargetMAC MAC
	TargetIP  netip.Addr
}

// DecodeARP parses an ARP packet. Only the Ethernet/IPv4 combination is
// accepted; anything else is malformed as far as this stack is concerned.
func DecodeARP(b []byte) (ARPPacket, error) {
	if len(b) < ARPPacketLen {
		return ARPPacket{}, errors.Wrapf(ErrTruncated, "arp: %d bytes", len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != arpHTypeEthernet ||
		binary.BigEndian.Uint16(b[2:4]) != EtherTypeIPv4 ||
		b[4] != arpHLenEthernet || b[5] != arpPLenIPv4 {
		return ARPPacket{}, errors.Wrap(ErrMalformedHeader, "arp: not ethernet/ipv4")
	}
	var p ARPPacket
	p.Op = binary.BigEndian.Uint16(b[6:8])
	if p.Op != ARPOpRequest && p.Op != ARPOpReply {
		return ARPPacket{}, errors.Wrapf(ErrMalformedHeader, "arp: op %d", p.Op)
	}
	copy(p.SenderMAC[:], b[8:14])
	p.SenderIP = netip.AddrFrom4([4]byte(b[14:18]))
	copy(p.TargetMAC[:], b[18:24])
	p.TargetIP = netip.AddrFrom4([4]byte(b[24:28]))
	return p, nil
}

// Encode writes the packet into b and returns the bytes written.
func (p *ARPPacket) Encode(b []byte) (int, error) {
	if len(b) < ARPPacketLen {
		return 0, errors.Wrap(ErrTruncated, "arp encode")
	}
	if !p.SenderIP.Is4() || !p.TargetIP.Is4() {
		return 0, errors.Wrap(ErrMalformedHeader, "arp encode: non-IPv4 address")
	}
	binary.BigEndian.PutUint16(b[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], EtherTypeIPv4)
	b[4] = arpHLenEthernet
	b[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMAC[:])
	s := p.SenderIP.As4()
	copy(b[14:18], s[:])
	copy(b[18:24], p.TargetMAC[:])
	t := p.TargetIP.As4()
	copy(b[24:28], t[:])
	return ARPPacketLen, nil
}
