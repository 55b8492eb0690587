package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const UDPHeaderLen = 8

// UDPHeader is a decoded UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// DecodeUDP parses the header and validates the checksum against the IPv4
// pseudo header. A zero checksum on the wire means "not computed" and is
// accepted per RFC 768. Returns the header and the datagram payload.
func DecodeUDP(b []byte, src, dst netip.Addr) (UDPHeader, []byte, error) {
	if len(b) < UDPHeaderLen {
		return UDPHeader{}, nil, errors.Wrapf(ErrTruncated, "udp: %d bytes", len(b))
	}
	var h UDPHeader
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Length = binary.BigEndian.Uint16(b[4:6])
	if int(h.Length) < UDPHeaderLen || int(h.Length) > len(b) {
		return UDPHeader{}, nil, errors.Wrapf(ErrMalformedHeader, "udp: length %d", h.Length)
	}
	if cs := binary.BigEndian.Uint16(b[6:8]); cs != 0 {
		sum := pseudoHeaderSum(ProtocolUDP, src, dst, h.Length)
		if Checksum(b[:h.Length], sum) != 0xffff {
			return UDPHeader{}, nil, errors.Wrap(ErrChecksumMismatch, "udp")
		}
	}
	return h, b[UDPHeaderLen:h.Length], nil
}

// EncodeUDP writes a UDP header plus payload into b and returns the bytes
// written. The checksum is always computed.
func EncodeUDP(h *UDPHeader, payload []byte, src, dst netip.Addr, b []byte) (int, error) {
	total := UDPHeaderLen + len(payload)
	if len(b) < total || total > 0xffff {
		return 0, errors.Wrap(ErrTruncated, "udp encode")
	}
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(total))
	b[6], b[7] = 0, 0
	copy(b[UDPHeaderLen:total], payload)
	sum := pseudoHeaderSum(ProtocolUDP, src, dst, uint16(total))
	cs := finish(Checksum(b[:total], sum))
	if cs == 0 {
		cs = 0xffff // zero is reserved for "no checksum"
	}
	binary.BigEndian.PutUint16(b[6:8], cs)
	return total, nil
}
