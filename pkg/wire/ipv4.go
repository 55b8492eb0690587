package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	// IPv4MinHeaderLen is the header length without options.
	IPv4MinHeaderLen = 20
	// IPv4MaxHeaderLen bounds the options region (IHL is 4 bits of words).
	IPv4MaxHeaderLen = 60

	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17

	// DefaultTTL is used for locally originated datagrams.
	DefaultTTL uint8 = 64

	ipv4FlagDontFragment  uint16 = 0x4000
	ipv4FlagMoreFragments uint16 = 0x2000
	ipv4FragOffsetMask    uint16 = 0x1fff
)

// IPv4Header is a decoded IPv4 header. Options are carried opaquely; the
// stack skips them but keeps them for forwarding.
type IPv4Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint16 // DF/MF bits, already shifted into 0x4000/0x2000 positions
	FragOff  uint16 // in 8-byte units
	TTL      uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	Options  []byte
}

// HeaderLen returns the encoded header length including options, padded to a
// multiple of 4.
func (h *IPv4Header) HeaderLen() int {
	return IPv4MinHeaderLen + (len(h.Options)+3)/4*4
}

// IsFragment reports whether this header describes anything but a whole,
// unfragmented datagram.
func (h *IPv4Header) IsFragment() bool {
	return h.FragOff != 0 || h.Flags&ipv4FlagMoreFragments != 0
}

// DecodeIPv4 parses and validates the header at the front of b. The header
// checksum is verified here; payload checksums belong to the upper protocols.
func DecodeIPv4(b []byte) (IPv4Header, error) {
	if len(b) < IPv4MinHeaderLen {
		return IPv4Header{}, errors.Wrapf(ErrTruncated, "ipv4: %d bytes", len(b))
	}
	if b[0]>>4 != 4 {
		return IPv4Header{}, errors.Wrapf(ErrMalformedHeader, "ipv4: version %d", b[0]>>4)
	}
	hlen := int(b[0]&0x0f) * 4
	if hlen < IPv4MinHeaderLen || hlen > IPv4MaxHeaderLen || hlen > len(b) {
		return IPv4Header{}, errors.Wrapf(ErrMalformedHeader, "ipv4: header length %d", hlen)
	}
	if Checksum(b[:hlen], 0) != 0xffff {
		return IPv4Header{}, errors.Wrap(ErrChecksumMismatch, "ipv4 header")
	}
	var h IPv4Header
	h.TOS = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLen) < hlen || int(h.TotalLen) > len(b) {
		return IPv4Header{}, errors.Wrapf(ErrMalformedHeader, "ipv4: total length %d", h.TotalLen)
	}
	h.ID = binary.BigEndian.Uint16(b[4:6])
	ff := binary.BigEndian.Uint16(b[6:8])
	h.Flags = ff &^ ipv4FragOffsetMask
	h.FragOff = ff & ipv4FragOffsetMask
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Src = netip.AddrFrom4([4]byte(b[12:16]))
	h.Dst = netip.AddrFrom4([4]byte(b[16:20]))
	if hlen > IPv4MinHeaderLen {
		h.Options = b[IPv4MinHeaderLen:hlen]
	}
	return h, nil
}

// Encode writes the header into b, computing the checksum, and returns the
// bytes written. TotalLen must already account for the payload.
func (h *IPv4Header) Encode(b []byte) (int, error) {
	hlen := h.HeaderLen()
	if len(b) < hlen {
		return 0, errors.Wrap(ErrTruncated, "ipv4 encode")
	}
	if !h.Src.Is4() || !h.Dst.Is4() {
		return 0, errors.Wrap(ErrMalformedHeader, "ipv4 encode: non-IPv4 address")
	}
	b[0] = 4<<4 | uint8(hlen/4)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.Flags|h.FragOff&ipv4FragOffsetMask)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	for i := IPv4MinHeaderLen; i < hlen; i++ {
		b[i] = 0
	}
	copy(b[IPv4MinHeaderLen:], h.Options)
	binary.BigEndian.PutUint16(b[10:12], finish(Checksum(b[:hlen], 0)))
	return hlen, nil
}
