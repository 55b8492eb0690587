package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// EthernetHeaderLen is the length of an Ethernet II header, no 802.1Q.
	EthernetHeaderLen = 14

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// MAC is a 48-bit hardware address.
type MAC [6]byte

// BroadcastMAC is the all-ones hardware address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// ParseMAC parses the usual colon-separated form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, errors.Wrapf(ErrMalformedHeader, "bad MAC %q", s)
	}
	return m, nil
}

// EthernetHeader is a decoded Ethernet II header.
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

// DecodeEthernet parses the frame header from b.
func DecodeEthernet(b []byte) (EthernetHeader, error) {
	if len(b) < EthernetHeaderLen {
		return EthernetHeader{}, errors.Wrapf(ErrTruncated, "ethernet: %d bytes", len(b))
	}
	var h EthernetHeader
	copy(h.Dst[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.EtherType = binary.BigEndian.Uint16(b[12:14])
	return h, nil
}

// Encode writes the header into b and returns the bytes written.
func (h *EthernetHeader) Encode(b []byte) (int, error) {
	if len(b) < EthernetHeaderLen {
		return 0, errors.Wrap(ErrTruncated, "ethernet encode")
	}
	copy(b[0:6], h.Dst[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
	return EthernetHeaderLen, nil
}
