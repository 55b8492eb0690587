package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	ICMPHeaderLen = 8

	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

// ICMPEcho is an ICMP echo request or reply. Other ICMP types are outside
// the minimal core and are dropped at the IP layer.
type ICMPEcho struct {
	Type    uint8
	Code    uint8
	ID      uint16
	Seq     uint16
	Payload []byte
}

// DecodeICMPEcho parses an ICMP message and validates its checksum. Non-echo
// types decode with their payload intact so the caller can count them.
func DecodeICMPEcho(b []byte) (ICMPEcho, error) {
	if len(b) < ICMPHeaderLen {
		return ICMPEcho{}, errors.Wrapf(ErrTruncated, "icmp: %d bytes", len(b))
	}
	if Checksum(b, 0) != 0xffff {
		return ICMPEcho{}, errors.Wrap(ErrChecksumMismatch, "icmp")
	}
	return ICMPEcho{
		Type:    b[0],
		Code:    b[1],
		ID:      binary.BigEndian.Uint16(b[4:6]),
		Seq:     binary.BigEndian.Uint16(b[6:8]),
		Payload: b[ICMPHeaderLen:],
	}, nil
}

// Encode writes the message and its payload into b and returns the bytes
// written.
func (m *ICMPEcho) Encode(b []byte) (int, error) {
	total := ICMPHeaderLen + len(m.Payload)
	if len(b) < total {
		return 0, errors.Wrap(ErrTruncated, "icmp encode")
	}
	b[0] = m.Type
	b[1] = m.Code
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[4:6], m.ID)
	binary.BigEndian.PutUint16(b[6:8], m.Seq)
	copy(b[ICMPHeaderLen:total], m.Payload)
	binary.BigEndian.PutUint16(b[2:4], finish(Checksum(b[:total], 0)))
	return total, nil
}
