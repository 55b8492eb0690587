package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// TCPHeaderLen is the header length this stack emits; it never sends options.
const TCPHeaderLen = header.TCPMinimumSize

// DecodeTCP parses the TCP segment in b, validating length fields and the
// pseudo-header checksum, and returns the parsed fields plus the payload.
// Options are accepted and skipped; the netstack header type does the field
// access so the layout lives in one place.
func DecodeTCP(b []byte, src, dst netip.Addr) (header.TCPFields, []byte, error) {
	if len(b) < header.TCPMinimumSize {
		return header.TCPFields{}, nil, errors.Wrapf(ErrTruncated, "tcp: %d bytes", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < header.TCPMinimumSize || off > len(b) {
		return header.TCPFields{}, nil, errors.Wrapf(ErrMalformedHeader, "tcp: data offset %d", off)
	}
	sum := pseudoHeaderSum(ProtocolTCP, src, dst, uint16(len(b)))
	if Checksum(b, sum) != 0xffff {
		return header.TCPFields{}, nil, errors.Wrap(ErrChecksumMismatch, "tcp")
	}
	fields := header.TCPFields{
		SrcPort:       tcp.SourcePort(),
		DstPort:       tcp.DestinationPort(),
		SeqNum:        tcp.SequenceNumber(),
		AckNum:        tcp.AckNumber(),
		DataOffset:    tcp.DataOffset(),
		Flags:         tcp.Flags(),
		WindowSize:    tcp.WindowSize(),
		Checksum:      tcp.Checksum(),
		UrgentPointer: binary.BigEndian.Uint16(b[header.TCPUrgentPtrOffset:]),
	}
	return fields, b[off:], nil
}

// EncodeTCP writes a TCP header plus payload into b, computing the
// pseudo-header checksum, and returns the bytes written.
func EncodeTCP(fields *header.TCPFields, payload []byte, src, dst netip.Addr, b []byte) (int, error) {
	total := TCPHeaderLen + len(payload)
	if len(b) < total {
		return 0, errors.Wrap(ErrTruncated, "tcp encode")
	}
	fields.DataOffset = TCPHeaderLen
	fields.Checksum = 0
	tcp := header.TCP(b[:TCPHeaderLen])
	tcp.Encode(fields)
	copy(b[TCPHeaderLen:total], payload)
	sum := pseudoHeaderSum(ProtocolTCP, src, dst, uint16(total))
	binary.BigEndian.PutUint16(b[16:18], finish(Checksum(b[:total], sum)))
	return total, nil
}
