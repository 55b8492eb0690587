package wire

import (
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcIP = netip.MustParseAddr("10.0.0.1")
	dstIP = netip.MustParseAddr("10.0.0.2")
)

func TestEthernetRoundTrip(t *testing.T) {
	h := EthernetHeader{
		Dst:       MAC{0x02, 0, 0, 0, 0, 2},
		Src:       MAC{0x02, 0, 0, 0, 0, 1},
		EtherType: EtherTypeIPv4,
	}
	b := make([]byte, EthernetHeaderLen)
	n, err := h.Encode(b)
	require.NoError(t, err)
	require.Equal(t, EthernetHeaderLen, n)

	got, err := DecodeEthernet(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = DecodeEthernet(b[:10])
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("02:00:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:aa:bb:cc", m.String())

	_, err = ParseMAC("not-a-mac")
	assert.Error(t, err)

	assert.True(t, BroadcastMAC.IsBroadcast())
	assert.False(t, m.IsBroadcast())
}

func TestARPRoundTrip(t *testing.T) {
	p := ARPPacket{
		Op:        ARPOpRequest,
		SenderMAC: MAC{0x02, 0, 0, 0, 0, 1},
		SenderIP:  srcIP,
		TargetIP:  dstIP,
	}
	b := make([]byte, ARPPacketLen)
	n, err := p.Encode(b)
	require.NoError(t, err)
	require.Equal(t, ARPPacketLen, n)

	got, err := DecodeARP(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestARPRejectsNonEthernetIPv4(t *testing.T) {
	p := ARPPacket{Op: ARPOpReply, SenderIP: srcIP, TargetIP: dstIP}
	b := make([]byte, ARPPacketLen)
	_, err := p.Encode(b)
	require.NoError(t, err)

	b[1] = 2 // hardware type no longer ethernet
	_, err = DecodeARP(b)
	assert.True(t, errors.Is(err, ErrMalformedHeader))

	b[1] = 1
	b[7] = 9 // bogus op
	_, err = DecodeARP(b)
	assert.True(t, errors.Is(err, ErrMalformedHeader))
}

func TestIPv4RoundTrip(t *testing.T) {
	payload := []byte("hello ip")
	h := IPv4Header{
		TotalLen: uint16(IPv4MinHeaderLen + len(payload)),
		ID:       7,
		TTL:      DefaultTTL,
		Protocol: ProtocolUDP,
		Src:      srcIP,
		Dst:      dstIP,
	}
	b := make([]byte, IPv4MinHeaderLen+len(payload))
	n, err := h.Encode(b)
	require.NoError(t, err)
	require.Equal(t, IPv4MinHeaderLen, n)
	copy(b[n:], payload)

	got, err := DecodeIPv4(b)
	require.NoError(t, err)
	assert.Equal(t, h.Src, got.Src)
	assert.Equal(t, h.Dst, got.Dst)
	assert.Equal(t, h.Protocol, got.Protocol)
	assert.Equal(t, h.TotalLen, got.TotalLen)
	assert.Equal(t, IPv4MinHeaderLen, got.HeaderLen())
	assert.False(t, got.IsFragment())
	assert.Equal(t, payload, b[got.HeaderLen():got.TotalLen])
}

func TestIPv4SingleBitCorruptionDetected(t *testing.T) {
	h := IPv4Header{
		TotalLen: IPv4MinHeaderLen,
		TTL:      DefaultTTL,
		Protocol: ProtocolTCP,
		Src:      srcIP,
		Dst:      dstIP,
	}
	b := make([]byte, IPv4MinHeaderLen)
	_, err := h.Encode(b)
	require.NoError(t, err)

	// Flip one bit in the TTL; the header checksum must catch it.
	b[8] ^= 0x01
	_, err = DecodeIPv4(b)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestIPv4RejectsBadShapes(t *testing.T) {
	h := IPv4Header{TotalLen: IPv4MinHeaderLen, TTL: 1, Protocol: ProtocolTCP, Src: srcIP, Dst: dstIP}
	b := make([]byte, IPv4MinHeaderLen)
	_, err := h.Encode(b)
	require.NoError(t, err)

	_, err = DecodeIPv4(b[:12])
	assert.True(t, errors.Is(err, ErrTruncated))

	v6 := append([]byte(nil), b...)
	v6[0] = 6<<4 | 5
	_, err = DecodeIPv4(v6)
	assert.True(t, errors.Is(err, ErrMalformedHeader))
}

func TestIPv4FragmentFlags(t *testing.T) {
	h := IPv4Header{
		TotalLen: IPv4MinHeaderLen,
		Flags:    0x2000, // more fragments
		TTL:      DefaultTTL,
		Protocol: ProtocolUDP,
		Src:      srcIP,
		Dst:      dstIP,
	}
	b := make([]byte, IPv4MinHeaderLen)
	_, err := h.Encode(b)
	require.NoError(t, err)

	got, err := DecodeIPv4(b)
	require.NoError(t, err)
	assert.True(t, got.IsFragment())
}

func TestICMPEchoRoundTrip(t *testing.T) {
	m := ICMPEcho{Type: ICMPTypeEchoRequest, ID: 42, Seq: 3, Payload: []byte("ping")}
	b := make([]byte, ICMPHeaderLen+4)
	n, err := m.Encode(b)
	require.NoError(t, err)

	got, err := DecodeICMPEcho(b[:n])
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Seq, got.Seq)
	assert.Equal(t, m.Payload, got.Payload)

	b[ICMPHeaderLen] ^= 0x80
	_, err = DecodeICMPEcho(b[:n])
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestUDPChecksum(t *testing.T) {
	h := UDPHeader{SrcPort: 4000, DstPort: 5000}
	payload := []byte("datagram")
	b := make([]byte, UDPHeaderLen+len(payload))
	n, err := EncodeUDP(&h, payload, srcIP, dstIP, b)
	require.NoError(t, err)

	got, data, err := DecodeUDP(b[:n], srcIP, dstIP)
	require.NoError(t, err)
	assert.Equal(t, h.SrcPort, got.SrcPort)
	assert.Equal(t, h.DstPort, got.DstPort)
	assert.Equal(t, payload, data)

	// Corrupt payload fails the pseudo-header checksum.
	b[UDPHeaderLen] ^= 0xff
	_, _, err = DecodeUDP(b[:n], srcIP, dstIP)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	// A different pseudo header fails too, even with intact bytes.
	b[UDPHeaderLen] ^= 0xff
	other := netip.MustParseAddr("10.0.0.3")
	_, _, err = DecodeUDP(b[:n], srcIP, other)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestUDPZeroChecksumAccepted(t *testing.T) {
	h := UDPHeader{SrcPort: 1, DstPort: 2}
	payload := []byte("x")
	b := make([]byte, UDPHeaderLen+len(payload))
	n, err := EncodeUDP(&h, payload, srcIP, dstIP, b)
	require.NoError(t, err)

	// Clear the checksum field: "not computed" on the wire.
	b[6], b[7] = 0, 0
	_, data, err := DecodeUDP(b[:n], srcIP, dstIP)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestTCPRoundTrip(t *testing.T) {
	fields := header.TCPFields{
		SrcPort:    49152,
		DstPort:    80,
		SeqNum:     0xfffffff0, // near wraparound
		AckNum:     10,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: 32768,
	}
	payload := []byte("segment body")
	b := make([]byte, TCPHeaderLen+len(payload))
	n, err := EncodeTCP(&fields, payload, srcIP, dstIP, b)
	require.NoError(t, err)
	require.Equal(t, TCPHeaderLen+len(payload), n)

	got, data, err := DecodeTCP(b[:n], srcIP, dstIP)
	require.NoError(t, err)
	assert.Equal(t, fields.SrcPort, got.SrcPort)
	assert.Equal(t, fields.SeqNum, got.SeqNum)
	assert.Equal(t, fields.AckNum, got.AckNum)
	assert.Equal(t, fields.Flags, got.Flags)
	assert.Equal(t, fields.WindowSize, got.WindowSize)
	assert.Equal(t, payload, data)
}

func TestTCPChecksumCoversAddresses(t *testing.T) {
	fields := header.TCPFields{SrcPort: 1, DstPort: 2, SeqNum: 100, Flags: header.TCPFlagSyn}
	b := make([]byte, TCPHeaderLen)
	n, err := EncodeTCP(&fields, nil, srcIP, dstIP, b)
	require.NoError(t, err)

	// Same bytes claimed from a different source must be rejected.
	other := netip.MustParseAddr("10.0.0.9")
	_, _, err = DecodeTCP(b[:n], other, dstIP)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestChecksumIncremental(t *testing.T) {
	// Summing in two parts with carry folding equals one pass.
	data := []byte{0x45, 0x00, 0x00, 0x1c, 0xab, 0xcd, 0x00, 0x00, 0x40, 0x11}
	whole := finish(Checksum(data, 0))
	split := finish(Checksum(data[4:], Checksum(data[:4], 0)))
	assert.Equal(t, whole, split)
}
