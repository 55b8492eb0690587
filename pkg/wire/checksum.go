package wire

import "net/netip"

// Checksum computes the RFC 1071 internet checksum over b, folded into the
// running sum initial. The caller takes the one's complement of the final
// result before writing it to a header.
func Checksum(b []byte, initial uint32) uint32 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return sum
}

// pseudoHeaderSum folds the IPv4 pseudo header used by TCP and UDP checksums.
func pseudoHeaderSum(proto uint8, src, dst netip.Addr, length uint16) uint32 {
	s := src.As4()
	d := dst.As4()
	var sum uint32
	sum += uint32(s[0])<<8 | uint32(s[1])
	sum += uint32(s[2])<<8 | uint32(s[3])
	sum += uint32(d[0])<<8 | uint32(d[1])
	sum += uint32(d[2])<<8 | uint32(d[3])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

func finish(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
