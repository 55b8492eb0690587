package wire

import "github.com/pkg/errors"

// Decode errors. Anything coming off the wire can be garbage; decoders report
// one of these and the caller drops the frame. They never panic on input.
var (
	ErrTruncated        = errors.New("wire: truncated packet")
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
	ErrMalformedHeader  = errors.New("wire: malformed header")
)
