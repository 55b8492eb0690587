package device

import (
	"github.com/pkg/errors"

	"ustack/pkg/buffer"
)

// ErrClosed is returned once a device has been shut down.
var ErrClosed = errors.New("device: closed")

// Device is the raw frame capability the engine polls. Both calls are
// non-blocking: Receive returns (nil, nil) when no frame is pending, and
// Transmit either queues the frame or fails.
//
// Ownership: Receive hands the caller a buffer acquired from pool; Transmit
// consumes the buffer and releases it back to its pool in every outcome.
type Device interface {
	Receive(pool *buffer.Pool) (*buffer.Buffer, error)
	Transmit(b *buffer.Buffer) error
	MTU() int
	Close() error
}
