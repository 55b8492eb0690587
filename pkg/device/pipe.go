package device

import (
	"ustack/pkg/buffer"
)

// PipeDevice is one end of an in-memory frame pipe. Frames written on one
// end appear on the other. Used for loopback setups and tests; two engines
// joined by a pipe form a two-host network.
type PipeDevice struct {
	mtu    int
	rx     chan []byte
	tx     chan []byte
	closed bool
}

// Pipe returns two connected devices. depth bounds frames in flight per
// direction; when the peer's queue is full the frame is dropped, which is
// what a real link does too.
func Pipe(mtu, depth int) (*PipeDevice, *PipeDevice) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &PipeDevice{mtu: mtu, rx: ba, tx: ab}
	b := &PipeDevice{mtu: mtu, rx: ab, tx: ba}
	return a, b
}

// Receive pops one pending frame into a pool buffer.
func (d *PipeDevice) Receive(pool *buffer.Pool) (*buffer.Buffer, error) {
	if d.closed {
		return nil, ErrClosed
	}
	select {
	case frame := <-d.rx:
		buf, err := pool.Acquire()
		if err != nil {
			return nil, err
		}
		if !buf.Append(frame) {
			buf.Release()
			return nil, nil // oversized frame, drop
		}
		return buf, nil
	default:
		return nil, nil
	}
}

// Transmit copies the frame to the peer and releases the buffer.
func (d *PipeDevice) Transmit(b *buffer.Buffer) error {
	defer b.Release()
	if d.closed {
		return ErrClosed
	}
	frame := make([]byte, b.Len())
	copy(frame, b.Bytes())
	select {
	case d.tx <- frame:
	default:
		// Peer queue full: the link drops the frame.
	}
	return nil
}

func (d *PipeDevice) MTU() int { return d.mtu }

func (d *PipeDevice) Close() error {
	d.closed = true
	return nil
}
