package device

import (
	"net"

	"github.com/pkg/errors"

	"ustack/pkg/buffer"
	"ustack/pkg/config"
	"ustack/pkg/log"
	"ustack/pkg/wire"
)

// UDPOverlay carries Ethernet frames inside UDP datagrams between engine
// instances, forming a virtual network segment without kernel raw sockets.
// Frame destination MACs map to neighbor UDP addresses; broadcast goes to
// every neighbor.
type UDPOverlay struct {
	conn      *net.UDPConn
	mtu       int
	neighbors map[wire.MAC]*net.UDPAddr
	log       log.Logger

	rx     chan []byte
	closed chan struct{}
}

// NewUDPOverlay binds listen and resolves the static neighbor set. A reader
// goroutine moves datagrams into a bounded queue the engine polls; the
// engine itself never blocks on the socket.
func NewUDPOverlay(listen string, neighbors []config.Neighbor, mtu int, logger log.Logger) (*UDPOverlay, error) {
	addr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "overlay listen %q", listen)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "overlay bind")
	}
	d := &UDPOverlay{
		conn:      conn,
		mtu:       mtu,
		neighbors: make(map[wire.MAC]*net.UDPAddr, len(neighbors)),
		log:       logger,
		rx:        make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
	for _, n := range neighbors {
		na, err := net.ResolveUDPAddr("udp4", n.Addr)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "overlay neighbor %q", n.Addr)
		}
		d.neighbors[n.MAC] = na
	}
	go d.readLoop()
	return d, nil
}

func (d *UDPOverlay) readLoop() {
	buf := make([]byte, d.mtu+wire.EthernetHeaderLen)
	for {
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.log.WithError(err).Warn("overlay read")
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case d.rx <- frame:
		default:
			// Engine is behind; the link drops the frame.
		}
	}
}

// Receive pops one pending frame into a pool buffer.
func (d *UDPOverlay) Receive(pool *buffer.Pool) (*buffer.Buffer, error) {
	select {
	case <-d.closed:
		return nil, ErrClosed
	case frame := <-d.rx:
		buf, err := pool.Acquire()
		if err != nil {
			return nil, err
		}
		if !buf.Append(frame) {
			buf.Release()
			return nil, nil
		}
		return buf, nil
	default:
		return nil, nil
	}
}

// Transmit routes the frame by destination MAC and releases the buffer.
func (d *UDPOverlay) Transmit(b *buffer.Buffer) error {
	defer b.Release()
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	frame := b.Bytes()
	hdr, err := wire.DecodeEthernet(frame)
	if err != nil {
		return errors.Wrap(err, "overlay transmit")
	}
	if hdr.Dst.IsBroadcast() {
		for _, addr := range d.neighbors {
			if _, err := d.conn.WriteToUDP(frame, addr); err != nil {
				d.log.WithError(err).Debug("overlay broadcast write")
			}
		}
		return nil
	}
	addr, ok := d.neighbors[hdr.Dst]
	if !ok {
		// Unknown unicast: flood, like a dumb switch.
		for _, a := range d.neighbors {
			if _, err := d.conn.WriteToUDP(frame, a); err != nil {
				d.log.WithError(err).Debug("overlay flood write")
			}
		}
		return nil
	}
	_, err = d.conn.WriteToUDP(frame, addr)
	return errors.Wrap(err, "overlay write")
}

func (d *UDPOverlay) MTU() int { return d.mtu }

func (d *UDPOverlay) Close() error {
	close(d.closed)
	return d.conn.Close()
}
