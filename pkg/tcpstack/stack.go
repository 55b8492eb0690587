package tcpstack

import (
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"ustack/pkg/config"
	"ustack/pkg/ipstack"
	"ustack/pkg/log"
	"ustack/pkg/wire"
)

// Errors surfaced through the socket layer. All socket operations are
// non-blocking; ErrWouldBlock means "retry after the next engine poll".
var (
	ErrWouldBlock      = errors.New("tcp: operation would block")
	ErrConnectionReset = errors.New("tcp: connection reset")
	ErrNotEstablished  = errors.New("tcp: connection not established")
	ErrConnClosed      = errors.New("tcp: connection closed")
	ErrListenerClosed  = errors.New("tcp: listener closed")
	ErrAddrInUse       = errors.New("tcp: address in use")
	ErrNoPorts         = errors.New("tcp: ephemeral ports exhausted")
)

// TimerKind labels the per-connection timers the scheduler tracks.
type TimerKind int

const (
	TimerRetransmit TimerKind = iota
	TimerPersist
	TimerTimeWait
)

func (k TimerKind) String() string {
	switch k {
	case TimerRetransmit:
		return "retransmit"
	case TimerPersist:
		return "persist"
	case TimerTimeWait:
		return "time-wait"
	}
	return "unknown"
}

// Scheduler is the timer facility the engine provides. Timers carry the
// connection key, not a connection reference; a stale timer firing after
// its connection is gone must be harmless.
type Scheduler interface {
	// Schedule arms (or re-arms) the timer of the given kind for connKey.
	Schedule(at time.Time, kind TimerKind, connKey int)
	// Cancel disarms the timer if armed.
	Cancel(kind TimerKind, connKey int)
}

// Stats counts TCP-level events.
type Stats struct {
	SegmentsIn      uint64
	SegmentsOut     uint64
	Retransmits     uint64
	DroppedChecksum uint64
	DroppedNoConn   uint64
	ResetsIn        uint64
	ResetsOut       uint64
	AcceptOverflow  uint64
}

// acceptBacklog bounds connections parked on a listener awaiting Accept.
const acceptBacklog = 16

// Listener is a passive open: a port waiting for SYNs.
type Listener struct {
	port   uint16
	accept []int // keys of established connections awaiting Accept
	closed bool
}

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.port }

// Stack is the TCP layer: the connection table and state machine. It owns
// every Conn and hands the socket layer integer keys.
type Stack struct {
	cfg   config.TCP
	iface config.Interface
	ip    *ipstack.Stack
	log   log.Logger
	sched Scheduler

	conns     map[int]*Conn
	tuples    map[FourTuple]int
	listeners map[uint16]*Listener
	nextKey   int

	Stats Stats
}

// New builds the TCP layer and registers its protocol handler with the IP
// layer.
func New(cfg config.TCP, iface config.Interface, ip *ipstack.Stack, logger log.Logger, sched Scheduler) *Stack {
	s := &Stack{
		cfg:       cfg,
		iface:     iface,
		ip:        ip,
		log:       logger,
		sched:     sched,
		conns:     make(map[int]*Conn),
		tuples:    make(map[FourTuple]int),
		listeners: make(map[uint16]*Listener),
		nextKey:   1,
	}
	ip.RegisterHandler(wire.ProtocolTCP, s.handleSegment)
	ip.OnUnreachable(s.handleUnreachable)
	return s
}

// Get returns the connection for key, if it still exists.
func (s *Stack) Get(key int) (*Conn, bool) {
	c, ok := s.conns[key]
	return c, ok
}

// Keys returns the live connection keys in ascending order, for
// diagnostics.
func (s *Stack) Keys() []int {
	keys := make([]int, 0, len(s.conns))
	for k := range s.conns {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Listen opens a passive socket on port.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	if _, ok := s.listeners[port]; ok {
		return nil, errors.Wrapf(ErrAddrInUse, "port %d", port)
	}
	l := &Listener{port: port}
	s.listeners[port] = l
	s.log.Infof("tcp: listening on %d", port)
	return l, nil
}

// Accept pops one established connection off the listener, or reports
// ErrWouldBlock.
func (s *Stack) Accept(l *Listener) (int, error) {
	if l.closed {
		return 0, ErrListenerClosed
	}
	for len(l.accept) > 0 {
		key := l.accept[0]
		l.accept = l.accept[1:]
		if _, ok := s.conns[key]; ok {
			return key, nil
		}
		// Connection died while parked; skip it.
	}
	return 0, ErrWouldBlock
}

// CloseListener stops accepting. Existing connections are unaffected;
// parked, never-accepted connections are reset.
func (s *Stack) CloseListener(l *Listener) {
	if l.closed {
		return
	}
	l.closed = true
	delete(s.listeners, l.port)
	for _, key := range l.accept {
		if c, ok := s.conns[key]; ok {
			s.abort(c, ErrConnClosed)
			delete(s.conns, key)
		}
	}
	l.accept = nil
}

// Connect starts an active open to remote and returns the connection key.
// The handshake completes asynchronously; Send and Recv return
// ErrNotEstablished until then.
func (s *Stack) Connect(remote netip.AddrPort) (int, error) {
	port, err := s.ephemeralPort(remote)
	if err != nil {
		return 0, err
	}
	tuple := FourTuple{
		LocalAddr:  s.iface.IP,
		LocalPort:  port,
		RemoteAddr: remote.Addr(),
		RemotePort: remote.Port(),
	}
	c := s.newConn(tuple)
	c.state = SynSent
	s.tuples[tuple] = c.key

	s.sendSyn(c)
	s.log.Infof("tcp: %s connecting", tuple)
	return c.key, nil
}

// Send queues data for transmission and returns how many bytes were
// accepted. Zero bytes accepted is reported as ErrWouldBlock.
func (s *Stack) Send(key int, data []byte) (int, error) {
	c, ok := s.conns[key]
	if !ok {
		return 0, ErrConnClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	switch c.state {
	case Established, CloseWait:
	case SynSent, SynReceived:
		return 0, ErrNotEstablished
	default:
		return 0, ErrConnClosed
	}
	free := c.snd.buf.Free()
	if free == 0 {
		return 0, ErrWouldBlock
	}
	if len(data) > free {
		data = data[:free]
	}
	n, _ := c.snd.buf.Write(data)
	s.pump(c)
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Recv copies received in-order bytes into buf. After the peer's FIN has
// been sequenced and drained it returns ErrConnClosed; before that, an empty
// buffer is ErrWouldBlock.
func (s *Stack) Recv(key int, buf []byte) (int, error) {
	c, ok := s.conns[key]
	if !ok {
		return 0, ErrConnClosed
	}
	if c.rcv.buf.IsEmpty() {
		if c.err != nil {
			return 0, c.err
		}
		if c.rcv.finSeen {
			c.rcv.eofDelivered = true
			return 0, ErrConnClosed
		}
		switch c.state {
		case SynSent, SynReceived:
			return 0, ErrNotEstablished
		}
		return 0, ErrWouldBlock
	}
	n, _ := c.rcv.buf.Read(buf)
	return n, nil
}

// Close begins an orderly shutdown of the connection's send side. The
// FIN is emitted once buffered data has drained. Receiving stays possible
// until the peer closes too.
func (s *Stack) Close(key int) error {
	c, ok := s.conns[key]
	if !ok {
		return ErrConnClosed
	}
	switch c.state {
	case SynSent:
		// Nothing on the wire worth tearing down.
		s.destroy(c)
		return nil
	case SynReceived, Established:
		c.state = FinWait1
		c.snd.finQueued = true
		s.pump(c)
	case CloseWait:
		c.state = LastAck
		c.snd.finQueued = true
		s.pump(c)
	case Closed:
		s.destroy(c)
	default:
		// Already closing; nothing more to ask for.
	}
	return nil
}

// Abort tears the connection down immediately with a RST.
func (s *Stack) Abort(key int) {
	c, ok := s.conns[key]
	if !ok {
		return
	}
	s.sendRst(c.tuple, c.snd.nxt)
	s.abort(c, ErrConnClosed)
	delete(s.conns, key)
}

// Reap removes a terminally Closed connection once the owner has seen its
// error. Socket Close on a dead connection lands here.
func (s *Stack) Reap(key int) {
	c, ok := s.conns[key]
	if !ok {
		return
	}
	if c.state == Closed {
		delete(s.conns, key)
	}
}

// handleUnreachable resets every connection whose remote lives at ip; ARP
// gave up on the next hop, so retransmitting is pointless.
func (s *Stack) handleUnreachable(ip netip.Addr) {
	for _, c := range s.conns {
		if c.tuple.RemoteAddr == ip && c.state != Closed {
			s.fail(c, errors.Wrapf(ErrConnectionReset, "%s unreachable", ip))
		}
	}
}

// newConn allocates a connection with its buffers and a fresh ISN.
func (s *Stack) newConn(tuple FourTuple) *Conn {
	c := &Conn{
		key:   s.nextKey,
		tuple: tuple,
		rtx:   newRetransmitQueue(s.cfg),
	}
	s.nextKey++
	c.snd.buf = ringbuffer.New(s.cfg.WindowSize)
	c.rcv.buf = ringbuffer.New(s.cfg.WindowSize)
	c.rcv.reasm = newReassembly()
	c.snd.iss = rand.Uint32()
	c.snd.una = c.snd.iss
	c.snd.nxt = c.snd.iss
	s.conns[c.key] = c
	return c
}

// ephemeralPort picks a local port not already used toward remote.
func (s *Stack) ephemeralPort(remote netip.AddrPort) (uint16, error) {
	for attempt := 0; attempt < 128; attempt++ {
		port := uint16(49152 + rand.Intn(16384))
		tuple := FourTuple{
			LocalAddr:  s.iface.IP,
			LocalPort:  port,
			RemoteAddr: remote.Addr(),
			RemotePort: remote.Port(),
		}
		if _, taken := s.tuples[tuple]; taken {
			continue
		}
		if _, taken := s.listeners[port]; taken {
			continue
		}
		return port, nil
	}
	return 0, ErrNoPorts
}

// destroy removes the connection and every trace of it: tuple index, timers,
// parked buffers.
func (s *Stack) destroy(c *Conn) {
	s.cancelTimers(c)
	delete(s.tuples, c.tuple)
	delete(s.conns, c.key)
	c.state = Closed
}

// fail moves the connection to Closed with err pending for the owner. The
// tuple index and timers are dropped; the Conn stays in the table until the
// owner closes it and it is reaped.
func (s *Stack) fail(c *Conn, err error) {
	s.cancelTimers(c)
	delete(s.tuples, c.tuple)
	c.state = Closed
	c.err = err
	s.log.WithError(err).Infof("tcp: %s failed", c.tuple)
}

// abort is fail without keeping the error for anyone.
func (s *Stack) abort(c *Conn, err error) {
	s.cancelTimers(c)
	delete(s.tuples, c.tuple)
	c.state = Closed
	c.err = err
}

func (s *Stack) cancelTimers(c *Conn) {
	s.sched.Cancel(TimerRetransmit, c.key)
	s.sched.Cancel(TimerPersist, c.key)
	s.sched.Cancel(TimerTimeWait, c.key)
	c.persistDelay = 0
}

// sendSegment emits one segment for c with the given flags and payload.
func (s *Stack) sendSegment(c *Conn, flags uint8, seq uint32, payload []byte) error {
	fields := header.TCPFields{
		SrcPort:    c.tuple.LocalPort,
		DstPort:    c.tuple.RemotePort,
		SeqNum:     seq,
		AckNum:     c.rcv.nxt,
		Flags:      flags,
		WindowSize: c.advertisedWindow(),
	}
	out := make([]byte, wire.TCPHeaderLen+len(payload))
	n, err := wire.EncodeTCP(&fields, payload, c.tuple.LocalAddr, c.tuple.RemoteAddr, out)
	if err != nil {
		return err
	}
	s.Stats.SegmentsOut++
	return s.ip.Send(c.tuple.RemoteAddr, wire.ProtocolTCP, out[:n])
}

// sendRst emits a reset for a tuple, with or without a live connection.
func (s *Stack) sendRst(tuple FourTuple, seq uint32) {
	fields := header.TCPFields{
		SrcPort: tuple.LocalPort,
		DstPort: tuple.RemotePort,
		SeqNum:  seq,
		Flags:   header.TCPFlagRst | header.TCPFlagAck,
	}
	out := make([]byte, wire.TCPHeaderLen)
	n, err := wire.EncodeTCP(&fields, nil, tuple.LocalAddr, tuple.RemoteAddr, out)
	if err != nil {
		return
	}
	s.Stats.ResetsOut++
	s.Stats.SegmentsOut++
	if err := s.ip.Send(tuple.RemoteAddr, wire.ProtocolTCP, out[:n]); err != nil {
		s.log.WithError(err).Debug("tcp: rst send")
	}
}
