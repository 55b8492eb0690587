package tcpstack

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/smallnest/ringbuffer"
)

// FourTuple identifies one connection. At most one data stream exists per
// unique tuple; the stack indexes connections by it and by a stable integer
// key so timers never hold a direct reference (see Scheduler).
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d-%s:%d", t.LocalAddr, t.LocalPort, t.RemoteAddr, t.RemotePort)
}

// sendHalf tracks the outgoing stream: data the application queued but the
// stack has not sent lives in buf; sent-but-unacked bytes live in the
// retransmission queue.
type sendHalf struct {
	buf *ringbuffer.RingBuffer

	iss uint32 // initial send sequence
	una uint32 // oldest unacknowledged
	nxt uint32 // next sequence to send
	wnd uint32 // peer-advertised window

	finQueued bool // Close requested; FIN follows the buffered data out
	finSent   bool
	finSeq    uint32
}

// recvHalf tracks the incoming stream: in-order bytes ready for the
// application live in buf, out-of-order segments wait in the reassembly
// structure.
type recvHalf struct {
	buf *ringbuffer.RingBuffer

	irs uint32 // initial receive sequence
	nxt uint32 // next expected sequence

	reasm *reassembly

	finSeen      bool // FIN has been sequenced into the stream
	eofDelivered bool
}

// Conn is one TCP connection. Owned by the Stack; the socket layer refers to
// it only through its key.
type Conn struct {
	key   int
	tuple FourTuple
	state State

	snd sendHalf
	rcv recvHalf

	rtx *retransmitQueue

	// persistDelay is the current zero-window probe interval; zero when
	// the persist timer is not running.
	persistDelay time.Duration

	// listenerPort links a passively opened connection back to its
	// listener's accept queue; zero for active opens.
	listenerPort uint16

	// err is the terminal error surfaced to socket calls once the
	// connection reaches Closed abnormally.
	err error
}

// Key returns the stable connection key.
func (c *Conn) Key() int { return c.key }

// Tuple returns the connection four-tuple.
func (c *Conn) Tuple() FourTuple { return c.tuple }

// State returns the current connection state.
func (c *Conn) State() State { return c.state }

// advertisedWindow is the receive window we announce: free space in the
// receive buffer, clamped to the 16-bit window field.
func (c *Conn) advertisedWindow() uint16 {
	free := c.rcv.buf.Free()
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

// inFlight returns sent-but-unacknowledged sequence space.
func (c *Conn) inFlight() uint32 {
	return c.snd.nxt - c.snd.una
}
