// Package socket is the application-facing surface of the TCP layer. Every
// operation is non-blocking: callers poll, or retry after the engine's next
// iteration. Conns hold a key into the TCP connection table rather than the
// connection itself, so a connection torn down by the stack leaves only a
// stale key behind, never a dangling reference.
package socket

import (
	"net/netip"

	"ustack/pkg/tcpstack"
)

// Re-exported sentinel errors so applications need not import tcpstack.
var (
	ErrWouldBlock      = tcpstack.ErrWouldBlock
	ErrConnectionReset = tcpstack.ErrConnectionReset
	ErrNotEstablished  = tcpstack.ErrNotEstablished
	ErrClosed          = tcpstack.ErrConnClosed
)

// API hands out listeners and connections over one engine's TCP stack.
type API struct {
	tcp *tcpstack.Stack
}

// New wraps a TCP stack.
func New(tcp *tcpstack.Stack) *API {
	return &API{tcp: tcp}
}

// Listener accepts incoming connections on a port.
type Listener struct {
	api *API
	l   *tcpstack.Listener
}

// Conn is a handle on one TCP connection.
type Conn struct {
	api *API
	key int
}

// Listen opens a passive socket.
func (a *API) Listen(port uint16) (*Listener, error) {
	l, err := a.tcp.Listen(port)
	if err != nil {
		return nil, err
	}
	return &Listener{api: a, l: l}, nil
}

// Connect starts an active open. The returned connection is not established
// yet; Send and Recv report ErrNotEstablished until the handshake finishes.
func (a *API) Connect(remote netip.AddrPort) (*Conn, error) {
	key, err := a.tcp.Connect(remote)
	if err != nil {
		return nil, err
	}
	return &Conn{api: a, key: key}, nil
}

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.l.Port() }

// Accept returns one established connection, or ErrWouldBlock.
func (l *Listener) Accept() (*Conn, error) {
	key, err := l.api.tcp.Accept(l.l)
	if err != nil {
		return nil, err
	}
	return &Conn{api: l.api, key: key}, nil
}

// Close stops listening.
func (l *Listener) Close() error {
	l.api.tcp.CloseListener(l.l)
	return nil
}

// Key returns the stable connection key, usable for diagnostics.
func (c *Conn) Key() int { return c.key }

// State reports the connection state; Closed once the stack has dropped it.
func (c *Conn) State() tcpstack.State {
	conn, ok := c.api.tcp.Get(c.key)
	if !ok {
		return tcpstack.Closed
	}
	return conn.State()
}

// Tuple returns the connection four-tuple, zero once the stack has dropped
// it.
func (c *Conn) Tuple() tcpstack.FourTuple {
	conn, ok := c.api.tcp.Get(c.key)
	if !ok {
		return tcpstack.FourTuple{}
	}
	return conn.Tuple()
}

// Send queues bytes and returns how many were accepted; ErrWouldBlock when
// the send buffer is full.
func (c *Conn) Send(b []byte) (int, error) {
	return c.api.tcp.Send(c.key, b)
}

// Recv copies available bytes into b; ErrWouldBlock when none are pending,
// ErrClosed once the peer's close has drained.
func (c *Conn) Recv(b []byte) (int, error) {
	return c.api.tcp.Recv(c.key, b)
}

// Close shuts the send side down and, for an already-dead connection,
// releases its table slot.
func (c *Conn) Close() error {
	err := c.api.tcp.Close(c.key)
	c.api.tcp.Reap(c.key)
	return err
}

// Abort resets the connection immediately.
func (c *Conn) Abort() {
	c.api.tcp.Abort(c.key)
}
