package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"ustack/pkg/engine"
	"ustack/pkg/socket"
)

// repl drives the stack interactively. It runs on its own goroutine, so
// every stack operation is submitted to the engine and waited on; the socket
// layer itself is not safe to call from here directly.
type repl struct {
	eng *engine.Engine
	out io.Writer

	socks  map[int]*replSock
	nextID int
}

// replSock is one REPL-visible socket: either a listener or a connection.
type replSock struct {
	id       int
	listener *socket.Listener
	conn     *socket.Conn
}

func runRepl(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer) {
	r := &repl{eng: eng, out: out, socks: make(map[int]*replSock), nextID: 1}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "q" || line == "quit" {
			return
		}
		r.dispatch(line)
	}
}

// do runs fn on the engine's goroutine and waits for it to finish.
func (r *repl) do(fn func(*engine.Engine)) {
	done := make(chan struct{})
	r.eng.Submit(func(e *engine.Engine) {
		fn(e)
		close(done)
	})
	<-done
}

func (r *repl) dispatch(line string) {
	parts := strings.Fields(line)
	switch parts[0] {
	case "li":
		r.cmdInterface()
	case "ln":
		r.cmdNeighbors()
	case "ls":
		r.cmdSockets()
	case "a":
		r.cmdListen(parts[1:])
	case "ac":
		r.cmdAccept(parts[1:])
	case "c":
		r.cmdConnect(parts[1:])
	case "s":
		r.cmdSend(line, parts)
	case "r":
		r.cmdRecv(parts[1:])
	case "cl":
		r.cmdClose(parts[1:])
	case "ab":
		r.cmdAbort(parts[1:])
	case "ub":
		r.cmdUDPBind(parts[1:])
	case "u":
		r.cmdUDPSend(line, parts)
	case "stats":
		r.cmdStats()
	case "help", "?":
		r.cmdHelp()
	default:
		fmt.Fprintf(r.out, "unknown command %q, try help\n", parts[0])
	}
}

func (r *repl) cmdHelp() {
	fmt.Fprint(r.out, `li                     show interface
ln                     show ARP neighbors
ls                     show sockets
a <port>               listen on port
ac <id>                accept one connection from listener
c <ip> <port>          connect
s <id> <text>          send text on connection
r <id> <n>             receive up to n bytes
cl <id>                close socket
ab <id>                abort connection
ub <port>              bind UDP port, print incoming datagrams
u <ip> <port> <text>   send UDP datagram
stats                  show counters
q                      quit
`)
}

func (r *repl) cmdInterface() {
	var line string
	r.do(func(e *engine.Engine) {
		cfg := e.Config().Interface
		line = fmt.Sprintf("%s\t%s\t%s\tmtu %d", cfg.IP, cfg.Prefix, cfg.MAC, cfg.MTU)
	})
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Addr\tPrefix\tMAC\tMTU")
	fmt.Fprintln(w, line)
	w.Flush()
}

func (r *repl) cmdNeighbors() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Addr\tMAC\tState")
	r.do(func(e *engine.Engine) {
		for _, entry := range e.ARP().Entries() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", entry.IP, entry.MAC, entry.State)
		}
	})
	w.Flush()
}

func (r *repl) cmdSockets() {
	ids := make([]int, 0, len(r.socks))
	for id := range r.socks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tLocal\tRemote\tState")
	r.do(func(e *engine.Engine) {
		for _, id := range ids {
			sk := r.socks[id]
			if sk.listener != nil {
				fmt.Fprintf(w, "%d\t:%d\t*\tlisten\n", id, sk.listener.Port())
				continue
			}
			t := sk.conn.Tuple()
			fmt.Fprintf(w, "%d\t%s:%d\t%s:%d\t%s\n",
				id, t.LocalAddr, t.LocalPort, t.RemoteAddr, t.RemotePort, sk.conn.State())
		}
	})
	w.Flush()
}

func (r *repl) cmdListen(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, "usage: a <port>")
		return
	}
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Fprintf(r.out, "bad port: %v\n", err)
		return
	}
	var (
		l    *socket.Listener
		lerr error
	)
	r.do(func(e *engine.Engine) {
		l, lerr = e.Sockets().Listen(uint16(port))
	})
	if lerr != nil {
		fmt.Fprintln(r.out, lerr)
		return
	}
	id := r.addSock(&replSock{listener: l})
	fmt.Fprintf(r.out, "socket %d listening on %d\n", id, port)
}

func (r *repl) cmdAccept(args []string) {
	sk, ok := r.lookup(args, "ac <id>")
	if !ok {
		return
	}
	if sk.listener == nil {
		fmt.Fprintf(r.out, "socket %d is not a listener\n", sk.id)
		return
	}
	var (
		c   *socket.Conn
		err error
	)
	r.do(func(e *engine.Engine) {
		c, err = sk.listener.Accept()
	})
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	id := r.addSock(&replSock{conn: c})
	fmt.Fprintf(r.out, "socket %d accepted\n", id)
}

func (r *repl) cmdConnect(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(r.out, "usage: c <ip> <port>")
		return
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		fmt.Fprintf(r.out, "bad address: %v\n", err)
		return
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(r.out, "bad port: %v\n", err)
		return
	}
	var (
		c    *socket.Conn
		cerr error
	)
	r.do(func(e *engine.Engine) {
		c, cerr = e.Sockets().Connect(netip.AddrPortFrom(addr, uint16(port)))
	})
	if cerr != nil {
		fmt.Fprintln(r.out, cerr)
		return
	}
	id := r.addSock(&replSock{conn: c})
	fmt.Fprintf(r.out, "socket %d connecting to %s:%d\n", id, addr, port)
}

func (r *repl) cmdSend(line string, parts []string) {
	if len(parts) < 3 {
		fmt.Fprintln(r.out, "usage: s <id> <text>")
		return
	}
	sk, ok := r.lookup(parts[1:2], "s <id> <text>")
	if !ok {
		return
	}
	if sk.conn == nil {
		fmt.Fprintf(r.out, "socket %d is a listener\n", sk.id)
		return
	}
	// Everything after the id, verbatim.
	text := strings.SplitN(line, " ", 3)[2]
	var (
		n   int
		err error
	)
	r.do(func(e *engine.Engine) {
		n, err = sk.conn.Send([]byte(text))
	})
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintf(r.out, "sent %d bytes\n", n)
}

func (r *repl) cmdRecv(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(r.out, "usage: r <id> <n>")
		return
	}
	sk, ok := r.lookup(args[:1], "r <id> <n>")
	if !ok {
		return
	}
	if sk.conn == nil {
		fmt.Fprintf(r.out, "socket %d is a listener\n", sk.id)
		return
	}
	size, err := strconv.Atoi(args[1])
	if err != nil || size <= 0 {
		fmt.Fprintln(r.out, "bad byte count")
		return
	}
	buf := make([]byte, size)
	var n int
	r.do(func(e *engine.Engine) {
		n, err = sk.conn.Recv(buf)
	})
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintf(r.out, "read %d bytes: %q\n", n, buf[:n])
}

func (r *repl) cmdClose(args []string) {
	sk, ok := r.lookup(args, "cl <id>")
	if !ok {
		return
	}
	var err error
	r.do(func(e *engine.Engine) {
		if sk.listener != nil {
			err = sk.listener.Close()
		} else {
			err = sk.conn.Close()
		}
	})
	if err != nil {
		fmt.Fprintln(r.out, err)
	}
	if sk.listener != nil {
		delete(r.socks, sk.id)
	}
	fmt.Fprintf(r.out, "socket %d closing\n", sk.id)
}

func (r *repl) cmdAbort(args []string) {
	sk, ok := r.lookup(args, "ab <id>")
	if !ok {
		return
	}
	if sk.conn == nil {
		fmt.Fprintf(r.out, "socket %d is a listener\n", sk.id)
		return
	}
	r.do(func(e *engine.Engine) {
		sk.conn.Abort()
	})
	delete(r.socks, sk.id)
	fmt.Fprintf(r.out, "socket %d aborted\n", sk.id)
}

func (r *repl) cmdUDPBind(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.out, "usage: ub <port>")
		return
	}
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Fprintf(r.out, "bad port: %v\n", err)
		return
	}
	out := r.out
	r.do(func(e *engine.Engine) {
		e.UDP().Bind(uint16(port), func(src netip.AddrPort, payload []byte) {
			fmt.Fprintf(out, "udp %s: %q\n", src, payload)
		})
	})
	fmt.Fprintf(r.out, "udp port %d bound\n", port)
}

func (r *repl) cmdUDPSend(line string, parts []string) {
	if len(parts) < 4 {
		fmt.Fprintln(r.out, "usage: u <ip> <port> <text>")
		return
	}
	addr, err := netip.ParseAddr(parts[1])
	if err != nil {
		fmt.Fprintf(r.out, "bad address: %v\n", err)
		return
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		fmt.Fprintf(r.out, "bad port: %v\n", err)
		return
	}
	text := strings.SplitN(line, " ", 4)[3]
	var serr error
	r.do(func(e *engine.Engine) {
		serr = e.UDP().Send(uint16(port), netip.AddrPortFrom(addr, uint16(port)), []byte(text))
	})
	if serr != nil {
		fmt.Fprintln(r.out, serr)
		return
	}
	fmt.Fprintf(r.out, "sent %d bytes\n", len(text))
}

func (r *repl) cmdStats() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	r.do(func(e *engine.Engine) {
		es, is, ts := e.Stats, e.IP().Stats, e.TCP().Stats
		acquired, released := e.Pool().Stats()
		fmt.Fprintf(w, "frames\tin %d\tout %d\n", es.FramesIn, es.FramesOut)
		fmt.Fprintf(w, "ip\trecv %d\tdelivered %d\tforwarded %d\tsent %d\n",
			is.Received, is.Delivered, is.Forwarded, is.Sent)
		fmt.Fprintf(w, "tcp\tin %d\tout %d\tretransmits %d\tresets in %d out %d\n",
			ts.SegmentsIn, ts.SegmentsOut, ts.Retransmits, ts.ResetsIn, ts.ResetsOut)
		fmt.Fprintf(w, "pool\tacquired %d\treleased %d\tfree %d/%d\n",
			acquired, released, e.Pool().Available(), e.Pool().Capacity())
	})
	w.Flush()
}

func (r *repl) addSock(sk *replSock) int {
	sk.id = r.nextID
	r.nextID++
	r.socks[sk.id] = sk
	return sk.id
}

func (r *repl) lookup(args []string, usage string) (*replSock, bool) {
	if len(args) < 1 {
		fmt.Fprintf(r.out, "usage: %s\n", usage)
		return nil, false
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(r.out, "bad socket id")
		return nil, false
	}
	sk, ok := r.socks[id]
	if !ok {
		fmt.Fprintf(r.out, "no socket %d\n", id)
		return nil, false
	}
	return sk, true
}
