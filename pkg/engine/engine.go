// Package engine ties the stack together: one instance owns a device, a
// buffer pool, the ARP cache, and the IP and TCP layers, and drives them
// from a single-threaded, non-blocking poll loop. Nothing in here locks;
// callers wanting parallelism run one engine per interface.
package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"ustack/pkg/arp"
	"ustack/pkg/buffer"
	"ustack/pkg/config"
	"ustack/pkg/device"
	"ustack/pkg/ipstack"
	"ustack/pkg/log"
	"ustack/pkg/socket"
	"ustack/pkg/tcpstack"
	"ustack/pkg/trace"
	"ustack/pkg/wire"
)

// arpScanInterval is how often the ARP cache runs expiry. Deadline accuracy
// for the whole engine is bounded by how often Poll runs; this only spaces
// the scans out.
const arpScanInterval = 250 * time.Millisecond

// Stats counts link-level events; layer stats live on the layers.
type Stats struct {
	FramesIn      uint64
	FramesOut     uint64
	DroppedPool   uint64
	DroppedFrame  uint64
	DroppedOther  uint64
	DeviceErrors  uint64
	ARPPacketsIn  uint64
	TimersFired   uint64
}

// Engine is one stack instance over one device.
type Engine struct {
	cfg  config.Config
	log  log.Logger
	pool *buffer.Pool
	dev  device.Device

	arp  *arp.Cache
	ip   *ipstack.Stack
	tcp  *tcpstack.Stack
	udp  *ipstack.UDP
	sock *socket.API

	timers *timerSet
	txq    []*buffer.Buffer
	tracer *trace.Tracer

	lastARPScan time.Time

	// actions carries closures from other goroutines (the REPL) onto the
	// engine's thread; the loop drains it each iteration.
	actions chan func(*Engine)

	Stats Stats
}

// New wires up an engine over dev. The device is owned by the caller but
// polled exclusively by this engine from now on.
func New(cfg config.Config, dev device.Device, logger log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Discard()
	}
	e := &Engine{
		cfg:     cfg,
		log:     logger,
		pool:    buffer.NewPool(cfg.Pool.Buffers, cfg.Pool.BufferSize),
		dev:     dev,
		timers:  newTimerSet(),
		actions: make(chan func(*Engine), 16),
	}
	e.arp = arp.New(cfg.ARP, logger, e.sendARPRequest)
	e.ip = ipstack.New(cfg.Interface, e.pool, e.arp, logger, e.enqueue)
	e.ip.InstallICMP()
	e.udp = e.ip.InstallUDP()
	e.tcp = tcpstack.New(cfg.TCP, cfg.Interface, e.ip, logger, e.timers)
	e.sock = socket.New(e.tcp)

	if cfg.TracePath != "" {
		t, err := trace.New(cfg.TracePath)
		if err != nil {
			return nil, errors.Wrap(err, "engine trace")
		}
		e.tracer = t
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Sockets returns the application socket API. Calls on it must come from
// the engine's goroutine; use Submit from elsewhere.
func (e *Engine) Sockets() *socket.API { return e.sock }

// UDP returns the datagram surface.
func (e *Engine) UDP() *ipstack.UDP { return e.udp }

// TCP returns the TCP layer, mainly for stats inspection.
func (e *Engine) TCP() *tcpstack.Stack { return e.tcp }

// IP returns the IP layer, mainly for stats inspection.
func (e *Engine) IP() *ipstack.Stack { return e.ip }

// ARP returns the ARP cache.
func (e *Engine) ARP() *arp.Cache { return e.arp }

// Pool returns the packet buffer pool.
func (e *Engine) Pool() *buffer.Pool { return e.pool }

// Submit runs fn on the engine's goroutine during the next poll. It is the
// only engine method safe to call from other goroutines.
func (e *Engine) Submit(fn func(*Engine)) {
	e.actions <- fn
}

// Poll runs one event-loop iteration: drain submitted actions, take at most
// one frame off the device, fire due timers, run ARP expiry, and flush the
// transmit queue. Returns true when any work happened, so callers can back
// off when idle.
func (e *Engine) Poll(now time.Time) bool {
	worked := false

	for {
		select {
		case fn := <-e.actions:
			fn(e)
			worked = true
			continue
		default:
		}
		break
	}

	buf, err := e.dev.Receive(e.pool)
	switch {
	case err == nil:
	case errors.Is(err, buffer.ErrPoolExhausted):
		e.Stats.DroppedPool++
	default:
		// Device trouble is the caller's to observe; the stack keeps
		// running.
		e.Stats.DeviceErrors++
		e.log.WithError(err).Debug("engine: receive")
	}
	if buf != nil {
		e.Stats.FramesIn++
		e.tracer.Record(buf.Bytes())
		e.handleFrame(buf)
		worked = true
	}

	for {
		key, ok := e.timers.popDue(now)
		if !ok {
			break
		}
		e.Stats.TimersFired++
		e.tcp.HandleTimer(key.kind, key.conn, now)
		worked = true
	}

	if now.Sub(e.lastARPScan) >= arpScanInterval {
		e.lastARPScan = now
		for _, ip := range e.arp.Tick(now) {
			e.ip.UnreachableNeighbor(ip)
			worked = true
		}
	}

	if len(e.txq) > 0 {
		for _, b := range e.txq {
			e.tracer.Record(b.Bytes())
			if err := e.dev.Transmit(b); err != nil {
				e.Stats.DeviceErrors++
				e.log.WithError(err).Debug("engine: transmit")
			} else {
				e.Stats.FramesOut++
			}
		}
		e.txq = e.txq[:0]
		worked = true
	}

	return worked
}

// Run polls until the context is cancelled, sleeping briefly when idle.
func (e *Engine) Run(ctx context.Context) error {
	idle := time.NewTicker(time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.Close()
		default:
		}
		if !e.Poll(time.Now()) {
			select {
			case <-ctx.Done():
				return e.Close()
			case <-idle.C:
			}
		}
	}
}

// Close shuts the device and trace file down.
func (e *Engine) Close() error {
	err := e.dev.Close()
	if terr := e.tracer.Close(); err == nil {
		err = terr
	}
	return err
}

// enqueue is the transmit hook handed to the IP layer.
func (e *Engine) enqueue(b *buffer.Buffer) {
	e.txq = append(e.txq, b)
}

// handleFrame decodes the link layer and dispatches ARP or IPv4. The buffer
// is released here in every path: payloads handed upward are borrowed
// slices, and anything the upper layers keep, they copy.
func (e *Engine) handleFrame(buf *buffer.Buffer) {
	defer buf.Release()

	frame := buf.Bytes()
	eth, err := wire.DecodeEthernet(frame)
	if err != nil {
		e.Stats.DroppedFrame++
		return
	}
	if eth.Dst != e.cfg.Interface.MAC && !eth.Dst.IsBroadcast() {
		e.Stats.DroppedOther++
		return
	}
	payload := frame[wire.EthernetHeaderLen:]
	switch eth.EtherType {
	case wire.EtherTypeARP:
		e.Stats.ARPPacketsIn++
		e.handleARP(payload)
	case wire.EtherTypeIPv4:
		e.ip.HandleDatagram(payload)
	default:
		e.Stats.DroppedOther++
	}
}

// handleARP answers requests for our address and feeds replies to the
// cache. A request also teaches us the sender's mapping, which usually
// saves the reverse resolution shortly after.
func (e *Engine) handleARP(b []byte) {
	pkt, err := wire.DecodeARP(b)
	if err != nil {
		e.Stats.DroppedFrame++
		return
	}
	now := time.Now()
	switch pkt.Op {
	case wire.ARPOpRequest:
		if pkt.TargetIP != e.cfg.Interface.IP {
			return
		}
		if e.arp.HandleReply(pkt.SenderIP, pkt.SenderMAC, now) {
			e.ip.ResolvedNeighbor(pkt.SenderIP, pkt.SenderMAC)
		}
		e.sendARPReply(pkt.SenderMAC, pkt.SenderIP)
	case wire.ARPOpReply:
		if e.arp.HandleReply(pkt.SenderIP, pkt.SenderMAC, now) {
			e.ip.ResolvedNeighbor(pkt.SenderIP, pkt.SenderMAC)
		}
	}
}

// sendARPRequest is the cache's request hook.
func (e *Engine) sendARPRequest(ip netip.Addr) {
	pkt := wire.ARPPacket{
		Op:        wire.ARPOpRequest,
		SenderMAC: e.cfg.Interface.MAC,
		SenderIP:  e.cfg.Interface.IP,
		TargetIP:  ip,
	}
	e.sendARP(&pkt, wire.BroadcastMAC)
}

func (e *Engine) sendARPReply(toMAC wire.MAC, toIP netip.Addr) {
	pkt := wire.ARPPacket{
		Op:        wire.ARPOpReply,
		SenderMAC: e.cfg.Interface.MAC,
		SenderIP:  e.cfg.Interface.IP,
		TargetMAC: toMAC,
		TargetIP:  toIP,
	}
	e.sendARP(&pkt, toMAC)
}

func (e *Engine) sendARP(pkt *wire.ARPPacket, dst wire.MAC) {
	buf, err := e.pool.Acquire()
	if err != nil {
		e.Stats.DroppedPool++
		return
	}
	var scratch [wire.ARPPacketLen]byte
	if _, err := pkt.Encode(scratch[:]); err != nil {
		buf.Release()
		return
	}
	if !buf.Append(scratch[:]) {
		buf.Release()
		return
	}
	eth := wire.EthernetHeader{Dst: dst, Src: e.cfg.Interface.MAC, EtherType: wire.EtherTypeARP}
	head, ok := buf.Prepend(wire.EthernetHeaderLen)
	if !ok {
		buf.Release()
		return
	}
	if _, err := eth.Encode(head); err != nil {
		buf.Release()
		return
	}
	e.enqueue(buf)
}
