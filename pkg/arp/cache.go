package arp

import (
	"container/list"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"ustack/pkg/config"
	"ustack/pkg/log"
	"ustack/pkg/wire"
)

// ErrUnreachable reports that resolution failed after the configured number
// of request retries. The IP layer surfaces it to whoever queued traffic.
var ErrUnreachable = errors.New("arp: host unreachable")

// State of a cache entry.
type State int

const (
	// Pending means a request is in flight and the hardware address is not
	// known yet.
	Pending State = iota
	// Resolved means the entry carries a usable hardware address.
	Resolved
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "resolved"
}

// Entry is one IP-to-hardware mapping.
type Entry struct {
	IP      netip.Addr
	MAC     wire.MAC
	State   State
	Expires time.Time
	Retries int

	// waiting marks dependent traffic queued at the IP layer. Eviction
	// avoids these entries when any other candidate exists.
	waiting bool

	elem *list.Element
}

// RequestSender emits an ARP request for ip on the wire. Supplied by the
// engine so the cache stays free of device and codec concerns.
type RequestSender func(ip netip.Addr)

// Cache maps IP addresses to hardware addresses with pending-request
// tracking and LRU eviction. Single-owner, no locking; the engine calls it
// from the event loop only.
type Cache struct {
	cfg  config.ARP
	log  log.Logger
	send RequestSender

	entries map[netip.Addr]*Entry
	lru     *list.List // front = most recently used
}

// New builds an empty cache.
func New(cfg config.ARP, logger log.Logger, send RequestSender) *Cache {
	return &Cache{
		cfg:     cfg,
		log:     logger,
		send:    send,
		entries: make(map[netip.Addr]*Entry, cfg.Capacity),
		lru:     list.New(),
	}
}

// Len returns the number of entries, pending included.
func (c *Cache) Len() int { return len(c.entries) }

// Entries returns a snapshot of the table in most-recently-used order, for
// diagnostics.
func (c *Cache) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Lookup returns the hardware address for ip if it is resolved, refreshing
// its LRU position. It never triggers a request.
func (c *Cache) Lookup(ip netip.Addr) (wire.MAC, bool) {
	e, ok := c.entries[ip]
	if !ok || e.State != Resolved {
		return wire.MAC{}, false
	}
	c.lru.MoveToFront(e.elem)
	return e.MAC, true
}

// Resolve returns the address for ip immediately when resolved. On a miss it
// creates a pending entry, emits a request, and returns Pending; the caller
// queues its traffic and waits for HandleReply or Tick to settle it.
func (c *Cache) Resolve(ip netip.Addr, now time.Time) (wire.MAC, State) {
	if e, ok := c.entries[ip]; ok {
		c.lru.MoveToFront(e.elem)
		if e.State == Resolved {
			return e.MAC, Resolved
		}
		return wire.MAC{}, Pending
	}
	e := c.insert(ip)
	if e == nil {
		// Nothing evictable; treat as transiently pending without an
		// entry. The request still goes out, a reply may land later.
		c.send(ip)
		return wire.MAC{}, Pending
	}
	e.State = Pending
	e.Expires = now.Add(c.cfg.PendingTimeout)
	c.send(ip)
	c.log.Debugf("arp: request for %s", ip)
	return wire.MAC{}, Pending
}

// MarkWaiting flags ip as having dependent traffic queued, steering eviction
// away from it.
func (c *Cache) MarkWaiting(ip netip.Addr, waiting bool) {
	if e, ok := c.entries[ip]; ok {
		e.waiting = waiting
	}
}

// HandleReply records a reply (or a gratuitous announcement) and reports
// whether ip is now resolved. A repeated identical reply refreshes the
// existing entry rather than duplicating it. Gratuitous replies are only
// taken in while the cache has spare capacity.
func (c *Cache) HandleReply(ip netip.Addr, mac wire.MAC, now time.Time) bool {
	e, ok := c.entries[ip]
	if !ok {
		if len(c.entries) >= c.cfg.Capacity {
			c.log.Debugf("arp: dropping gratuitous reply for %s, cache full", ip)
			return false
		}
		e = c.insert(ip)
		if e == nil {
			return false
		}
	}
	e.MAC = mac
	e.State = Resolved
	e.Retries = 0
	e.Expires = now.Add(c.cfg.EntryTimeout)
	c.lru.MoveToFront(e.elem)
	return true
}

// Tick runs expiry. Expired resolved entries are evicted; expired pending
// entries are re-requested up to the retry limit and then reported back as
// failed so the IP layer can flush their queues with ErrUnreachable.
func (c *Cache) Tick(now time.Time) (failed []netip.Addr) {
	for ip, e := range c.entries {
		if now.Before(e.Expires) {
			continue
		}
		switch e.State {
		case Resolved:
			c.remove(e)
		case Pending:
			if e.Retries < c.cfg.Retries && e.waiting {
				e.Retries++
				e.Expires = now.Add(c.cfg.PendingTimeout)
				c.send(ip)
				c.log.Debugf("arp: re-request %s (%d/%d)", ip, e.Retries, c.cfg.Retries)
			} else {
				c.remove(e)
				if e.waiting {
					failed = append(failed, ip)
				}
			}
		}
	}
	return failed
}

// insert creates a pending-less entry for ip, evicting if at capacity.
// Returns nil when every entry is protected from eviction.
func (c *Cache) insert(ip netip.Addr) *Entry {
	if len(c.entries) >= c.cfg.Capacity && !c.evict() {
		return nil
	}
	e := &Entry{IP: ip}
	e.elem = c.lru.PushFront(e)
	c.entries[ip] = e
	return e
}

// evict removes the least recently used entry, preferring one without
// dependent traffic. Reports whether anything was removed.
func (c *Cache) evict() bool {
	var fallback *Entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if !e.waiting {
			c.remove(e)
			return true
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback != nil {
		c.remove(fallback)
		return true
	}
	return false
}

func (c *Cache) remove(e *Entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.IP)
}
