package arp

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ustack/pkg/config"
	"ustack/pkg/log"
	"ustack/pkg/wire"
)

func testConfig() config.ARP {
	return config.ARP{
		Capacity:       4,
		EntryTimeout:   300 * time.Second,
		PendingTimeout: time.Second,
		Retries:        3,
	}
}

func newTestCache(cfg config.ARP) (*Cache, *[]netip.Addr) {
	var requests []netip.Addr
	c := New(cfg, log.Discard(), func(ip netip.Addr) {
		requests = append(requests, ip)
	})
	return c, &requests
}

func addr(last byte) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 0, 0, last})
}

func mac(last byte) wire.MAC {
	return wire.MAC{0x02, 0, 0, 0, 0, last}
}

func TestResolveMissSendsRequestThenReplyResolves(t *testing.T) {
	c, requests := newTestCache(testConfig())
	now := time.Now()

	_, state := c.Resolve(addr(2), now)
	assert.Equal(t, Pending, state)
	require.Equal(t, []netip.Addr{addr(2)}, *requests)

	// A second Resolve while pending does not emit another request.
	_, state = c.Resolve(addr(2), now)
	assert.Equal(t, Pending, state)
	assert.Len(t, *requests, 1)

	require.True(t, c.HandleReply(addr(2), mac(2), now))
	got, ok := c.Lookup(addr(2))
	require.True(t, ok)
	assert.Equal(t, mac(2), got)

	m, state := c.Resolve(addr(2), now)
	assert.Equal(t, Resolved, state)
	assert.Equal(t, mac(2), m)
}

func TestRepeatedReplyRefreshes(t *testing.T) {
	c, _ := newTestCache(testConfig())
	now := time.Now()

	require.True(t, c.HandleReply(addr(2), mac(2), now))
	require.True(t, c.HandleReply(addr(2), mac(9), now))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Lookup(addr(2))
	require.True(t, ok)
	assert.Equal(t, mac(9), got)
}

func TestResolvedEntryExpires(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCache(cfg)
	now := time.Now()

	c.HandleReply(addr(2), mac(2), now)
	failed := c.Tick(now.Add(cfg.EntryTimeout + time.Second))
	assert.Empty(t, failed)
	_, ok := c.Lookup(addr(2))
	assert.False(t, ok)
}

func TestPendingRetriesThenFails(t *testing.T) {
	cfg := testConfig()
	c, requests := newTestCache(cfg)
	now := time.Now()

	c.Resolve(addr(2), now)
	c.MarkWaiting(addr(2), true)
	require.Len(t, *requests, 1)

	// Each expiry re-requests until the limit.
	for i := 1; i <= cfg.Retries; i++ {
		now = now.Add(cfg.PendingTimeout + time.Millisecond)
		failed := c.Tick(now)
		assert.Empty(t, failed, "retry %d should not fail yet", i)
		assert.Len(t, *requests, 1+i)
	}

	now = now.Add(cfg.PendingTimeout + time.Millisecond)
	failed := c.Tick(now)
	require.Equal(t, []netip.Addr{addr(2)}, failed)
	assert.Equal(t, 0, c.Len())
}

func TestPendingWithoutWaitersQuietlyRemoved(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCache(cfg)
	now := time.Now()

	c.Resolve(addr(2), now)
	failed := c.Tick(now.Add(cfg.PendingTimeout + time.Millisecond))
	assert.Empty(t, failed)
	assert.Equal(t, 0, c.Len())
}

func TestLRUEvictionPrefersIdleEntries(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCache(cfg)
	now := time.Now()

	for i := byte(1); i <= 4; i++ {
		c.HandleReply(addr(i), mac(i), now)
	}
	// addr(1) is the LRU candidate but has traffic waiting on it.
	c.MarkWaiting(addr(1), true)

	// Inserting a fifth entry must evict addr(2), the oldest unprotected one.
	_, state := c.Resolve(addr(5), now)
	assert.Equal(t, Pending, state)
	_, ok := c.Lookup(addr(1))
	assert.True(t, ok)
	_, ok = c.Lookup(addr(2))
	assert.False(t, ok)
}

func TestGratuitousReplyDroppedWhenFull(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCache(cfg)
	now := time.Now()

	for i := byte(1); i <= 4; i++ {
		require.True(t, c.HandleReply(addr(i), mac(i), now))
	}
	assert.False(t, c.HandleReply(addr(9), mac(9), now))
	assert.Equal(t, 4, c.Len())
}

func TestEntriesSnapshotMRUOrder(t *testing.T) {
	c, _ := newTestCache(testConfig())
	now := time.Now()

	c.HandleReply(addr(1), mac(1), now)
	c.HandleReply(addr(2), mac(2), now)
	c.Lookup(addr(1)) // touch

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, addr(1), entries[0].IP)
	assert.Equal(t, addr(2), entries[1].IP)
	assert.Equal(t, "resolved", fmt.Sprint(entries[0].State))
}
