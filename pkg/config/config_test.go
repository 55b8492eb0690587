package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[interface]
ip         = "10.0.0.1"
mac        = "02:00:00:00:00:01"
prefix     = "10.0.0.0/24"
gateway    = "10.0.0.254"
forwarding = true
mtu        = 1400

[pool]
buffers     = 32
buffer_size = 4096

[arp]
capacity        = 64
entry_timeout   = "2m"
pending_timeout = "500ms"
retries         = 2

[tcp]
rto_min     = "200ms"
rto_max     = "30s"
retries     = 4
msl         = "15s"
window_size = 32768

[overlay]
listen = "127.0.0.1:5001"

[[overlay.neighbors]]
mac  = "02:00:00:00:00:02"
addr = "127.0.0.1:5002"

[trace]
path = "/tmp/node.pcap"

[log]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), cfg.Interface.IP)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), cfg.Interface.Prefix)
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), cfg.Interface.Gateway)
	assert.True(t, cfg.Interface.Forwarding)
	assert.Equal(t, 1400, cfg.Interface.MTU)
	assert.Equal(t, 32, cfg.Pool.Buffers)
	assert.Equal(t, 4096, cfg.Pool.BufferSize)
	assert.Equal(t, 2*time.Minute, cfg.ARP.EntryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ARP.PendingTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.TCP.RtoMin)
	assert.Equal(t, 32768, cfg.TCP.WindowSize)
	assert.Equal(t, "127.0.0.1:5001", cfg.OverlayListen)
	require.Len(t, cfg.Neighbors, 1)
	assert.Equal(t, "127.0.0.1:5002", cfg.Neighbors[0].Addr)
	assert.Equal(t, "/tmp/node.pcap", cfg.TracePath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[interface]
ip     = "10.0.0.1"
mac    = "02:00:00:00:00:01"
prefix = "10.0.0.0/24"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Interface.MTU, cfg.Interface.MTU)
	assert.Equal(t, def.Pool, cfg.Pool)
	assert.Equal(t, def.ARP, cfg.ARP)
	assert.Equal(t, def.TCP, cfg.TCP)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Interface.Gateway.IsValid())
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"ip outside prefix", `
[interface]
ip     = "192.168.1.1"
mac    = "02:00:00:00:00:01"
prefix = "10.0.0.0/24"
`},
		{"gateway outside prefix", `
[interface]
ip      = "10.0.0.1"
mac     = "02:00:00:00:00:01"
prefix  = "10.0.0.0/24"
gateway = "172.16.0.1"
`},
		{"bad mac", `
[interface]
ip     = "10.0.0.1"
mac    = "zz:00:00:00:00:01"
prefix = "10.0.0.0/24"
`},
		{"oversized window", `
[interface]
ip     = "10.0.0.1"
mac    = "02:00:00:00:00:01"
prefix = "10.0.0.0/24"
[tcp]
window_size = 100000
`},
		{"rto inversion", `
[interface]
ip     = "10.0.0.1"
mac    = "02:00:00:00:00:01"
prefix = "10.0.0.0/24"
[tcp]
rto_min = "10s"
rto_max = "1s"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestBroadcast(t *testing.T) {
	var i Interface
	i.Prefix = netip.MustParsePrefix("10.0.0.0/24")
	assert.Equal(t, netip.MustParseAddr("10.0.0.255"), i.Broadcast())

	i.Prefix = netip.MustParsePrefix("192.168.4.0/22")
	assert.Equal(t, netip.MustParseAddr("192.168.7.255"), i.Broadcast())
}
