package config

import (
	"net/netip"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"ustack/pkg/wire"
)

// File is the on-disk TOML shape. Addresses stay strings here and are parsed
// into Config by Load so a bad value fails at startup with a usable message.
type File struct {
	Interface struct {
		IP         string `toml:"ip"`
		MAC        string `toml:"mac"`
		Prefix     string `toml:"prefix"`
		Gateway    string `toml:"gateway"`
		Forwarding bool   `toml:"forwarding"`
		MTU        int    `toml:"mtu"`
	} `toml:"interface"`

	Pool struct {
		Buffers    int `toml:"buffers"`
		BufferSize int `toml:"buffer_size"`
	} `toml:"pool"`

	ARP struct {
		Capacity       int      `toml:"capacity"`
		EntryTimeout   duration `toml:"entry_timeout"`
		PendingTimeout duration `toml:"pending_timeout"`
		Retries        int      `toml:"retries"`
	} `toml:"arp"`

	TCP struct {
		RtoMin     duration `toml:"rto_min"`
		RtoMax     duration `toml:"rto_max"`
		Retries    int      `toml:"retries"`
		MSL        duration `toml:"msl"`
		WindowSize int      `toml:"window_size"`
	} `toml:"tcp"`

	Overlay struct {
		Listen    string `toml:"listen"`
		Neighbors []struct {
			MAC  string `toml:"mac"`
			Addr string `toml:"addr"`
		} `toml:"neighbors"`
	} `toml:"overlay"`

	Trace struct {
		Path string `toml:"path"`
	} `toml:"trace"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Interface is the immutable link configuration of one engine instance.
type Interface struct {
	IP         netip.Addr
	MAC        wire.MAC
	Prefix     netip.Prefix
	Gateway    netip.Addr
	Forwarding bool
	MTU        int
}

// Broadcast returns the subnet-directed broadcast address.
func (i Interface) Broadcast() netip.Addr {
	a := i.Prefix.Masked().Addr().As4()
	bits := i.Prefix.Bits()
	for b := bits; b < 32; b++ {
		a[b/8] |= 1 << (7 - b%8)
	}
	return netip.AddrFrom4(a)
}

// ARP holds cache sizing and retry policy.
type ARP struct {
	Capacity       int
	EntryTimeout   time.Duration
	PendingTimeout time.Duration
	Retries        int
}

// TCP holds retransmission and window policy. The wire protocol does not pin
// these down; they are deliberately configuration, not constants.
type TCP struct {
	RtoMin     time.Duration
	RtoMax     time.Duration
	Retries    int
	MSL        time.Duration
	WindowSize int
}

// Neighbor is a static peer of the UDP overlay device.
type Neighbor struct {
	MAC  wire.MAC
	Addr string
}

// Config is the fully parsed engine configuration.
type Config struct {
	Interface Interface
	Pool      struct{ Buffers, BufferSize int }
	ARP       ARP
	TCP       TCP

	OverlayListen   string
	Neighbors       []Neighbor
	TracePath       string
	LogLevel        string
}

// Default returns a Config with every policy knob set to its default. The
// interface section has no sensible default and must come from the caller.
func Default() Config {
	var c Config
	c.Interface.MTU = 1500
	c.Pool.Buffers = 64
	c.Pool.BufferSize = 2048
	c.ARP = ARP{
		Capacity:       128,
		EntryTimeout:   300 * time.Second,
		PendingTimeout: time.Second,
		Retries:        3,
	}
	c.TCP = TCP{
		RtoMin:     100 * time.Millisecond,
		RtoMax:     60 * time.Second,
		Retries:    5,
		MSL:        30 * time.Second,
		WindowSize: 65535,
	}
	c.LogLevel = "info"
	return c
}

// Load reads and validates a TOML config file.
func Load(path string) (Config, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return fromFile(f)
}

func fromFile(f File) (Config, error) {
	c := Default()

	ip, err := netip.ParseAddr(f.Interface.IP)
	if err != nil {
		return Config{}, errors.Wrap(err, "interface.ip")
	}
	mac, err := wire.ParseMAC(f.Interface.MAC)
	if err != nil {
		return Config{}, errors.Wrap(err, "interface.mac")
	}
	prefix, err := netip.ParsePrefix(f.Interface.Prefix)
	if err != nil {
		return Config{}, errors.Wrap(err, "interface.prefix")
	}
	if !ip.Is4() {
		return Config{}, errors.New("interface.ip: IPv4 required")
	}
	if !prefix.Contains(ip) {
		return Config{}, errors.Errorf("interface.ip %s outside prefix %s", ip, prefix)
	}
	c.Interface.IP = ip
	c.Interface.MAC = mac
	c.Interface.Prefix = prefix
	c.Interface.Forwarding = f.Interface.Forwarding
	if f.Interface.MTU > 0 {
		c.Interface.MTU = f.Interface.MTU
	}
	if f.Interface.Gateway != "" {
		gw, err := netip.ParseAddr(f.Interface.Gateway)
		if err != nil {
			return Config{}, errors.Wrap(err, "interface.gateway")
		}
		if !prefix.Contains(gw) {
			return Config{}, errors.Errorf("gateway %s outside prefix %s", gw, prefix)
		}
		c.Interface.Gateway = gw
	}

	if f.Pool.Buffers > 0 {
		c.Pool.Buffers = f.Pool.Buffers
	}
	if f.Pool.BufferSize > 0 {
		c.Pool.BufferSize = f.Pool.BufferSize
	}
	if f.ARP.Capacity > 0 {
		c.ARP.Capacity = f.ARP.Capacity
	}
	if f.ARP.EntryTimeout > 0 {
		c.ARP.EntryTimeout = time.Duration(f.ARP.EntryTimeout)
	}
	if f.ARP.PendingTimeout > 0 {
		c.ARP.PendingTimeout = time.Duration(f.ARP.PendingTimeout)
	}
	if f.ARP.Retries > 0 {
		c.ARP.Retries = f.ARP.Retries
	}
	if f.TCP.RtoMin > 0 {
		c.TCP.RtoMin = time.Duration(f.TCP.RtoMin)
	}
	if f.TCP.RtoMax > 0 {
		c.TCP.RtoMax = time.Duration(f.TCP.RtoMax)
	}
	if f.TCP.Retries > 0 {
		c.TCP.Retries = f.TCP.Retries
	}
	if f.TCP.MSL > 0 {
		c.TCP.MSL = time.Duration(f.TCP.MSL)
	}
	if f.TCP.WindowSize > 0 {
		if f.TCP.WindowSize > 65535 {
			return Config{}, errors.New("tcp.window_size: must fit the 16-bit window field")
		}
		c.TCP.WindowSize = f.TCP.WindowSize
	}
	if c.TCP.RtoMin > c.TCP.RtoMax {
		return Config{}, errors.New("tcp: rto_min exceeds rto_max")
	}

	c.OverlayListen = f.Overlay.Listen
	for _, n := range f.Overlay.Neighbors {
		mac, err := wire.ParseMAC(n.MAC)
		if err != nil {
			return Config{}, errors.Wrapf(err, "overlay neighbor %q", n.Addr)
		}
		c.Neighbors = append(c.Neighbors, Neighbor{MAC: mac, Addr: n.Addr})
	}
	c.TracePath = f.Trace.Path
	if f.Log.Level != "" {
		c.LogLevel = f.Log.Level
	}
	return c, nil
}
