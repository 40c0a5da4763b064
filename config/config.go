// Package config loads the apbridge TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/softgb/fabric"
	"github.com/ardnew/softgb/protocol/loopback"
	"github.com/ardnew/softgb/protocol/uart"
)

// Protocol names accepted in [[cport]] entries.
const (
	ProtocolUART     = "uart"
	ProtocolLoopback = "loopback"
)

// DefaultMetricsListen is the metrics listen address; empty disables the
// endpoint.
const DefaultMetricsListen = ""

// Duration is a time.Duration written as a Go duration string ("200ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the apbridge configuration.
type Config struct {
	Log      Log      `toml:"log"`
	Host     Host     `toml:"host"`
	Fabric   Fabric   `toml:"fabric"`
	UART     UART     `toml:"uart"`
	Loopback Loopback `toml:"loopback"`
	CPorts   []CPort  `toml:"cport"`
	Metrics  Metrics  `toml:"metrics"`
}

// Log selects the log level and output format.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Host configures the FIFO host link.
type Host struct {
	BusDir  string `toml:"bus_dir"`
	Buffers int    `toml:"buffers"`
}

// Fabric configures the cport connect retry policy.
type Fabric struct {
	ConnectInterval Duration `toml:"connect_interval"`
	WarnAfter       int      `toml:"warn_after"`
}

// UART configures the receive buffer pool of every uart cport.
type UART struct {
	Entries    int `toml:"entries"`
	BufferSize int `toml:"buffer_size"`
}

// Loopback configures generated loopback traffic.
type Loopback struct {
	Type   string  `toml:"type"` // "ping", "transfer" or "sink"
	Size   int     `toml:"size"`
	Count  int     `toml:"count"`
	Rate   float64 `toml:"rate"`
	Window int     `toml:"window"`
}

// CPort binds a host-facing cport to the module-side cport that runs
// Protocol.
type CPort struct {
	ID       uint16 `toml:"id"`
	Peer     uint16 `toml:"peer"`
	Protocol string `toml:"protocol"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file is given: one uart
// and one loopback cport.
func Default() Config {
	return Config{
		Log: Log{
			Level:  "warn",
			Format: "text",
		},
		Host: Host{
			BusDir: "/tmp/softgb",
		},
		Fabric: Fabric{
			ConnectInterval: Duration(fabric.DefaultRetryInterval),
			WarnAfter:       fabric.DefaultWarnAfter,
		},
		UART: UART{
			Entries:    uart.DefaultEntries,
			BufferSize: uart.DefaultBufferSize,
		},
		Loopback: Loopback{
			Type:   "ping",
			Count:  100,
			Window: loopback.DefaultWindow,
		},
		CPorts: []CPort{
			{ID: 1, Peer: 0x101, Protocol: ProtocolUART},
			{ID: 2, Peer: 0x102, Protocol: ProtocolLoopback},
		},
		Metrics: Metrics{Listen: DefaultMetricsListen},
	}
}

// Load reads path over the defaults and validates the result. A file that
// defines [[cport]] replaces the default cport list.
func Load(path string) (Config, error) {
	cfg := Default()
	cports := cfg.CPorts
	cfg.CPorts = nil

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", keys[0].String())
	}
	if !meta.IsDefined("cport") {
		cfg.CPorts = cports
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cport bindings.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	if c.Host.Buffers < 0 {
		return fmt.Errorf("host.buffers %d: must not be negative", c.Host.Buffers)
	}
	if c.Fabric.ConnectInterval < 0 {
		return fmt.Errorf("fabric.connect_interval %s: must not be negative", time.Duration(c.Fabric.ConnectInterval))
	}
	if c.Fabric.WarnAfter < 0 {
		return fmt.Errorf("fabric.warn_after %d: must not be negative", c.Fabric.WarnAfter)
	}
	if c.UART.Entries < 0 || c.UART.BufferSize < 0 {
		return fmt.Errorf("uart: entries %d, buffer_size %d: must not be negative", c.UART.Entries, c.UART.BufferSize)
	}

	if _, err := c.Loopback.RequestType(); err != nil {
		return err
	}
	if c.Loopback.Size < 0 || c.Loopback.Size > loopback.MaxDataSize {
		return fmt.Errorf("loopback.size %d: must be within 0..%d", c.Loopback.Size, loopback.MaxDataSize)
	}
	if c.Loopback.Count < 0 || c.Loopback.Rate < 0 || c.Loopback.Window < 0 {
		return fmt.Errorf("loopback: count, rate and window must not be negative")
	}

	if len(c.CPorts) == 0 {
		return fmt.Errorf("no cports configured")
	}
	used := make(map[uint16]struct{}, 2*len(c.CPorts))
	for i, cp := range c.CPorts {
		switch cp.Protocol {
		case ProtocolUART, ProtocolLoopback:
		default:
			return fmt.Errorf("cport[%d] protocol %q: must be %s or %s", i, cp.Protocol, ProtocolUART, ProtocolLoopback)
		}
		if cp.ID == cp.Peer {
			return fmt.Errorf("cport[%d]: id and peer are both %d", i, cp.ID)
		}
		for _, n := range []uint16{cp.ID, cp.Peer} {
			if _, ok := used[n]; ok {
				return fmt.Errorf("cport[%d]: cport %d used twice", i, n)
			}
			used[n] = struct{}{}
		}
	}
	return nil
}

// HostCPorts returns the host-facing cport numbers in file order.
func (c Config) HostCPorts() []uint16 {
	out := make([]uint16, 0, len(c.CPorts))
	for _, cp := range c.CPorts {
		out = append(out, cp.ID)
	}
	return out
}

// RequestType maps the configured request name to its operation type.
func (l Loopback) RequestType() (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(l.Type)) {
	case "", "ping":
		return loopback.TypePing, nil
	case "transfer":
		return loopback.TypeTransfer, nil
	case "sink":
		return loopback.TypeSink, nil
	}
	return 0, fmt.Errorf("loopback.type %q: must be ping, transfer or sink", l.Type)
}

// Options converts the section to traffic generator options.
func (l Loopback) Options() (loopback.Options, error) {
	typ, err := l.RequestType()
	if err != nil {
		return loopback.Options{}, err
	}
	return loopback.Options{
		Type:   typ,
		Size:   l.Size,
		Count:  l.Count,
		Rate:   l.Rate,
		Window: l.Window,
	}, nil
}

// Config converts the section to a uart driver configuration.
func (u UART) Config() uart.Config {
	return uart.Config{Entries: u.Entries, BufferSize: u.BufferSize}
}
