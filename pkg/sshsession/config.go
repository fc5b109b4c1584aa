package sshsession

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values, applied for zero fields.
const (
	DefaultSoftwareVersion   = "sshcore_1.0"
	DefaultMaxPacketSize     = 256 * 1024
	DefaultInitialWindowSize = 1024 * 1024
	DefaultChannelMaxPacket  = 32 * 1024
	DefaultMaxChannels       = 256
	DefaultCloseGraceTimeout = 15 * time.Second
	DefaultRekeyBytes        = 1 << 30 // 1 GiB per direction
	DefaultRekeyInterval     = time.Hour
	DefaultAuthTimeout       = 2 * time.Minute
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultMonitorTick       = time.Second
)

// Config is the manager's explicit, strongly typed configuration. There is
// deliberately no generic string-keyed property bag; every recognized option
// is enumerated here with its default, and resolution happens once at
// manager construction.
//
// Durations of zero or less disable the corresponding check; size fields of
// zero take their defaults.
type Config struct {
	// SoftwareVersion is the software name/version token in the
	// identification line ("SSH-2.0-<SoftwareVersion>").
	SoftwareVersion string

	// MaxPacketSize bounds total on-wire transport packet length in both
	// directions.
	MaxPacketSize uint32

	// InitialWindowSize is the receive window advertised per channel.
	InitialWindowSize uint32

	// ChannelMaxPacket is the largest per-message channel data payload
	// advertised to the peer.
	ChannelMaxPacket uint32

	// MaxChannels bounds live channels per session; opens beyond it are
	// rejected. Negative means unlimited.
	MaxChannels int

	// CloseGraceTimeout bounds how long a locally closed channel waits
	// for the peer's close before being torn down.
	CloseGraceTimeout time.Duration

	// RekeyBytes triggers a rekey after this many wire bytes in either
	// direction.
	RekeyBytes int64

	// RekeyInterval triggers a rekey after this much time since the last
	// key exchange.
	RekeyInterval time.Duration

	// AuthTimeout closes sessions still unauthenticated this long after
	// creation.
	AuthTimeout time.Duration

	// IdleTimeout closes sessions with no traffic for this long.
	IdleTimeout time.Duration

	// MonitorTick is the period of the session timeout monitor scan.
	MonitorTick time.Duration

	// KeepAliveInterval, when positive, makes each session send a
	// keepalive global request at this period.
	KeepAliveInterval time.Duration

	// HostKeyCallback, when set, is invoked on the client side with the
	// server's host key blob before keys are committed; returning an
	// error fails the key exchange. When nil the host key is accepted
	// without verification, which is only acceptable inside trusted
	// transports.
	HostKeyCallback func(algorithm string, blob []byte) error
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SoftwareVersion == "" {
		c.SoftwareVersion = DefaultSoftwareVersion
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = DefaultInitialWindowSize
	}
	if c.ChannelMaxPacket == 0 {
		c.ChannelMaxPacket = DefaultChannelMaxPacket
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.CloseGraceTimeout == 0 {
		c.CloseGraceTimeout = DefaultCloseGraceTimeout
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = DefaultRekeyBytes
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MonitorTick <= 0 {
		c.MonitorTick = DefaultMonitorTick
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.MaxPacketSize < 1024 {
		return fmt.Errorf("sshsession: MaxPacketSize %d is below the minimum of 1024", c.MaxPacketSize)
	}
	if c.ChannelMaxPacket+1024 > c.MaxPacketSize {
		return fmt.Errorf("sshsession: ChannelMaxPacket %d does not fit in MaxPacketSize %d", c.ChannelMaxPacket, c.MaxPacketSize)
	}
	if c.InitialWindowSize == 0 {
		return fmt.Errorf("sshsession: InitialWindowSize must be positive")
	}
	return nil
}

// fileConfig is the TOML shape of Config; durations are "10m"-style
// strings.
type fileConfig struct {
	SoftwareVersion   string `toml:"software_version"`
	MaxPacketSize     uint32 `toml:"max_packet_size"`
	InitialWindowSize uint32 `toml:"initial_window_size"`
	ChannelMaxPacket  uint32 `toml:"channel_max_packet"`
	MaxChannels       int    `toml:"max_channels"`
	CloseGraceTimeout string `toml:"close_grace_timeout"`
	RekeyBytes        int64  `toml:"rekey_bytes"`
	RekeyInterval     string `toml:"rekey_interval"`
	AuthTimeout       string `toml:"auth_timeout"`
	IdleTimeout       string `toml:"idle_timeout"`
	MonitorTick       string `toml:"monitor_tick"`
	KeepAliveInterval string `toml:"keepalive_interval"`
}

func parseOptDuration(name, s string, out *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("sshsession: bad %s duration %q: %w", name, s, err)
	}
	*out = d
	return nil
}

// LoadConfig reads a TOML configuration file, applies defaults to any
// unspecified field, and validates the result.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("sshsession: loading config %s: %w", path, err)
	}
	cfg := &Config{
		SoftwareVersion:   fc.SoftwareVersion,
		MaxPacketSize:     fc.MaxPacketSize,
		InitialWindowSize: fc.InitialWindowSize,
		ChannelMaxPacket:  fc.ChannelMaxPacket,
		MaxChannels:       fc.MaxChannels,
		RekeyBytes:        fc.RekeyBytes,
	}
	if err := parseOptDuration("close_grace_timeout", fc.CloseGraceTimeout, &cfg.CloseGraceTimeout); err != nil {
		return nil, err
	}
	if err := parseOptDuration("rekey_interval", fc.RekeyInterval, &cfg.RekeyInterval); err != nil {
		return nil, err
	}
	if err := parseOptDuration("auth_timeout", fc.AuthTimeout, &cfg.AuthTimeout); err != nil {
		return nil, err
	}
	if err := parseOptDuration("idle_timeout", fc.IdleTimeout, &cfg.IdleTimeout); err != nil {
		return nil, err
	}
	if err := parseOptDuration("monitor_tick", fc.MonitorTick, &cfg.MonitorTick); err != nil {
		return nil, err
	}
	if err := parseOptDuration("keepalive_interval", fc.KeepAliveInterval, &cfg.KeepAliveInterval); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
