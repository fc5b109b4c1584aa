package sshsession

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultSoftwareVersion, cfg.SoftwareVersion)
	assert.Equal(t, uint32(DefaultMaxPacketSize), cfg.MaxPacketSize)
	assert.Equal(t, uint32(DefaultInitialWindowSize), cfg.InitialWindowSize)
	assert.Equal(t, uint32(DefaultChannelMaxPacket), cfg.ChannelMaxPacket)
	assert.Equal(t, DefaultMaxChannels, cfg.MaxChannels)
	assert.Equal(t, int64(DefaultRekeyBytes), cfg.RekeyBytes)
	assert.Equal(t, DefaultRekeyInterval, cfg.RekeyInterval)
	assert.Equal(t, DefaultAuthTimeout, cfg.AuthTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultMonitorTick, cfg.MonitorTick)
	assert.Zero(t, cfg.KeepAliveInterval)
	require.NoError(t, cfg.Validate())
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		SoftwareVersion: "custom_2.3",
		MaxPacketSize:   64 * 1024,
		MaxChannels:     -1,
		AuthTimeout:     -1,
	}
	cfg.applyDefaults()
	assert.Equal(t, "custom_2.3", cfg.SoftwareVersion)
	assert.Equal(t, uint32(64*1024), cfg.MaxPacketSize)
	// Negative means unlimited/disabled and must not be overwritten.
	assert.Equal(t, -1, cfg.MaxChannels)
	assert.Equal(t, time.Duration(-1), cfg.AuthTimeout)
	// Untouched fields still pick up defaults.
	assert.Equal(t, uint32(DefaultChannelMaxPacket), cfg.ChannelMaxPacket)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny max packet", func(c *Config) { c.MaxPacketSize = 512 }},
		{"channel packet does not fit", func(c *Config) { c.ChannelMaxPacket = c.MaxPacketSize }},
		{"zero window", func(c *Config) { c.InitialWindowSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshcore.toml")
	text := `
software_version = "loaded_0.9"
max_packet_size = 131072
initial_window_size = 262144
channel_max_packet = 16384
max_channels = 32
close_grace_timeout = "5s"
rekey_bytes = 1048576
rekey_interval = "30m"
auth_timeout = "90s"
idle_timeout = "15m"
monitor_tick = "250ms"
keepalive_interval = "20s"
`
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "loaded_0.9", cfg.SoftwareVersion)
	assert.Equal(t, uint32(131072), cfg.MaxPacketSize)
	assert.Equal(t, uint32(262144), cfg.InitialWindowSize)
	assert.Equal(t, uint32(16384), cfg.ChannelMaxPacket)
	assert.Equal(t, 32, cfg.MaxChannels)
	assert.Equal(t, 5*time.Second, cfg.CloseGraceTimeout)
	assert.Equal(t, int64(1048576), cfg.RekeyBytes)
	assert.Equal(t, 30*time.Minute, cfg.RekeyInterval)
	assert.Equal(t, 90*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 15*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MonitorTick)
	assert.Equal(t, 20*time.Second, cfg.KeepAliveInterval)
}

func TestLoadConfigPartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(`max_channels = 4`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxChannels)
	assert.Equal(t, DefaultSoftwareVersion, cfg.SoftwareVersion)
	assert.Equal(t, uint32(DefaultMaxPacketSize), cfg.MaxPacketSize)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(`idle_timeout = "soon"`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
