package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, validBaseConfig().Validate())
}

func TestDefaultConfig_MediaDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, uint16(40000), cfg.Media.PortRange.Min)
	assert.Equal(t, uint16(49999), cfg.Media.PortRange.Max)
	assert.Equal(t, uint32(1000000), cfg.Media.InitialAvailableOutgoingBitrate)
	assert.Equal(t, uint32(1500000), cfg.Media.MaxIncomingBitrate)
	assert.Equal(t, uint32(262144), cfg.Media.MaxSctpMessageSize)
	assert.Equal(t, int64(960000), cfg.Signal.MaxMessageSize)
	assert.Equal(t, uint32(512), cfg.Room.Bot.MaxMessageSize)
	assert.Equal(t, 800*time.Millisecond, cfg.Room.AudioLevelObserver.Interval)

	codecs := cfg.Media.Codecs
	require.Len(t, codecs, 5)
	assert.Equal(t, "audio/opus", codecs[0].MimeType)
	assert.Equal(t, uint16(2), codecs[0].Channels)
	for _, c := range codecs[1:] {
		assert.Equal(t, 1000, c.Parameters["x-google-start-bitrate"], c.MimeType)
	}
	assert.Equal(t, 2, codecs[2].Parameters["profile-id"])
	assert.Equal(t, "4d0032", codecs[3].Parameters["profile-level-id"])
	assert.Equal(t, "42e01f", codecs[4].Parameters["profile-level-id"])
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_TracingAndProxies(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.JaegerURL = "https://jaeger.internal:14268/api/traces"
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.7", "2001:db8::/32"}

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"blank signal path", func(c *Config) { c.Signal.Path = "  " }},
		{"outgoing bitrate too low", func(c *Config) { c.Media.InitialAvailableOutgoingBitrate = 1000 }},
		{"incoming bitrate too high", func(c *Config) { c.Media.MaxIncomingBitrate = 200000000 }},
		{"pong timeout not above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero request timeout", func(c *Config) { c.Signal.RequestTimeout = 0 }},
		{"zero max message size", func(c *Config) { c.Signal.MaxMessageSize = 0 }},
		{"inverted port range", func(c *Config) { c.Media.PortRange.Min, c.Media.PortRange.Max = 50000, 40000 }},
		{"missing port range", func(c *Config) { c.Media.PortRange.Max = 0 }},
		{"no codecs", func(c *Config) { c.Media.Codecs = nil }},
		{"bad codec kind", func(c *Config) { c.Media.Codecs[0].Kind = "text" }},
		{"threshold above zero", func(c *Config) { c.Room.AudioLevelObserver.Threshold = 5 }},
		{"observer interval too short", func(c *Config) { c.Room.AudioLevelObserver.Interval = 10 * time.Millisecond }},
		{"zero bot message size", func(c *Config) { c.Room.Bot.MaxMessageSize = 0 }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"redis claim ttl too short", func(c *Config) { c.Redis.Enabled = true; c.Redis.RoomClaimTTL = time.Millisecond }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
		{"tracing without jaeger url", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "" }},
		{"tracing jaeger url without scheme", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "localhost:14268" }},
		{"tracing jaeger url without host", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "http:///api/traces" }},
		{"trusted proxy not an ip", func(c *Config) { c.Server.TrustedProxies = []string{"proxy.local"} }},
		{"trusted proxy bad cidr", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/99"} }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":7000"
media:
  announced_ip: "203.0.113.7"
  port_range:
    min: 41000
    max: 41999
room:
  bot:
    max_message_size: 256
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "203.0.113.7", cfg.Media.AnnouncedIP)
	assert.Equal(t, uint16(41000), cfg.Media.PortRange.Min)
	assert.Equal(t, uint32(256), cfg.Room.Bot.MaxMessageSize)
	// untouched sections keep their defaults
	assert.Len(t, cfg.Media.Codecs, 5)
	assert.Equal(t, "/ws", cfg.Signal.Path)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("media:\n  port_range:\n    min: 50000\n    max: 40000\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PEPEHOUSE_ANNOUNCED_IP", "198.51.100.1")
	t.Setenv("PEPEHOUSE_LOG_LEVEL", "debug")
	t.Setenv("PEPEHOUSE_MIN_PORT", "42000")

	cfg, _, err := LoadFirst(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.1", cfg.Media.AnnouncedIP)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, uint16(42000), cfg.Media.PortRange.Min)
}

func TestLoad_InstanceID(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := Load(missing)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Server.InstanceID)

	t.Setenv("PEPEHOUSE_INSTANCE_ID", "node-7")
	cfg, err = Load(missing)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.Server.InstanceID)
}
