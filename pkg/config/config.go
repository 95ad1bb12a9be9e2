package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"pepehouse/pkg/utils"
	"pepehouse/pkg/validation"

	"gopkg.in/yaml.v2"
)

type CodecConfig struct {
	Kind       string                 `yaml:"kind"`
	MimeType   string                 `yaml:"mime_type"`
	ClockRate  uint32                 `yaml:"clock_rate"`
	Channels   uint16                 `yaml:"channels,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
		// TrustedProxies are the IPs or CIDRs allowed to set X-Forwarded-For.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendQueueSize  int           `yaml:"send_queue_size"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Media struct {
		ListenIP    string `yaml:"listen_ip"`
		AnnouncedIP string `yaml:"announced_ip"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		InitialAvailableOutgoingBitrate uint32        `yaml:"initial_available_outgoing_bitrate"`
		MaxIncomingBitrate              uint32        `yaml:"max_incoming_bitrate"`
		MaxSctpMessageSize              uint32        `yaml:"max_sctp_message_size"`
		Codecs                          []CodecConfig `yaml:"codecs"`
	} `yaml:"media"`

	Room struct {
		AudioLevelObserver struct {
			MaxEntries int           `yaml:"max_entries"`
			Threshold  int           `yaml:"threshold"`
			Interval   time.Duration `yaml:"interval"`
		} `yaml:"audio_level_observer"`
		Bot struct {
			MaxMessageSize uint32 `yaml:"max_message_size"`
		} `yaml:"bot"`
	} `yaml:"room"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		RoomClaimTTL time.Duration `yaml:"room_claim_ttl"`
		KeyPrefix    string        `yaml:"key_prefix"`
		EventChannel string        `yaml:"event_channel"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if err := validation.ValidateNonEmptyString(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must be >= 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	for i, proxy := range c.Server.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("server.trusted_proxies[%d]: %w", i, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("server.trusted_proxies[%d]: %q is not an IP or CIDR", i, proxy)
		}
	}

	// Signal
	if err := validation.ValidateNonEmptyString(c.Signal.Path, "signal.path"); err != nil {
		return err
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	// Media
	if err := validation.ValidateNonEmptyString(c.Media.ListenIP, "media.listen_ip"); err != nil {
		return err
	}
	if err := validation.ValidateBitrate(c.Media.InitialAvailableOutgoingBitrate); err != nil {
		return fmt.Errorf("media.initial_available_outgoing_bitrate: %w", err)
	}
	if c.Media.MaxIncomingBitrate > 0 {
		if err := validation.ValidateBitrate(c.Media.MaxIncomingBitrate); err != nil {
			return fmt.Errorf("media.max_incoming_bitrate: %w", err)
		}
	}
	if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
		return fmt.Errorf("media.port_range.min and max must be set")
	}
	if c.Media.PortRange.Min >= c.Media.PortRange.Max {
		return fmt.Errorf("media.port_range.min must be < max")
	}
	if c.Media.MaxSctpMessageSize == 0 {
		return fmt.Errorf("media.max_sctp_message_size must be > 0")
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" {
			return fmt.Errorf("media.codecs[%d].mime_type must not be empty", i)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d].clock_rate must be > 0", i)
		}
	}

	// Room
	if c.Room.AudioLevelObserver.MaxEntries <= 0 {
		return fmt.Errorf("room.audio_level_observer.max_entries must be > 0")
	}
	if c.Room.AudioLevelObserver.Threshold < -127 || c.Room.AudioLevelObserver.Threshold > 0 {
		return fmt.Errorf("room.audio_level_observer.threshold must be within [-127, 0]")
	}
	if c.Room.AudioLevelObserver.Interval < 250*time.Millisecond {
		return fmt.Errorf("room.audio_level_observer.interval must be >= 250ms")
	}
	if c.Room.Bot.MaxMessageSize == 0 {
		return fmt.Errorf("room.bot.max_message_size must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.RoomClaimTTL < time.Second {
			return fmt.Errorf("redis.room_claim_ttl must be >= 1s when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// no file: defaults plus environment
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies environment overrides, fills in the instance id and
// validates the result.
func (c *Config) finish() error {
	c.applyEnvOverrides()
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = utils.GenerateInstanceID()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadFirst loads the first existing file among paths, or defaults when
// none exists. It returns the path that was used ("" for defaults).
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg := DefaultConfig()
	if err := cfg.finish(); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":5000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // websocket connections are long-lived
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 20 * time.Second
	cfg.Signal.MaxMessageSize = 960000
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Media.ListenIP = "0.0.0.0"
	cfg.Media.AnnouncedIP = "127.0.0.1"
	cfg.Media.PortRange.Min = 40000
	cfg.Media.PortRange.Max = 49999
	cfg.Media.InitialAvailableOutgoingBitrate = 1000000
	cfg.Media.MaxIncomingBitrate = 1500000
	cfg.Media.MaxSctpMessageSize = 262144
	cfg.Media.Codecs = DefaultCodecs()

	cfg.Room.AudioLevelObserver.MaxEntries = 1
	cfg.Room.AudioLevelObserver.Threshold = -80
	cfg.Room.AudioLevelObserver.Interval = 800 * time.Millisecond
	cfg.Room.Bot.MaxMessageSize = 512

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.RoomClaimTTL = 30 * time.Second
	cfg.Redis.KeyPrefix = "pepehouse:"
	cfg.Redis.EventChannel = "pepehouse:events"

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "pepehouse"
	cfg.Auth.TokenTTL = 15 * time.Minute

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

// DefaultCodecs is the router codec set offered to every room.
func DefaultCodecs() []CodecConfig {
	startBitrate := map[string]interface{}{"x-google-start-bitrate": 1000}
	withStart := func(params map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{}
		for k, v := range params {
			out[k] = v
		}
		for k, v := range startBitrate {
			out[k] = v
		}
		return out
	}

	return []CodecConfig{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, Parameters: withStart(nil)},
		{Kind: "video", MimeType: "video/VP9", ClockRate: 90000, Parameters: withStart(map[string]interface{}{
			"profile-id": 2,
		})},
		{Kind: "video", MimeType: "video/h264", ClockRate: 90000, Parameters: withStart(map[string]interface{}{
			"packetization-mode":      1,
			"profile-level-id":        "4d0032",
			"level-asymmetry-allowed": 1,
		})},
		{Kind: "video", MimeType: "video/h264", ClockRate: 90000, Parameters: withStart(map[string]interface{}{
			"packetization-mode":      1,
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": 1,
		})},
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PEPEHOUSE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("PEPEHOUSE_INSTANCE_ID"); id != "" {
		c.Server.InstanceID = id
	}
	if level := os.Getenv("PEPEHOUSE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("PEPEHOUSE_LISTEN_IP"); ip != "" {
		c.Media.ListenIP = ip
	}
	if ip := os.Getenv("PEPEHOUSE_ANNOUNCED_IP"); ip != "" {
		c.Media.AnnouncedIP = ip
	}
	if port, err := strconv.ParseUint(os.Getenv("PEPEHOUSE_MIN_PORT"), 10, 16); err == nil {
		c.Media.PortRange.Min = uint16(port)
	}
	if port, err := strconv.ParseUint(os.Getenv("PEPEHOUSE_MAX_PORT"), 10, 16); err == nil {
		c.Media.PortRange.Max = uint16(port)
	}
	if addr := os.Getenv("PEPEHOUSE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("PEPEHOUSE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
