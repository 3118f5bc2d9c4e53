package config

import (
	"fmt"
	"os"
	"time"

	"meshcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendRelay  = "relay"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Relay struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Signal struct {
		PingInterval  time.Duration `yaml:"ping_interval"`
		PongTimeout   time.Duration `yaml:"pong_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		SignalTTL     time.Duration `yaml:"signal_ttl"`
		SendQueueSize int           `yaml:"send_queue_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Call struct {
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		NegotiationRetries int           `yaml:"negotiation_retries"`
		TileBuffer         int           `yaml:"tile_buffer"`
		FlushTimeout       time.Duration `yaml:"flush_timeout"`
	} `yaml:"call"`

	Backend struct {
		Type string `yaml:"type"`
		// RelayURL is the websocket endpoint used when type is relay.
		RelayURL string `yaml:"relay_url"`
		Token    string `yaml:"token"`
	} `yaml:"backend"`

	Reliability struct {
		RetryEnabled     bool          `yaml:"retry_enabled"`
		MaxAttempts      int           `yaml:"max_attempts"`
		InitialDelay     time.Duration `yaml:"initial_delay"`
		MaxDelay         time.Duration `yaml:"max_delay"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"reliability"`

	Participant struct {
		ID          string        `yaml:"id"`
		DisplayName string        `yaml:"display_name"`
		RoomID      string        `yaml:"room_id"`
		ShareAfter  time.Duration `yaml:"share_after"`
		ShareFor    time.Duration `yaml:"share_for"`
	} `yaml:"participant"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.ReadTimeout <= 0 || c.Relay.WriteTimeout <= 0 || c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SignalTTL <= 0 {
		return fmt.Errorf("signal.signal_ttl must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("call.negotiation_timeout must be > 0")
	}
	if c.Call.NegotiationRetries < 0 {
		return fmt.Errorf("call.negotiation_retries must be >= 0")
	}
	if c.Call.TileBuffer <= 0 {
		return fmt.Errorf("call.tile_buffer must be > 0")
	}
	if c.Call.FlushTimeout <= 0 {
		return fmt.Errorf("call.flush_timeout must be > 0")
	}

	switch c.Backend.Type {
	case BackendMemory, BackendRedis:
	case BackendRelay:
		if c.Backend.RelayURL == "" {
			return fmt.Errorf("backend.relay_url must not be empty when backend.type=relay")
		}
		if err := validation.ValidateWebSocketURL(c.Backend.RelayURL); err != nil {
			return fmt.Errorf("backend.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("backend.type must be one of memory, redis, relay (got %q)", c.Backend.Type)
	}

	if c.Reliability.RetryEnabled {
		if c.Reliability.MaxAttempts <= 0 {
			return fmt.Errorf("reliability.max_attempts must be > 0 when retry is enabled")
		}
		if c.Reliability.InitialDelay <= 0 || c.Reliability.MaxDelay < c.Reliability.InitialDelay {
			return fmt.Errorf("reliability delays must satisfy 0 < initial_delay <= max_delay")
		}
	}
	if c.Reliability.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.failure_threshold must be > 0")
	}
	if c.Reliability.OpenTimeout <= 0 {
		return fmt.Errorf("reliability.open_timeout must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must be set when prometheus_enabled=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Backend.Type == BackendRedis {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when backend.type=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

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
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Address = ":8081"
	cfg.Relay.ReadTimeout = 30 * time.Second
	cfg.Relay.WriteTimeout = 30 * time.Second
	cfg.Relay.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SignalTTL = 10 * time.Minute
	cfg.Signal.SendQueueSize = 256

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Call.NegotiationTimeout = 30 * time.Second
	cfg.Call.NegotiationRetries = 1
	cfg.Call.TileBuffer = 64
	cfg.Call.FlushTimeout = 2 * time.Second

	cfg.Backend.Type = BackendMemory

	cfg.Reliability.RetryEnabled = true
	cfg.Reliability.MaxAttempts = 3
	cfg.Reliability.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.MaxDelay = 2 * time.Second
	cfg.Reliability.FailureThreshold = 5
	cfg.Reliability.OpenTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("MESHCALL_BACKEND"); backend != "" {
		c.Backend.Type = backend
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if url := os.Getenv("MESHCALL_RELAY_URL"); url != "" {
		c.Backend.RelayURL = url
	}
	if token := os.Getenv("MESHCALL_TOKEN"); token != "" {
		c.Backend.Token = token
	}
	if room := os.Getenv("MESHCALL_ROOM_ID"); room != "" {
		c.Participant.RoomID = room
	}
	if id := os.Getenv("MESHCALL_PARTICIPANT_ID"); id != "" {
		c.Participant.ID = id
	}
	if name := os.Getenv("MESHCALL_DISPLAY_NAME"); name != "" {
		c.Participant.DisplayName = name
	}
}
