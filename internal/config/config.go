package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds WebSocket endpoint settings.
type ServerConfig struct {
	Addr        string `json:"addr" yaml:"addr"`
	WSPath      string `json:"ws_path" yaml:"ws_path"`
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"`
	WorkDir     string `json:"work_dir" yaml:"work_dir"`
}

// LimitsConfig holds frame, upload and queue size limits.
type LimitsConfig struct {
	MaxFrameBytes  int64 `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	ChunkBytes     int64 `json:"chunk_bytes" yaml:"chunk_bytes"`
	MaxMailbox     int   `json:"max_mailbox" yaml:"max_mailbox"`
	MaxSendQueue   int   `json:"max_send_queue" yaml:"max_send_queue"`
}

// TimeoutsConfig holds lifecycle and heartbeat intervals.
type TimeoutsConfig struct {
	IdleTTL        time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	Heartbeat      time.Duration `json:"heartbeat" yaml:"heartbeat"`
	ReapInterval   time.Duration `json:"reap_interval" yaml:"reap_interval"`
	UploadTTL      time.Duration `json:"upload_ttl" yaml:"upload_ttl"`
}

// RedisConfig holds Redis connection settings for the distributed
// rate-limit backend.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// RateLimitConfig holds per-connection method invocation limits.
type RateLimitConfig struct {
	RPS   float64     `json:"rps" yaml:"rps"`
	Burst int         `json:"burst" yaml:"burst"`
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// AuthConfig holds signed-header authentication settings. Keys maps a
// key id to a hex-encoded Ed25519 public key. When disabled every
// connection gets the anonymous principal.
type AuthConfig struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	MaxSkew time.Duration     `json:"max_skew" yaml:"max_skew"`
	Keys    map[string]string `json:"keys" yaml:"keys"`
}

// LoggingConfig holds structured logging settings. InvokeLog, when set,
// appends one JSON line per method invocation to the given file.
type LoggingConfig struct {
	Format    string `json:"format" yaml:"format"`
	Level     string `json:"level" yaml:"level"`
	InvokeLog string `json:"invoke_log" yaml:"invoke_log"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ObservabilityConfig groups logging and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Limits        LimitsConfig        `json:"limits" yaml:"limits"`
	Timeouts      TimeoutsConfig      `json:"timeouts" yaml:"timeouts"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			WSPath:      "/ws",
			MetricsPath: "/metrics",
			WorkDir:     os.TempDir(),
		},
		Limits: LimitsConfig{
			MaxFrameBytes:  1 << 20,  // 1 MiB
			MaxUploadBytes: 32 << 20, // 32 MiB
			ChunkBytes:     256 << 10,
			MaxMailbox:     1024,
			MaxSendQueue:   256,
		},
		Timeouts: TimeoutsConfig{
			IdleTTL:        5 * time.Minute,
			HandlerTimeout: 15 * time.Second,
			Heartbeat:      20 * time.Second,
			ReapInterval:   30 * time.Second,
			UploadTTL:      10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Auth: AuthConfig{
			MaxSkew: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Format: "text", Level: "info"},
			Tracing: TracingConfig{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "fluxlive",
				SampleRate:  1.0,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selected by
// extension. Values not present in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FLUXLIVE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FLUXLIVE_WS_PATH"); v != "" {
		cfg.Server.WSPath = v
	}
	if v := os.Getenv("FLUXLIVE_WORK_DIR"); v != "" {
		cfg.Server.WorkDir = v
	}
	if v := os.Getenv("FLUXLIVE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("FLUXLIVE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("FLUXLIVE_INVOKE_LOG"); v != "" {
		cfg.Observability.Logging.InvokeLog = v
	}
	if v := os.Getenv("FLUXLIVE_REDIS_ADDR"); v != "" {
		cfg.RateLimit.Redis.Enabled = true
		cfg.RateLimit.Redis.Addr = v
	}
	if v := os.Getenv("FLUXLIVE_REDIS_PASSWORD"); v != "" {
		cfg.RateLimit.Redis.Password = v
	}
	if v := os.Getenv("FLUXLIVE_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("FLUXLIVE_IDLE_TTL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.Timeouts.IdleTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FLUXLIVE_HANDLER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.Timeouts.HandlerTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FLUXLIVE_HEARTBEAT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.Timeouts.Heartbeat = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FLUXLIVE_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Limits.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("FLUXLIVE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Limits.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("FLUXLIVE_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("FLUXLIVE_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.Burst = n
		}
	}
}
