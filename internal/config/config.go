// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// devJWTSecret is the development default. Load rejects it unless dev_mode
// is set; shipping it to production would let anyone mint tokens.
const devJWTSecret = "your-secret-key-change-in-production"

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	KeyServer KeyClientConfig `yaml:"key_server"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Providers ProvidersConfig `yaml:"providers"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	Workers         int           `yaml:"workers"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds counter-store connection settings.
type RedisConfig struct {
	URL                 string        `yaml:"url"`
	PoolSize            int           `yaml:"pool_size"`
	MinIdleConns        int           `yaml:"min_idle_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// AuthConfig holds JWT validation settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	DevMode   bool   `yaml:"dev_mode"`
}

// KeyClientConfig locates the Key Allocator socket.
type KeyClientConfig struct {
	Socket string `yaml:"socket"`
}

// PrivacyConfig tunes the privacy pipeline.
type PrivacyConfig struct {
	DecoyCount   int    `yaml:"decoy_count"`
	DefaultModel string `yaml:"default_model"` // auto-created stateful sessions
}

// ProvidersConfig locates the provider catalog and per-provider overrides.
type ProvidersConfig struct {
	CatalogFile string            `yaml:"catalog_file"`
	BaseURLs    map[string]string `yaml:"base_urls"` // provider -> base URL override
}

// TimeoutConfig bounds calls to external collaborators.
type TimeoutConfig struct {
	Provider     time.Duration `yaml:"provider"`
	SecretStore  time.Duration `yaml:"secret_store"`
	CounterStore time.Duration `yaml:"counter_store"`
}

// RateLimitConfig holds per-user rate limiting settings.
type RateLimitConfig struct {
	PerMinute int64 `yaml:"per_minute"` // 0 = unlimited
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// variable values. An unset variable without a default is left intact.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		m := envPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(val)
		}
		if len(m[2]) > 0 {
			return m[2][2:] // strip ":-"
		}
		return match
	})
}

// Load reads and parses the gateway YAML config, expanding environment
// variables and applying defaults before unmarshal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			Workers:         4,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:                 "redis://localhost:6379/0",
			PoolSize:            1000,
			MinIdleConns:        50,
			HealthCheckInterval: 30 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: devJWTSecret,
		},
		KeyServer: KeyClientConfig{
			Socket: "/tmp/keyserver.sock",
		},
		Privacy: PrivacyConfig{
			DecoyCount:   2,
			DefaultModel: "OpenAI/gpt-4o-mini",
		},
		Timeouts: TimeoutConfig{
			Provider:     180 * time.Second,
			SecretStore:  30 * time.Second,
			CounterStore: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 100,
		},
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret == devJWTSecret && !c.Auth.DevMode {
		return fmt.Errorf("auth.jwt_secret is the development default; set WEB_SERVER_JWT_SECRET or enable dev_mode")
	}
	if strings.TrimSpace(c.KeyServer.Socket) == "" {
		return fmt.Errorf("key_server.socket is required")
	}
	return nil
}
