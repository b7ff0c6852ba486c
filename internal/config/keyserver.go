package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// KeyServerConfig is the top-level configuration for the Key Allocator daemon.
type KeyServerConfig struct {
	Socket    string          `yaml:"socket"`
	KeysFile  string          `yaml:"keys_file"`
	Redis     RedisConfig     `yaml:"redis"`
	Vault     VaultConfig     `yaml:"vault"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// VaultConfig holds secret-store connection settings.
type VaultConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
	Mount string `yaml:"mount"`
}

// LoadKeyServer reads and parses the keyserver YAML config.
func LoadKeyServer(path string) (*KeyServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &KeyServerConfig{
		Socket: "/tmp/keyserver.sock",
		Redis: RedisConfig{
			URL:                 "redis://localhost:6379/1",
			PoolSize:            100,
			MinIdleConns:        10,
			HealthCheckInterval: 30 * time.Second,
		},
		Vault: VaultConfig{
			Addr:  "http://localhost:8200",
			Mount: "secret",
		},
		Timeouts: TimeoutConfig{
			SecretStore:  30 * time.Second,
			CounterStore: 5 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.Socket) == "" {
		return nil, fmt.Errorf("socket is required")
	}
	return cfg, nil
}
