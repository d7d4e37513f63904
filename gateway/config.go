package gateway

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds process-level gateway configuration, read from the
// environment and optionally layered under a YAML file.
type Config struct {
	Port             int    `yaml:"port"`
	UpstreamBaseURL  string `yaml:"upstream_base_url"`
	CredentialCount  int    `yaml:"credential_count"`
	RefreshURL       string `yaml:"refresh_url"`
	RedisAddr        string `yaml:"redis_addr"`
	CooldownFloorSec int    `yaml:"cooldown_floor_seconds"`
	InboundRPS       float64 `yaml:"inbound_rps"`
}

// DefaultConfig returns the gateway's out-of-the-box defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:             8080,
		UpstreamBaseURL:  "http://localhost:9000",
		CredentialCount:  4,
		RefreshURL:       "http://localhost:9000/oauth2/token",
		CooldownFloorSec: 30,
		InboundRPS:       0, // 0 disables the inbound limiter
	}
}

// LoadConfig loads a YAML file (if path is non-empty) over the defaults,
// then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.CredentialCount <= 0 {
		return nil, fmt.Errorf("invalid configuration: credential_count must be positive")
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("invalid configuration: upstream_base_url is required")
	}

	return cfg, nil
}

// applyEnvOverrides overrides cfg fields from GATEWAY_* environment
// variables when present.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("GATEWAY_UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("GATEWAY_CREDENTIAL_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CredentialCount = n
		}
	}
	if v := os.Getenv("GATEWAY_REFRESH_URL"); v != "" {
		cfg.RefreshURL = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_COOLDOWN_FLOOR_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CooldownFloorSec = n
		}
	}
	if v := os.Getenv("GATEWAY_INBOUND_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.InboundRPS = f
		}
	}
}
