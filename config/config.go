// Package config loads runtime configuration for the payment workflow
// service. Values come from an optional TOML file, with environment variables
// taking precedence so deployments can override individual settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the payment workflow service.
type Config struct {
	Env                string        `toml:"env"`
	Port               string        `toml:"port"`
	DatabaseURL        string        `toml:"database_url"`
	BlobRoot           string        `toml:"blob_root"`
	RateLimitPerMinute float64       `toml:"rate_limit_per_minute"`
	RateBurst          int           `toml:"rate_burst"`
	ShutdownGrace      time.Duration `toml:"-"`
	Auth               AuthConfig    `toml:"auth"`
	Log                LogConfig     `toml:"log"`
}

// AuthConfig captures bearer-token settings.
type AuthConfig struct {
	Secret   string        `toml:"secret"`
	Issuer   string        `toml:"issuer"`
	Audience string        `toml:"audience"`
	TokenTTL time.Duration `toml:"-"`
}

// LogConfig controls the optional rotating file sink alongside stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load reads the TOML file named by PAYFLOW_CONFIG (if set), then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               "8080",
		RateLimitPerMinute: 120,
		RateBurst:          20,
		ShutdownGrace:      10 * time.Second,
		Auth:               AuthConfig{TokenTTL: 8 * time.Hour},
		Log:                LogConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}

	if path := strings.TrimSpace(os.Getenv("PAYFLOW_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("PAYFLOW_DB_URL is required")
	}
	if cfg.BlobRoot == "" {
		return nil, fmt.Errorf("PAYFLOW_BLOB_ROOT is required")
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("PAYFLOW_JWT_SECRET is required")
	}
	if cfg.Auth.Issuer == "" {
		return nil, fmt.Errorf("PAYFLOW_JWT_ISSUER is required")
	}
	if cfg.Auth.Audience == "" {
		return nil, fmt.Errorf("PAYFLOW_JWT_AUDIENCE is required")
	}
	if cfg.RateLimitPerMinute < 0 {
		cfg.RateLimitPerMinute = 0
	}
	cfg.Port = normalizePort(cfg.Port)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PAYFLOW_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("PAYFLOW_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("PAYFLOW_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PAYFLOW_BLOB_ROOT"); v != "" {
		cfg.BlobRoot = v
	}
	if v := os.Getenv("PAYFLOW_JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("PAYFLOW_JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("PAYFLOW_JWT_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("PAYFLOW_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if ttl := parseIntEnv("PAYFLOW_TOKEN_TTL_MINUTES", 0); ttl > 0 {
		cfg.Auth.TokenTTL = time.Duration(ttl) * time.Minute
	}
	if limit := parseFloatEnv("PAYFLOW_RATE_LIMIT_PER_MINUTE", -1); limit >= 0 {
		cfg.RateLimitPerMinute = limit
	}
	if burst := parseIntEnv("PAYFLOW_RATE_BURST", 0); burst > 0 {
		cfg.RateBurst = burst
	}
	if grace := parseIntEnv("PAYFLOW_SHUTDOWN_GRACE_SECONDS", 0); grace > 0 {
		cfg.ShutdownGrace = time.Duration(grace) * time.Second
	}
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return def
}
