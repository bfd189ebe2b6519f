// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package config loads gatehouse configuration from defaults, an optional
// YAML file, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds the full gatehouse runtime configuration.
type Config struct {
	Database      DatabaseConfig      `koanf:"database"`
	HTTP          HTTPConfig          `koanf:"http"`
	Observability ObservabilityConfig `koanf:"observability"`
	Session       SessionConfig       `koanf:"session"`
	Transfer      TransferConfig      `koanf:"transfer"`
	Verification  VerificationConfig  `koanf:"verification"`
	Cache         CacheConfig         `koanf:"cache"`
	SMTP          SMTPConfig          `koanf:"smtp"`
	Log           LogConfig           `koanf:"log"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// HTTPConfig holds the public HTTP listener settings.
type HTTPConfig struct {
	Addr string `koanf:"addr"`

	// PublicBaseURL is the externally reachable base URL used when
	// assembling verification and transfer links.
	PublicBaseURL string `koanf:"public_base_url"`
}

// ObservabilityConfig holds the metrics/health listener settings.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// SessionConfig holds session lifetime settings.
type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// TransferConfig holds transfer-token lifetime settings.
type TransferConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// VerificationConfig holds email-verification lifetime settings.
type VerificationConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// CacheConfig selects the expiring token cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend  string `koanf:"backend"`
	RedisURL string `koanf:"redis_url"`
}

// SMTPConfig holds outbound mail settings. An empty Addr selects the
// log-only mailer.
type SMTPConfig struct {
	Addr     string `koanf:"addr"`
	From     string `koanf:"from"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			PublicBaseURL: "http://localhost:8080",
		},
		Observability: ObservabilityConfig{
			Addr: ":9090",
		},
		Session:      SessionConfig{TTL: 8 * time.Hour},
		Transfer:     TransferConfig{TTL: 10 * time.Minute},
		Verification: VerificationConfig{TTL: 24 * time.Hour},
		Cache: CacheConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load assembles the configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file at path (skipped when path is empty),
// the DATABASE_URL environment variable, then flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"http.addr":            ":8080",
		"http.public_base_url": "http://localhost:8080",
		"observability.addr":   ":9090",
		"session.ttl":          8 * time.Hour,
		"transfer.ttl":         10 * time.Minute,
		"verification.ttl":     24 * time.Hour,
		"cache.backend":        "memory",
		"cache.redis_url":      "redis://localhost:6379",
		"log.format":           "json",
		"log.level":            "info",
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_DEFAULT_FAILED").With("key", key).Wrap(err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_FAILED").With("path", path).
				Wrapf(err, "failed to load config file")
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		if err := k.Set("database.url", url); err != nil {
			return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").
				Wrapf(err, "failed to load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").
			Wrapf(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	errb := oops.Code("CONFIG_INVALID")
	switch {
	case c.Session.TTL <= 0:
		return errb.With("session_ttl", c.Session.TTL).
			Errorf("session ttl must be positive")
	case c.Transfer.TTL <= 0:
		return errb.With("transfer_ttl", c.Transfer.TTL).
			Errorf("transfer ttl must be positive")
	case c.Verification.TTL <= 0:
		return errb.With("verification_ttl", c.Verification.TTL).
			Errorf("verification ttl must be positive")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return errb.With("cache_backend", c.Cache.Backend).
			Errorf("cache backend must be memory or redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return errb.Errorf("redis cache backend requires a redis url")
	}
	if c.SMTP.Addr != "" && c.SMTP.From == "" {
		return errb.Errorf("smtp requires a from address")
	}
	return nil
}
