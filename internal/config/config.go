package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds relay server configuration
type Config struct {
	// Server
	Host        string `env:"HOST"        envDefault:"0.0.0.0"`
	Port        int    `env:"PORT"        envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Authentication
	JWTSecret string `env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`

	// Storage. DatabaseURL selects Postgres; otherwise SQLitePath is used.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"docsync.db"`

	// Redis (optional). Empty disables the permission cache and fan-out.
	RedisURL           string        `env:"REDIS_URL"`
	RedisChannelPrefix string        `env:"REDIS_CHANNEL_PREFIX" envDefault:"docsync"`
	PermissionCacheTTL time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"5m"`

	// CORS
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// How often dirty relay documents are written to storage.
	PersistInterval time.Duration `env:"PERSIST_INTERVAL" envDefault:"5s"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}
	if c.PersistInterval <= 0 {
		return errors.New("PERSIST_INTERVAL must be positive")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return errors.New("one of DATABASE_URL or SQLITE_PATH is required")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
