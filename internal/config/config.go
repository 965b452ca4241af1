// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"SM_ADDR" envDefault:":8787"`

	// InstanceID attributes client records and queued messages to the server
	// instance that owns the WebSocket. DENO_DEPLOYMENT_ID is honored for
	// compatibility with the original deployment platform; INSTANCE_ID wins
	// when both are set. Empty means a random id is minted at startup.
	InstanceID       string `env:"INSTANCE_ID"`
	DeployInstanceID string `env:"DENO_DEPLOYMENT_ID"`

	// Shared KV. Empty RedisAddr selects the in-process memory store, which
	// limits the deployment to a single instance.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Session auth for protected controller routes.
	JWTSecret  string        `env:"SM_JWT_SECRET" envDefault:"dev-secret-change-me"`
	SessionTTL time.Duration `env:"SM_SESSION_TTL" envDefault:"12h"`

	// ICE server list returned by /ice-servers, as a JSON array. Empty falls
	// back to the static STUN entry.
	ICEServers string `env:"SM_ICE_SERVERS"`

	// Upgrade rate limiting on /signal.
	UpgradeRate  float64 `env:"SM_UPGRADE_RATE" envDefault:"50"`
	UpgradeBurst int     `env:"SM_UPGRADE_BURST" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = cfg.DeployInstanceID
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "instance-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SM_ADDR is required")
	}
	if c.UpgradeRate <= 0 {
		return fmt.Errorf("SM_UPGRADE_RATE must be > 0, got %.1f", c.UpgradeRate)
	}
	if c.UpgradeBurst < 1 {
		return fmt.Errorf("SM_UPGRADE_BURST must be >= 1, got %d", c.UpgradeBurst)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SM_SESSION_TTL must be > 0, got %s", c.SessionTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance_id", c.InstanceID).
		Str("redis_addr", c.RedisAddr).
		Float64("upgrade_rate", c.UpgradeRate).
		Int("upgrade_burst", c.UpgradeBurst).
		Dur("session_ttl", c.SessionTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
