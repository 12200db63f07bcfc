// Package config loads runtime configuration from the environment (spec
// §6's recognized options) into a validated struct.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env is the deployment environment; production guardrails key off it.
type Env string

const (
	EnvDevelopment Env = "development"
	EnvTest        Env = "test"
	EnvProduction  Env = "production"
)

// Config holds every option spec §6 recognizes, plus the HTTP
// backpressure knob the engine's thin request layer needs.
type Config struct {
	DatabaseURL        string `env:"DATABASE_URL,required"`
	DatabaseSSL        bool   `env:"DATABASE_SSL" envDefault:"false"`
	AppEnv             Env    `env:"APP_ENV" envDefault:"development"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	Port               int    `env:"PORT" envDefault:"8080"`
	DBPoolSize         int    `env:"DB_POOL_SIZE" envDefault:"10"`
	PlatformFeePercent int    `env:"PLATFORM_FEE_PERCENT" envDefault:"3"`
	AuthExpiryDays     int    `env:"AUTH_EXPIRY_DAYS" envDefault:"7"`
	MaxInflight        int    `env:"HTTP_MAX_INFLIGHT" envDefault:"64"`
	RunMigrations      bool   `env:"DB_MIGRATE" envDefault:"false"`
}

// Load parses the process environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the bounds spec §6 documents for each option.
func (c *Config) Validate() error {
	switch c.AppEnv {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("config: app_env must be one of development|test|production, got %q", c.AppEnv)
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		return fmt.Errorf("config: platform_fee_percent must be 0-100, got %d", c.PlatformFeePercent)
	}
	if c.AuthExpiryDays < 1 || c.AuthExpiryDays > 30 {
		return fmt.Errorf("config: auth_expiry_days must be 1-30, got %d", c.AuthExpiryDays)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range, got %d", c.Port)
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("config: db_pool_size must be >= 1, got %d", c.DBPoolSize)
	}
	return nil
}

// IsProduction reports whether destructive admin operations must refuse.
func (c *Config) IsProduction() bool { return c.AppEnv == EnvProduction }
