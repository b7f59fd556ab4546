// Package config loads daemon configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob the daemon exposes. Values come from an
// optional YAML file, overridden by ANALYSISD_* environment variables.
type Config struct {
	Listen   string         `mapstructure:"listen"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// DatabaseConfig selects the state store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `mapstructure:"dsn"`
}

// AuthConfig configures the JWT verifier.
type AuthConfig struct {
	// Secret is the HMAC key tokens are signed with.
	Secret string `mapstructure:"secret"`
	// AdminRole is the role claim value granting admin routes.
	AdminRole string `mapstructure:"admin_role"`
}

// BackendConfig points at the external analysis computation.
type BackendConfig struct {
	// URL is the base URL of the stage computation service.
	URL string `mapstructure:"url"`
	// StageTimeout bounds one stage invocation attempt.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// StageAttempts bounds attempts per stage.
	StageAttempts int `mapstructure:"stage_attempts"`
}

// PipelineConfig shapes the orchestrator.
type PipelineConfig struct {
	// Concurrency bounds jobs running stages at once.
	Concurrency int `mapstructure:"concurrency"`
	// PollInterval is the claim loop's poll interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SweeperConfig shapes the recovery sweeper.
type SweeperConfig struct {
	// Threshold is the staleness threshold.
	Threshold time.Duration `mapstructure:"threshold"`
	// Interval is the sweep cadence.
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from the given file (optional when empty)
// plus the environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "analysis.db")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.stage_timeout", 2*time.Minute)
	v.SetDefault("backend.stage_attempts", 3)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.poll_interval", 500*time.Millisecond)
	v.SetDefault("sweeper.threshold", 4*time.Hour)
	v.SetDefault("sweeper.interval", 5*time.Minute)

	v.SetEnvPrefix("ANALYSISD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	return nil
}
