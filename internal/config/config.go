// Package config loads the server configuration from .env and the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration bag.
type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	BaseURL string `mapstructure:"BASE_URL"`

	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	DBConnTimeout time.Duration `mapstructure:"DB_CONN_TIMEOUT"`
	DBIdleTimeout time.Duration `mapstructure:"DB_IDLE_TIMEOUT"`

	CacheEnabled bool          `mapstructure:"CACHE_ENABLED"`
	CacheMaxSize int           `mapstructure:"CACHE_MAX_SIZE"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"`

	// SpecDir holds the FHIR definition bundles (profiles-resources.json,
	// profiles-types.json, search-parameters.json) plus any platform overlay.
	SpecDir string `mapstructure:"SPEC_DIR"`

	AuthJWTSecret  string `mapstructure:"AUTH_JWT_SECRET"`
	DefaultProject string `mapstructure:"DEFAULT_PROJECT"`
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8103")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8103")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_CONN_TIMEOUT", "10s")
	v.SetDefault("DB_IDLE_TIMEOUT", "5m")
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MAX_SIZE", 4096)
	v.SetDefault("CACHE_TTL", "1m")
	v.SetDefault("SPEC_DIR", "definitions")

	for _, key := range []string{
		"PORT", "ENV", "BASE_URL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_TIMEOUT", "DB_IDLE_TIMEOUT",
		"CACHE_ENABLED", "CACHE_MAX_SIZE", "CACHE_TTL",
		"SPEC_DIR", "AUTH_JWT_SECRET", "DEFAULT_PROJECT",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required keys.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	return nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
