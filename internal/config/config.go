package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`
	BaseURL       string `mapstructure:"BASE_URL"`

	HeartbeatInterval    time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	DrainInterval        time.Duration `mapstructure:"DRAIN_INTERVAL"`
	DispatchWorkers      int           `mapstructure:"DISPATCH_WORKERS"`
	HTTPTimeout          time.Duration `mapstructure:"HTTP_TIMEOUT"`
	TestSinkDomains      []string      `mapstructure:"TEST_SINK_DOMAINS"`
	SigningKey           string        `mapstructure:"NOTIFY_SIGNING_KEY"`
	MaxConsecutiveErrors int           `mapstructure:"MAX_CONSECUTIVE_ERRORS"`

	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `mapstructure:"S3_FORCE_PATH_STYLE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "BASE_URL",
	"HEARTBEAT_INTERVAL", "DRAIN_INTERVAL", "DISPATCH_WORKERS", "HTTP_TIMEOUT",
	"TEST_SINK_DOMAINS", "NOTIFY_SIGNING_KEY", "MAX_CONSECUTIVE_ERRORS",
	"S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_FORCE_PATH_STYLE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("HEARTBEAT_INTERVAL", "2s")
	v.SetDefault("DRAIN_INTERVAL", "1s")
	v.SetDefault("DISPATCH_WORKERS", 8)
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("MAX_CONSECUTIVE_ERRORS", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper splits the env value on commas but leaves the padding
	cfg.TestSinkDomains = splitList(strings.Join(cfg.TestSinkDomains, ","))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether subscriptions live in PostgreSQL. Without a
// DATABASE_URL the server runs against an in-memory store.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// UsesS3 reports whether an S3 object store is configured for the storage
// and data-lake channels.
func (c *Config) UsesS3() bool {
	return c.S3Region != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("DRAIN_INTERVAL must be positive, got %s", c.DrainInterval)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.DispatchWorkers)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_ERRORS must not be negative, got %d", c.MaxConsecutiveErrors)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// S3 credentials come as a pair; either both or neither.
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	if !c.UsesS3() && (c.S3Endpoint != "" || c.S3AccessKeyID != "") {
		return fmt.Errorf("S3_REGION is required when S3 settings are provided")
	}

	if c.IsProduction() && c.SigningKey == "" {
		return fmt.Errorf("NOTIFY_SIGNING_KEY is required in production")
	}
	return nil
}
