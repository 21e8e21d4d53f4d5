// Package config loads service configuration in three layers: built-in
// defaults, an optional YAML file (CONFIG_PATH or ./config.yaml), then
// environment variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "/etc/payverify/config.yaml"}

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Webhooks  WebhooksConfig  `koanf:"webhooks"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the store. Driver is inferred from URL when empty:
// postgres:// URLs use Postgres, sqlite:<path> or file: use SQLite, and no
// URL means the in-memory store.
type DatabaseConfig struct {
	Driver  string `koanf:"driver" validate:"omitempty,oneof=memory postgres sqlite"`
	URL     string `koanf:"url"`
	Migrate bool   `koanf:"migrate"`
}

type RedisConfig struct {
	URL     string        `koanf:"url"`
	LockKey string        `koanf:"lock_key"`
	LockTTL time.Duration `koanf:"lock_ttl"`
}

type WebhooksConfig struct {
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	BaseDelay     time.Duration `koanf:"base_delay" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gte=1s"`
	SweepBatch    int           `koanf:"sweep_batch" validate:"min=1,max=1000"`
	ClaimLease    time.Duration `koanf:"claim_lease" validate:"gt=0"`
	Concurrency   int           `koanf:"concurrency" validate:"min=1,max=256"`
	RateLimit     float64       `koanf:"rate_limit" validate:"gte=0"`
	RateBurst     int           `koanf:"rate_burst" validate:"gte=0"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures" validate:"min=1"`
	OpenTimeout         time.Duration `koanf:"open_timeout" validate:"gt=0"`
}

type AuthConfig struct {
	Mode          string `koanf:"mode" validate:"oneof=dev hmac jwks"`
	HMACSecret    string `koanf:"hmac_secret" validate:"required_if=Mode hmac"`
	JWKSURL       string `koanf:"jwks_url" validate:"required_if=Mode jwks,omitempty,url"`
	MerchantClaim string `koanf:"merchant_claim" validate:"required"`
	AdminRole     string `koanf:"admin_role"`
}

type RateLimitConfig struct {
	RPS   int `koanf:"rps" validate:"gte=0"`
	Burst int `koanf:"burst" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{},
		Redis:    RedisConfig{LockKey: "payverify:webhooks:sweep", LockTTL: 5 * time.Minute},
		Webhooks: WebhooksConfig{
			Timeout:       10 * time.Second,
			BaseDelay:     time.Minute,
			SweepInterval: 5 * time.Minute,
			SweepBatch:    100,
			ClaimLease:    2 * time.Minute,
			Concurrency:   8,
			Breaker:       BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: time.Minute},
		},
		Auth:      AuthConfig{Mode: "dev", MerchantClaim: "merchant", AdminRole: "admin"},
		RateLimit: RateLimitConfig{RPS: 0, Burst: 0},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.Database.Driver = cfg.Database.ResolveDriver()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("configuration validation failed: database.url is required for driver %s", c.Database.Driver)
	}
	return nil
}

// ResolveDriver returns the explicit driver or infers it from the URL.
func (d DatabaseConfig) ResolveDriver() string {
	if d.Driver != "" {
		return d.Driver
	}
	switch {
	case d.URL == "":
		return "memory"
	case strings.HasPrefix(d.URL, "postgres://"), strings.HasPrefix(d.URL, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// SQLitePath strips the sqlite: or file: scheme from the URL.
func (d DatabaseConfig) SQLitePath() string {
	p := strings.TrimPrefix(d.URL, "sqlite://")
	p = strings.TrimPrefix(p, "sqlite:")
	return p
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings keeps the deployment's established variable names.
var envMappings = map[string]string{
	"port":                     "server.port",
	"shutdown_timeout":         "server.shutdown_timeout",
	"database_url":             "database.url",
	"database_driver":          "database.driver",
	"db_migrate":               "database.migrate",
	"redis_url":                "redis.url",
	"redis_lock_key":           "redis.lock_key",
	"redis_lock_ttl":           "redis.lock_ttl",
	"webhook_timeout":          "webhooks.timeout",
	"webhook_base_delay":       "webhooks.base_delay",
	"webhook_sweep_interval":   "webhooks.sweep_interval",
	"webhook_sweep_batch":      "webhooks.sweep_batch",
	"webhook_claim_lease":      "webhooks.claim_lease",
	"webhook_concurrency":      "webhooks.concurrency",
	"webhook_rate_limit":       "webhooks.rate_limit",
	"webhook_rate_burst":       "webhooks.rate_burst",
	"webhook_breaker":          "webhooks.breaker.enabled",
	"webhook_breaker_failures": "webhooks.breaker.consecutive_failures",
	"webhook_breaker_timeout":  "webhooks.breaker.open_timeout",
	"auth_mode":                "auth.mode",
	"auth_hmac_secret":         "auth.hmac_secret",
	"auth_jwks_url":            "auth.jwks_url",
	"auth_merchant_claim":      "auth.merchant_claim",
	"auth_admin_role":          "auth.admin_role",
	"rate_rps":                 "rate_limit.rps",
	"rate_burst":               "rate_limit.burst",
	"log_level":                "logging.level",
	"log_format":               "logging.format",
	"log_caller":               "logging.caller",
}

// envTransformFunc maps an environment variable onto a config path. Unknown
// variables map to "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
