package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = ":8085"
	defaultMarket     = "config/market.toml"
	defaultIssuer     = "nhbstable"
	defaultAudience   = "stabled"
	defaultJournalDSN = "stabled-journal.db"

	// EnvJWTSecret overrides auth.jwt_secret so the secret can stay out of
	// the file.
	EnvJWTSecret = "STABLED_JWT_SECRET"
	// EnvEnvironment selects the deployment environment label.
	EnvEnvironment = "NHB_ENV"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the stable engine daemon.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	MarketPath      string          `yaml:"market"`
	Environment     string          `yaml:"env"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Journal         JournalConfig   `yaml:"journal"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	Log             LogConfig       `yaml:"log"`
}

// AuthConfig configures HMAC-signed bearer tokens.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	Leeway    Duration `yaml:"leeway"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TelemetryConfig toggles OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if value, ok := lookup(EnvJWTSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Auth.JWTSecret = value
	}
	if value, ok := lookup(EnvEnvironment); ok && strings.TrimSpace(value) != "" {
		cfg.Environment = value
	}
	if value, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && strings.TrimSpace(value) != "" {
		cfg.Telemetry.Endpoint = value
	}
	if value, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			cfg.Telemetry.Insecure = parsed
		}
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.MarketPath = strings.TrimSpace(cfg.MarketPath)
	if cfg.MarketPath == "" {
		cfg.MarketPath = defaultMarket
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = 5 * time.Second
	}
	cfg.Auth.normalize()
	cfg.RateLimit.normalize()
	cfg.Journal.normalize()
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.Leeway.Duration <= 0 {
		cfg.Leeway.Duration = 30 * time.Second
	}
}

func (cfg AuthConfig) validate() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be configured (or set %s)", EnvJWTSecret)
	}
	if len(cfg.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 bytes")
	}
	return nil
}

func (cfg *RateLimitConfig) normalize() {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
}

func (cfg *JournalConfig) normalize() {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" && cfg.Driver == "sqlite" {
		cfg.DSN = defaultJournalDSN
	}
}

func (cfg JournalConfig) validate() error {
	switch cfg.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return fmt.Errorf("dsn required for %s", cfg.Driver)
	}
	return nil
}
