// Package config loads the clinic server configuration from the environment,
// an optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/wispberry-tech/wispy-guard/core"
)

const (
	EnvDev   = "dev"
	EnvProd  = "prod"
	EnvLocal = "local"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	LogLevel string         `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Security SecurityConfig `yaml:"security"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"20s"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver     string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`
	DSN        string `yaml:"dsn" env:"DATABASE_URL"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"clinic.db"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_AUDIT_TOPIC" env-default:"clinic.security-events"`
}

// SecurityConfig mirrors core.SecurityConfig with environment bindings.
// Zero values fall back to core.DefaultSecurityConfig.
type SecurityConfig struct {
	RateLimitRequests      int           `yaml:"rate_limit_requests" env:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow        time.Duration `yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW"`
	RateLimitFailurePolicy string        `yaml:"rate_limit_failure_policy" env:"RATE_LIMIT_FAILURE_POLICY"`
	MaxRequestSize         int64         `yaml:"max_request_size" env:"MAX_REQUEST_SIZE"`
	AllowedIPs             []string      `yaml:"allowed_ips" env:"ALLOWED_IPS" env-separator:","`
	BlockedIPs             []string      `yaml:"blocked_ips" env:"BLOCKED_IPS" env-separator:","`
	TrustProxyHeaders      bool          `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	AllowedOrigins         []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:","`
	AllowCredentials       bool          `yaml:"allow_credentials" env:"CORS_ALLOW_CREDENTIALS"`
	DisableCSRF            bool          `yaml:"disable_csrf" env:"DISABLE_CSRF"`
	SessionLifetime        time.Duration `yaml:"session_lifetime" env:"SESSION_LIFETIME"`
	SessionRetention       time.Duration `yaml:"session_retention" env:"SESSION_RETENTION"`
	SessionFailurePolicy   string        `yaml:"session_failure_policy" env:"SESSION_FAILURE_POLICY"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval" env:"SESSION_CLEANUP_INTERVAL"`
	TOTPIssuer             string        `yaml:"totp_issuer" env:"TOTP_ISSUER"`
	AttackSignaturesFile   string        `yaml:"attack_signatures_file" env:"ATTACK_SIGNATURES_FILE"`
}

// Load reads .env (when present), then path (when non-empty), then the
// process environment. Later sources win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := new(Config)
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres driver")
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level. Unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CoreSecurityConfig overlays the configured values onto the defaults.
func (c *Config) CoreSecurityConfig() core.SecurityConfig {
	s := c.Security
	out := core.DefaultSecurityConfig()
	if s.RateLimitRequests > 0 {
		out.RateLimitRequests = s.RateLimitRequests
	}
	if s.RateLimitWindow > 0 {
		out.RateLimitWindow = s.RateLimitWindow
	}
	if s.RateLimitFailurePolicy != "" {
		out.RateLimitFailurePolicy = core.StoreFailurePolicy(s.RateLimitFailurePolicy)
	}
	if s.SessionFailurePolicy != "" {
		out.SessionFailurePolicy = core.StoreFailurePolicy(s.SessionFailurePolicy)
	}
	if s.MaxRequestSize > 0 {
		out.MaxRequestSize = s.MaxRequestSize
	}
	out.AllowedIPs = s.AllowedIPs
	out.BlockedIPs = s.BlockedIPs
	out.TrustProxyHeaders = s.TrustProxyHeaders
	out.AllowedOrigins = s.AllowedOrigins
	out.AllowCredentials = s.AllowCredentials
	out.EnableCSRF = !s.DisableCSRF
	if s.SessionLifetime > 0 {
		out.SessionLifetime = s.SessionLifetime
	}
	if s.SessionRetention > 0 {
		out.SessionRetention = s.SessionRetention
	}
	if s.CleanupInterval > 0 {
		out.CleanupInterval = s.CleanupInterval
	}
	if s.TOTPIssuer != "" {
		out.TOTPIssuer = s.TOTPIssuer
	}
	return out
}
