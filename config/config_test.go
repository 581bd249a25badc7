package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wispberry-tech/wispy-guard/core"
)

func TestLoad_Env(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/var/lib/clinic/guard.db")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("RATE_LIMIT_REQUESTS", "250")
	t.Setenv("SESSION_LIFETIME", "8h")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://portal.clinic.test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Env != EnvLocal {
		t.Errorf("Expected defaults, got addr %q env %q", cfg.HTTP.Addr, cfg.Env)
	}
	if cfg.Database.SQLitePath != "/var/lib/clinic/guard.db" {
		t.Errorf("Unexpected SQLite path %q", cfg.Database.SQLitePath)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("Unexpected brokers %v", cfg.Kafka.Brokers)
	}

	sc := cfg.CoreSecurityConfig()
	if sc.RateLimitRequests != 250 || sc.SessionLifetime != 8*time.Hour {
		t.Errorf("Expected overrides, got limit %d lifetime %v", sc.RateLimitRequests, sc.SessionLifetime)
	}
	if sc.RateLimitWindow != time.Minute || !sc.EnableCSRF {
		t.Error("Expected unset values to keep their defaults")
	}
	if err := sc.Validate(); err != nil {
		t.Errorf("Expected a valid security config, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `env: prod
log_level: warn
database:
  driver: postgres
  dsn: postgres://guard@db/clinic
security:
  rate_limit_failure_policy: fail_closed
  session_failure_policy: fail_open
  disable_csrf: true
  blocked_ips: ["198.51.100.0/24"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != EnvProd || cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("Unexpected env %q level %v", cfg.Env, cfg.SlogLevel())
	}
	sc := cfg.CoreSecurityConfig()
	if sc.RateLimitFailurePolicy != core.FailClosed || sc.SessionFailurePolicy != core.FailOpen || sc.EnableCSRF {
		t.Errorf("Unexpected security config %+v", sc)
	}
	if len(sc.BlockedIPs) != 1 || sc.BlockedIPs[0] != "198.51.100.0/24" {
		t.Errorf("Unexpected blocked IPs %v", sc.BlockedIPs)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("unknown_driver", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "mysql")
		if _, err := Load(""); err == nil {
			t.Error("Expected an error for an unsupported driver")
		}
	})
	t.Run("postgres_without_dsn", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "")
		if _, err := Load(""); err == nil {
			t.Error("Expected an error without DATABASE_URL")
		}
	})
}
