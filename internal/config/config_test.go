package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("TEST_SESSION_SECRET", "from-env")
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8081"
  allowed_origins: ["https://desk.example"]
  shutdown_timeout: "3s"
database:
  dsn: "postgres://app@db/recoverdesk"
  op_timeout: "2s"
redis:
  addr: "redis:6379"
auth:
  secret: "${TEST_SESSION_SECRET}"
  csrf_key: "csrf-key"
  session_ttl: "48h"
otp:
  ttl: "5m"
  max_attempts: 3
ratelimit:
  sweep_interval: "1m"
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("secret not expanded: %q", cfg.Auth.Secret)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8081" || cfg.Server.GRPCAddr != ":9090" {
		t.Errorf("unexpected addrs: %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second || cfg.Database.OpTimeout != 2*time.Second {
		t.Errorf("durations not parsed: %v %v", cfg.Server.ShutdownTimeout, cfg.Database.OpTimeout)
	}
	if cfg.Auth.SessionTTL != 48*time.Hour || cfg.Auth.SignupTokenTTL != 24*time.Hour {
		t.Errorf("unexpected ttls: %v %v", cfg.Auth.SessionTTL, cfg.Auth.SignupTokenTTL)
	}
	if cfg.OTP.TTL != 5*time.Minute || cfg.OTP.MaxAttempts != 3 {
		t.Errorf("unexpected otp config: %+v", cfg.OTP)
	}
	if cfg.RateLimit.SweepInterval != time.Minute || cfg.RateLimit.Retention != time.Hour {
		t.Errorf("unexpected ratelimit config: %+v", cfg.RateLimit)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.KeyPrefix != "recoverdesk:rl" {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://desk.example" {
		t.Errorf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_MissingSecretIsFatal(t *testing.T) {
	path := writeConfig(t, `
auth:
  csrf_key: "k"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("RECOVERDESK_AUTH_SECRET", "s3cret")
	t.Setenv("RECOVERDESK_CSRF_KEY", "csrf")
	t.Setenv("RECOVERDESK_INSECURE_COOKIES", "true")
	t.Setenv("RECOVERDESK_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RECOVERDESK_SESSION_TTL", "1h")
	t.Setenv("RECOVERDESK_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Auth.InsecureCookies {
		t.Error("insecure cookies override ignored")
	}
	if cfg.Auth.SessionTTL != time.Hour {
		t.Errorf("session ttl override ignored: %v", cfg.Auth.SessionTTL)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	if len(cfg.Server.TrustedProxies) != 2 || cfg.Server.TrustedProxies[0] != "10.0.0.0/8" {
		t.Errorf("unexpected trusted proxies: %v", cfg.Server.TrustedProxies)
	}
	if cfg.Database.DSN != "" {
		t.Errorf("expected in-memory mode, got dsn %q", cfg.Database.DSN)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"bad duration": "auth:\n  secret: a\n  csrf_key: b\n  session_ttl: soon\n",
		"shared keys":  "auth:\n  secret: same\n  csrf_key: same\n",
		"bad yaml":     "auth: [\n",
		"bad proxy":    "auth:\n  secret: a\n  csrf_key: b\nserver:\n  trusted_proxies: [\"lb.internal\"]\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	env := map[string]string{"RECOVERDESK_INSECURE_COOKIES": "maybe"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	if err := applyEnv(Default(), lookup); err == nil {
		t.Fatal("expected error for non-boolean")
	}
	env = map[string]string{"RECOVERDESK_DATABASE_OP_TIMEOUT": "fast"}
	if err := applyEnv(Default(), lookup); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
