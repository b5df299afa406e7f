// Package config loads server configuration from an optional YAML file with
// ${VAR} expansion, then applies RECOVERDESK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is fatal at start-up: sessions cannot be signed without it.
var ErrMissingSecret = errors.New("auth.secret is required")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	OTP       OTPConfig       `yaml:"otp"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Peers (IPs or CIDRs) whose X-Forwarded-For is believed. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
	BodyLimitBytes int64    `yaml:"body_limit_bytes"`
	// Coarse per-IP throttle in front of every route.
	ThrottleRPS   float64 `yaml:"throttle_rps"`
	ThrottleBurst int     `yaml:"throttle_burst"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// DSN selects Postgres stores; empty runs on in-memory stores.
	DSN string `yaml:"dsn"`

	OpTimeout    time.Duration `yaml:"-"`
	OpTimeoutRaw string        `yaml:"op_timeout"`
}

type RedisConfig struct {
	// Addr selects the shared limiter; empty keeps limits per process.
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type AuthConfig struct {
	Secret          string `yaml:"secret"`
	CSRFKey         string `yaml:"csrf_key"`
	InsecureCookies bool   `yaml:"insecure_cookies"`

	SessionTTL        time.Duration `yaml:"-"`
	SessionTTLRaw     string        `yaml:"session_ttl"`
	SignupTokenTTL    time.Duration `yaml:"-"`
	SignupTokenTTLRaw string        `yaml:"signup_token_ttl"`
}

type OTPConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

type RateLimitConfig struct {
	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
	Retention        time.Duration `yaml:"-"`
	RetentionRaw     string        `yaml:"retention"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or override sets a field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			AllowedOrigins:  []string{"http://localhost:3000"},
			BodyLimitBytes:  1 << 20,
			ThrottleRPS:     20,
			ThrottleBurst:   40,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{OpTimeout: 5 * time.Second},
		Redis:    RedisConfig{KeyPrefix: "recoverdesk:rl"},
		Auth: AuthConfig{
			SessionTTL:     7 * 24 * time.Hour,
			SignupTokenTTL: 24 * time.Hour,
		},
		OTP: OTPConfig{MaxAttempts: 5, TTL: 10 * time.Minute},
		RateLimit: RateLimitConfig{
			SweepInterval: 10 * time.Minute,
			Retention:     time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return ErrMissingSecret
	}
	if strings.TrimSpace(c.Auth.CSRFKey) == "" {
		return errors.New("auth.csrf_key is required")
	}
	if c.Auth.CSRFKey == c.Auth.Secret {
		return errors.New("auth.csrf_key must differ from auth.secret")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.OpTimeout <= 0 {
		return errors.New("database.op_timeout must be positive")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.SignupTokenTTL <= 0 {
		return errors.New("auth token lifetimes must be positive")
	}
	if c.OTP.TTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return errors.New("otp.ttl and otp.max_attempts must be positive")
	}
	if c.RateLimit.SweepInterval <= 0 || c.RateLimit.Retention <= 0 {
		return errors.New("ratelimit.sweep_interval and ratelimit.retention must be positive")
	}
	if c.Server.ThrottleRPS < 0 || c.Server.ThrottleBurst < 0 {
		return errors.New("server throttle values must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: invalid entry %q", p)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.op_timeout", cfg.Database.OpTimeoutRaw, &cfg.Database.OpTimeout},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"auth.signup_token_ttl", cfg.Auth.SignupTokenTTLRaw, &cfg.Auth.SignupTokenTTL},
		{"otp.ttl", cfg.OTP.TTLRaw, &cfg.OTP.TTL},
		{"ratelimit.sweep_interval", cfg.RateLimit.SweepIntervalRaw, &cfg.RateLimit.SweepInterval},
		{"ratelimit.retention", cfg.RateLimit.RetentionRaw, &cfg.RateLimit.Retention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

const envPrefix = "RECOVERDESK_"

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("AUTH_SECRET", &cfg.Auth.Secret)
	str("CSRF_KEY", &cfg.Auth.CSRFKey)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "TRUSTED_PROXIES"); ok {
		cfg.Server.TrustedProxies = splitList(v)
	}
	if v, ok := lookup(envPrefix + "INSECURE_COOKIES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sINSECURE_COOKIES: %w", envPrefix, err)
		}
		cfg.Auth.InsecureCookies = b
	}
	for name, dst := range map[string]*time.Duration{
		"DATABASE_OP_TIMEOUT": &cfg.Database.OpTimeout,
		"SESSION_TTL":         &cfg.Auth.SessionTTL,
		"SIGNUP_TOKEN_TTL":    &cfg.Auth.SignupTokenTTL,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
