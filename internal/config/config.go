// config.go

// Environment variable loading and validation, with an optional YAML file underneath.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// MinJWTSecretLen matches the token service's minimum HMAC key length.
const MinJWTSecretLen = 32

// Config holds all configuration for the manu server.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	JWTSecret    string
	Port         string
	LogLevel     slog.Level
	CookieSecure bool
	SiteName     string

	// OTP and token lifetimes. Defaults: 10m codes, 48h unverified, 720h verified.
	OTPTTL             time.Duration
	TokenTTLUnverified time.Duration
	TokenTTLVerified   time.Duration

	// Rate limit policy for login attempts per email.
	// Defaults: max=10, window=10m, lockout=15m.
	RateLoginEmailMax     int
	RateLoginEmailWindow  time.Duration
	RateLoginEmailLockout time.Duration

	// Rate limit policy for code submissions per session.
	// Defaults: max=5, window=10m, lockout=10m.
	RateOTPMax     int
	RateOTPWindow  time.Duration
	RateOTPLockout time.Duration

	// SMTP configuration for outbound email. All optional -- empty Host logs codes instead of sending.
	SMTPHost        string
	SMTPPort        string // defaults to 587
	SMTPUsername    string
	SMTPPassword    string
	SMTPFromAddress string

	// MailQueue hands mail to a Redis-backed worker instead of sending inline.
	// Defaults to true when SMTP is configured.
	MailQueue bool

	BlogPageSize int

	// TurnstileSecret enables the registration CAPTCHA when set.
	TurnstileSecret string
}

// source resolves a key from the environment first, then the config file.
// File keys are the lower-cased env names, e.g. database_url.
type source struct {
	k *koanf.Koanf
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s.k == nil {
		return ""
	}
	return s.k.String(strings.ToLower(key))
}

// LoadConfig reads configuration from the environment, layered over the YAML file
// named by CONFIG_FILE when set.
// Returns an error if DATABASE_URL, REDIS_URL or JWT_SECRET is missing.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load is LoadConfig with an explicit file path; empty path means environment only.
func Load(path string) (*Config, error) {
	src := source{}
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		src.k = k
	}

	cfg := &Config{}

	cfg.DatabaseURL = src.get("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = src.get("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	cfg.JWTSecret = src.get("JWT_SECRET")
	if len(cfg.JWTSecret) < MinJWTSecretLen {
		return nil, fmt.Errorf("JWT_SECRET is required and must be at least %d bytes", MinJWTSecretLen)
	}

	cfg.Port = src.get("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}
	cfg.SiteName = src.get("SITE_NAME")
	if cfg.SiteName == "" {
		cfg.SiteName = "manu blog"
	}

	// Parse log level, default to info
	switch strings.ToLower(src.get("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	// Default true -- only explicit "false" disables (plain-http local dev).
	cfg.CookieSecure = src.get("COOKIE_SECURE") != "false"

	cfg.OTPTTL = src.durationValue("OTP_TTL", 10*time.Minute)
	cfg.TokenTTLUnverified = src.durationValue("TOKEN_TTL_UNVERIFIED", 48*time.Hour)
	cfg.TokenTTLVerified = src.durationValue("TOKEN_TTL_VERIFIED", 720*time.Hour)

	// Invalid values fall back to the default so a misconfigured env doesn't silently disable rate limiting.
	cfg.RateLoginEmailMax = src.intValue("RATE_LOGIN_EMAIL_MAX", 10)
	cfg.RateLoginEmailWindow = src.durationValue("RATE_LOGIN_EMAIL_WINDOW", 10*time.Minute)
	cfg.RateLoginEmailLockout = src.durationValue("RATE_LOGIN_EMAIL_LOCKOUT", 15*time.Minute)
	cfg.RateOTPMax = src.intValue("RATE_OTP_MAX", 5)
	cfg.RateOTPWindow = src.durationValue("RATE_OTP_WINDOW", 10*time.Minute)
	cfg.RateOTPLockout = src.durationValue("RATE_OTP_LOCKOUT", 10*time.Minute)

	// SMTP -- all optional; empty Host means codes are only logged (NopSender).
	cfg.SMTPHost = src.get("SMTP_HOST")
	cfg.SMTPPort = src.get("SMTP_PORT")
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	cfg.SMTPUsername = src.get("SMTP_USERNAME")
	cfg.SMTPPassword = src.get("SMTP_PASSWORD")
	cfg.SMTPFromAddress = src.get("SMTP_FROM")
	if cfg.SMTPHost != "" && cfg.SMTPFromAddress == "" {
		return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	switch src.get("MAIL_QUEUE") {
	case "true":
		cfg.MailQueue = true
	case "false":
		cfg.MailQueue = false
	default:
		cfg.MailQueue = cfg.SMTPHost != ""
	}

	cfg.BlogPageSize = src.intValue("BLOG_PAGE_SIZE", 6)
	cfg.TurnstileSecret = src.get("TURNSTILE_SECRET")

	return cfg, nil
}

// intValue reads key as a positive int, returning def if missing or unparseable.
func (s source) intValue(key string, def int) int {
	v := s.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// durationValue reads key as a positive time.Duration, returning def if missing or unparseable.
func (s source) durationValue(key string, def time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
