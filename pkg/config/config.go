// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the WayGate process configuration
// from environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// MinSecretLength is the minimum length for ENCRYPTION_KEY and SESSION_SECRET.
const MinSecretLength = 32

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the fully resolved process configuration.
type Config struct {
	// Environment is "development" or "production".
	Environment string

	// ListenAddr is the HTTP listen address (host:port).
	ListenAddr string

	// IssuerBaseURL is the public base URL; the canonical issuer for a
	// tenant is IssuerBaseURL + "/a/" + slug.
	IssuerBaseURL string

	// DatabaseURL selects the relational backend. Supported schemes:
	// postgres:// (pgx) and sqlite: (modernc). Defaults to an on-disk
	// sqlite file in development.
	DatabaseURL string

	// RedisURL enables the redis-backed fast store and pub/sub when set.
	RedisURL string

	// EncryptionKey seals private JWKs and provider secrets (AES key is
	// derived by SHA-256). Must be at least MinSecretLength characters.
	EncryptionKey string

	// SessionSecret signs browser session material. Must be at least
	// MinSecretLength characters.
	SessionSecret string

	// SMTP settings; all empty means the dev mailer (debug links) is used.
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// RateLimits holds per-tenant/per-client overrides, parsed from the
	// RATE_LIMITS JSON blob.
	RateLimits RateLimitOverrides

	// RateLimitRules is the raw RATE_LIMIT_RULES JSON blob that
	// replaces the built-in global quotas, for example
	// {"token_ip":{"limit":100,"window_seconds":60}}.
	RateLimitRules string

	// Debug enables debug logging.
	Debug bool
}

// RateLimitOverrides maps "<tenant>" or "<tenant>/<clientID>" to a
// capacity/window override for the named endpoint class.
type RateLimitOverrides map[string]RateLimitOverride

// RateLimitOverride overrides a single rate-limit rule.
type RateLimitOverride struct {
	Endpoint   string `json:"endpoint"`
	Capacity   int    `json:"capacity"`
	WindowSecs int    `json:"window_secs"`
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// TenantIssuer returns the canonical issuer URL for a tenant slug.
func (c *Config) TenantIssuer(slug string) string {
	return strings.TrimSuffix(c.IssuerBaseURL, "/") + "/a/" + slug
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", EnvDevelopment)
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "sqlite:waygate.db")
	v.SetDefault("SMTP_PORT", 587)

	cfg := &Config{
		Environment:    v.GetString("ENVIRONMENT"),
		ListenAddr:     v.GetString("LISTEN_ADDR"),
		IssuerBaseURL:  v.GetString("ISSUER_BASE_URL"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		RedisURL:       v.GetString("REDIS_URL"),
		EncryptionKey:  v.GetString("ENCRYPTION_KEY"),
		SessionSecret:  v.GetString("SESSION_SECRET"),
		SMTPHost:       v.GetString("SMTP_HOST"),
		SMTPPort:       v.GetInt("SMTP_PORT"),
		SMTPUser:       v.GetString("SMTP_USER"),
		SMTPPass:       v.GetString("SMTP_PASS"),
		SMTPFrom:       v.GetString("SMTP_FROM"),
		RateLimitRules: v.GetString("RATE_LIMIT_RULES"),
		Debug:          v.GetBool("DEBUG"),
	}

	if raw := v.GetString("RATE_LIMITS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.RateLimits); err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMITS JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.IssuerBaseURL == "" {
		return errors.New("ISSUER_BASE_URL is required")
	}

	issuer, err := url.Parse(c.IssuerBaseURL)
	if err != nil || issuer.Host == "" {
		return fmt.Errorf("ISSUER_BASE_URL is not a valid URL: %q", c.IssuerBaseURL)
	}
	if c.IsProduction() && issuer.Scheme != "https" {
		return errors.New("ISSUER_BASE_URL must use https in production")
	}

	if len(c.EncryptionKey) < MinSecretLength {
		return fmt.Errorf("ENCRYPTION_KEY must be at least %d characters", MinSecretLength)
	}
	if len(c.SessionSecret) < MinSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", MinSecretLength)
	}

	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"),
		strings.HasPrefix(c.DatabaseURL, "sqlite:"):
	default:
		return fmt.Errorf("DATABASE_URL has unsupported scheme: %q", c.DatabaseURL)
	}

	return nil
}
