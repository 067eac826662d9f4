// Package config holds the sender's configuration: the application server's
// VAPID key pair, the JWT subject and expiry, and the default TTL.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	// DefaultSubject is the VAPID sub claim used when none is configured.
	DefaultSubject = "mailto:name@example.com"
	// DefaultExpiration is the default JWT lifetime in seconds.
	DefaultExpiration = 43200
	// DefaultTTL is the default TTL header value in seconds.
	DefaultTTL = 2419200
)

// Config is loaded once and never mutated by the sender.
//
// The keys are not validated here. A malformed key is reported by every send
// as keys.ErrInvalidPrivateKey or keys.ErrInvalidPublicKey.
type Config struct {
	// PublicKey is the base64url uncompressed P-256 public key. It is also
	// sent verbatim in the Crypto-Key header.
	PublicKey string `env:"WEBPUSH_PUBLIC_KEY"`
	// PrivateKey is the base64url 32-byte private scalar.
	PrivateKey string `env:"WEBPUSH_PRIVATE_KEY"`

	Subject    string `env:"WEBPUSH_SUBJECT, default=mailto:name@example.com"`
	Expiration int64  `env:"WEBPUSH_EXPIRATION, default=43200"`
	TTL        int64  `env:"WEBPUSH_TTL, default=2419200"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading webpush config: %w", err)
	}
	return cfg, nil
}

// LoadFrom reads the configuration from a map of environment-style keys.
func LoadFrom(ctx context.Context, env map[string]string) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	}); err != nil {
		return Config{}, fmt.Errorf("loading webpush config: %w", err)
	}
	return cfg, nil
}

// ExpirationDuration returns the JWT lifetime, falling back to the default
// when unset or not positive.
func (c Config) ExpirationDuration() time.Duration {
	if c.Expiration <= 0 {
		return DefaultExpiration * time.Second
	}
	return time.Duration(c.Expiration) * time.Second
}

// TTLSeconds returns the TTL header value, falling back to the default when
// unset or not positive.
func (c Config) TTLSeconds() int64 {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}

// SubjectOrDefault returns the configured subject or DefaultSubject.
func (c Config) SubjectOrDefault() string {
	if c.Subject == "" {
		return DefaultSubject
	}
	return c.Subject
}
