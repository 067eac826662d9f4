// Package vapid provides VAPID (Voluntary Application Server Identification)
// utilities for Web Push: the ES256 JWT sent in the Authorization header and
// helpers for the browser-side applicationServerKey.
package vapid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultExpiration is used when a Generator is built with a zero expiration.
const DefaultExpiration = 12 * time.Hour

// ErrMissingAudience is returned when a token is built without an audience.
var ErrMissingAudience = errors.New("vapid: audience is not set")

// header is fixed for every token; the push service only accepts ES256.
var header = []byte(`{"typ":"JWT","alg":"ES256"}`)

// Signer produces ES256 signatures for VAPID tokens.
type Signer interface {
	// Sign returns the IEEE P1363 signature (r || s, 64 bytes) over
	// signingInput.
	Sign(ctx context.Context, signingInput []byte) ([]byte, error)

	// PublicKey returns the uncompressed public key.
	PublicKey() []byte
}

// claims is serialized in field order: aud, exp, sub.
type claims struct {
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	Subject   string `json:"sub"`
}

// Generator builds a single VAPID token. It is not safe for concurrent use;
// create one per request.
type Generator struct {
	signer     Signer
	subject    string
	expiration time.Duration
	now        func() time.Time

	audience  string
	expiresAt int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source used to compute default expiries.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator returns a Generator that signs with signer on behalf of
// subject (a mailto: or https: URL). Tokens expire after expiration unless
// WillExpireAt or WillExpireIn is called.
func NewGenerator(signer Signer, subject string, expiration time.Duration, opts ...Option) *Generator {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	g := &Generator{
		signer:     signer,
		subject:    subject,
		expiration: expiration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithAudience sets the origin of the push service the token is meant for.
func (g *Generator) WithAudience(aud string) *Generator {
	g.audience = aud
	return g
}

// WillExpireAt sets the expiry to the given Unix time.
func (g *Generator) WillExpireAt(unix int64) *Generator {
	g.expiresAt = unix
	return g
}

// WillExpireIn sets the expiry to now + d.
func (g *Generator) WillExpireIn(d time.Duration) *Generator {
	g.expiresAt = g.now().Add(d).Unix()
	return g
}

// ExpiresAt returns the expiry as Unix seconds, or 0 if not yet set.
func (g *Generator) ExpiresAt() int64 {
	return g.expiresAt
}

// Header returns the JOSE header.
func (g *Generator) Header() ([]byte, error) {
	return bytes.Clone(header), nil
}

// Payload returns the claims set. An unset expiry is fixed at now plus the
// configured expiration.
func (g *Generator) Payload() ([]byte, error) {
	if g.audience == "" {
		return nil, ErrMissingAudience
	}
	if g.expiresAt == 0 {
		g.WillExpireIn(g.expiration)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(claims{
		Audience:  g.audience,
		ExpiresAt: g.expiresAt,
		Subject:   g.subject,
	}); err != nil {
		return nil, fmt.Errorf("encoding claims: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the signing input (base64url header "." base64url payload)
// and its signature.
func (g *Generator) Sign(ctx context.Context) (string, []byte, error) {
	h, err := g.Header()
	if err != nil {
		return "", nil, err
	}
	p, err := g.Payload()
	if err != nil {
		return "", nil, err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p)
	sig, err := g.signer.Sign(ctx, []byte(signingInput))
	if err != nil {
		return "", nil, fmt.Errorf("signing JWT: %w", err)
	}
	return signingInput, sig, nil
}

// Serialize returns the compact JWT.
func (g *Generator) Serialize(ctx context.Context) (string, error) {
	signingInput, sig, err := g.Sign(ctx)
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(key)
}
