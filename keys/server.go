package keys

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	_ "crypto/sha256" // registers crypto.SHA256 for thumbprints and ES256
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ServerKey is the application server's static VAPID key pair. It signs
// VAPID tokens with ES256.
type ServerKey struct {
	jwk        jose.JSONWebKey
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewServerKey builds a ServerKey from the base64url-encoded public point and
// private scalar, as found in configuration.
func NewServerKey(publicKeyB64, privateKeyB64 string) (*ServerKey, error) {
	priv, err := DecodePrivateKey(privateKeyB64)
	if err != nil {
		return nil, err
	}
	pub, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return nil, err
	}
	return newServerKey(pub, priv)
}

func newServerKey(pub, priv []byte) (*ServerKey, error) {
	// The scalar must be in range and must derive the configured point,
	// otherwise every token we sign would be rejected by the push service.
	derived, err := ecdh.P256().NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	if !bytes.Equal(derived.PublicKey().Bytes(), pub) {
		return nil, fmt.Errorf("%w: does not match the configured public key", ErrInvalidPrivateKey)
	}

	jwk, err := assembleJWK(pub, priv)
	if err != nil {
		return nil, err
	}
	privateKey, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: JWK is %T, not an EC private key", ErrInvalidPrivateKey, jwk.Key)
	}

	return &ServerKey{
		jwk:        jwk,
		privateKey: privateKey,
		publicKey:  pub,
	}, nil
}

// assembleJWK splits the uncompressed point into its coordinates and loads
// {kty, crv, x, y, d} as a JSON Web Key.
func assembleJWK(pub, priv []byte) (jose.JSONWebKey, error) {
	enc := base64.RawURLEncoding
	raw, err := json.Marshal(map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   enc.EncodeToString(pub[1:33]),
		"y":   enc.EncodeToString(pub[33:]),
		"d":   enc.EncodeToString(priv),
	})
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("marshaling JWK: %w", err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	if !jwk.Valid() {
		return jose.JSONWebKey{}, fmt.Errorf("%w: JWK failed validation", ErrInvalidPrivateKey)
	}
	return jwk, nil
}

// Sign produces an ES256 signature over signingInput, returned in IEEE P1363
// format (r || s, each 32 bytes).
func (k *ServerKey) Sign(_ context.Context, signingInput []byte) ([]byte, error) {
	sig, err := jwt.SigningMethodES256.Sign(string(signingInput), k.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (k *ServerKey) PublicKey() []byte {
	return k.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (k *ServerKey) PublicKeyBase64() string {
	return EncodePublicKey(k.publicKey)
}

// PrivateKeyBase64 returns the base64url private scalar, the form the
// WEBPUSH_PRIVATE_KEY setting takes.
func (k *ServerKey) PrivateKeyBase64() string {
	_, priv, err := rawKeyPair(k.privateKey)
	if err != nil {
		return ""
	}
	return EncodePrivateKey(priv)
}

// JWK returns the public half of the key as a JSON Web Key.
func (k *ServerKey) JWK() jose.JSONWebKey {
	return k.jwk.Public()
}

// KeyID returns the base64url RFC 7638 thumbprint of the public key. It is
// safe to log.
func (k *ServerKey) KeyID() string {
	pub := k.jwk.Public()
	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(tp)
}

// String never renders the private scalar.
func (k *ServerKey) String() string {
	return "keys.ServerKey{" + k.PublicKeyBase64() + "}"
}
