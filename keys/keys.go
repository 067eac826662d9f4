// Package keys provides the P-256 key codec and the application server's
// VAPID key.
package keys

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// PublicKeyLength is the length of an uncompressed P-256 point.
	PublicKeyLength = 65
	// PrivateKeyLength is the length of a raw P-256 scalar.
	PrivateKeyLength = 32

	uncompressedPrefix = 0x04
)

var (
	// ErrInvalidPublicKey is returned when a public key does not decode to a
	// 65-byte uncompressed P-256 point.
	ErrInvalidPublicKey = errors.New("keys: invalid public key")
	// ErrInvalidPrivateKey is returned when a private key does not decode to a
	// 32-byte P-256 scalar.
	ErrInvalidPrivateKey = errors.New("keys: invalid private key")
)

// DecodePublicKey decodes a base64url-encoded uncompressed P-256 point.
func DecodePublicKey(s string) ([]byte, error) {
	b, err := decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if err := CheckPublicKey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CheckPublicKey reports whether b has the length and prefix of an
// uncompressed P-256 point.
func CheckPublicKey(b []byte) error {
	if len(b) != PublicKeyLength {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeyLength)
	}
	if b[0] != uncompressedPrefix {
		return fmt.Errorf("%w: leading byte 0x%02x, only uncompressed points are supported", ErrInvalidPublicKey, b[0])
	}
	return nil
}

// DecodePrivateKey decodes a base64url-encoded raw P-256 scalar.
func DecodePrivateKey(s string) ([]byte, error) {
	b, err := decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	if len(b) != PrivateKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPrivateKey, len(b), PrivateKeyLength)
	}
	return b, nil
}

// EncodePublicKey returns the base64url encoding of an uncompressed point.
func EncodePublicKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// EncodePrivateKey returns the base64url encoding of a raw scalar.
func EncodePrivateKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Browsers hand out unpadded keys but configuration files often carry the
// padded form.
func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
