// Package aesgcm implements the "aesgcm" content-encoding used by the legacy
// Web Push message encryption drafts: an ephemeral P-256 ECDH agreement,
// HKDF-SHA256 key derivation and a single AES-128-GCM record padded to a
// fixed size.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltLength is the length of the per-message salt.
	SaltLength = 16
	// PaddedPayloadLength is the size every payload is padded to, not
	// counting the 2-byte padding length prefix.
	PaddedPayloadLength = 3052
	// RecordLength is the size of the plaintext record handed to AES-GCM.
	RecordLength = PaddedPayloadLength + 2
	// TagLength is the size of the GCM authentication tag.
	TagLength = 16

	keyLength   = 16
	nonceLength = 12
	prkLength   = 32
)

var (
	// ErrPayloadTooLarge is returned when a payload does not fit in the
	// padded record.
	ErrPayloadTooLarge = errors.New("aesgcm: payload too large")

	authInfo  = []byte("Content-Encoding: auth\x00")
	cekInfo   = []byte("Content-Encoding: aesgcm\x00P-256")
	nonceInfo = []byte("Content-Encoding: nonce\x00P-256")
)

// Record is an encrypted message ready to be sent to a push service. It
// carries no key material beyond the ephemeral public key.
type Record struct {
	// Ciphertext is the encrypted padded payload followed by the GCM tag.
	Ciphertext []byte
	// Salt is the random per-message salt.
	Salt []byte
	// PublicKey is the uncompressed ephemeral public key.
	PublicKey []byte
}

// CipherLength returns the length of the ciphertext including the tag.
func (r *Record) CipherLength() int {
	return len(r.Ciphertext)
}

// EncodedSalt returns the salt for the Encryption header.
func (r *Record) EncodedSalt() string {
	return base64.RawURLEncoding.EncodeToString(r.Salt)
}

// EncodedPublicKey returns the ephemeral public key for the Crypto-Key header.
func (r *Record) EncodedPublicKey() string {
	return base64.RawURLEncoding.EncodeToString(r.PublicKey)
}

func (r *Record) String() string {
	return fmt.Sprintf("aesgcm.Record{ciphertext: %d bytes}", len(r.Ciphertext))
}

func (r *Record) GoString() string {
	return r.String()
}

// LogValue implements slog.LogValuer.
func (r *Record) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("cipher_length", len(r.Ciphertext)))
}

// Encrypt encrypts payload for the subscriber identified by its uncompressed
// public key and auth secret, using a fresh ephemeral key and salt.
func Encrypt(subscriber, auth, payload []byte) (*Record, error) {
	// Size and key checks happen before any randomness is drawn.
	if len(payload) > PaddedPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), PaddedPayloadLength)
	}
	remote, err := ecdh.P256().NewPublicKey(subscriber)
	if err != nil {
		return nil, fmt.Errorf("parsing subscriber public key: %w", err)
	}

	local, err := GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return encrypt(local, remote, salt, auth, payload)
}

// EncryptWith runs the encryption pipeline with a caller-supplied ephemeral
// key and salt. Reusing either across messages breaks the scheme; it exists
// for known-answer tests and interop checks.
func EncryptWith(local *ecdh.PrivateKey, salt, subscriber, auth, payload []byte) (*Record, error) {
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltLength, len(salt))
	}
	remote, err := ecdh.P256().NewPublicKey(subscriber)
	if err != nil {
		return nil, fmt.Errorf("parsing subscriber public key: %w", err)
	}
	return encrypt(local, remote, salt, auth, payload)
}

func encrypt(local *ecdh.PrivateKey, remote *ecdh.PublicKey, salt, auth, payload []byte) (*Record, error) {
	padded, err := Pad(payload)
	if err != nil {
		return nil, err
	}

	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	prk, err := PseudoRandomKey(auth, shared)
	if err != nil {
		return nil, err
	}

	localPublic := local.PublicKey().Bytes()
	context := Context(remote.Bytes(), localPublic)

	cek, err := ContentEncryptionKey(salt, prk, context)
	if err != nil {
		return nil, err
	}
	nonce, err := Nonce(salt, prk, context)
	if err != nil {
		return nil, err
	}

	ciphertext, err := Seal(cek, nonce, padded)
	if err != nil {
		return nil, err
	}

	return &Record{
		Ciphertext: ciphertext,
		Salt:       append([]byte(nil), salt...),
		PublicKey:  localPublic,
	}, nil
}

// GenerateEphemeralKey draws a fresh P-256 key pair for a single message.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	return key, nil
}

// SharedSecret returns the 32-byte big-endian x-coordinate of local * remote.
func SharedSecret(local *ecdh.PrivateKey, remote []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("parsing remote public key: %w", err)
	}
	shared, err := local.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return shared, nil
}

// HKDF extracts with HMAC-SHA256(salt, ikm) and returns the first length
// bytes of the first expansion block, HMAC-SHA256(prk, info || 0x01).
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > sha256.Size {
		return nil, fmt.Errorf("hkdf length must be in [1, %d], got %d", sha256.Size, length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// PseudoRandomKey mixes the subscription's auth secret into the shared
// secret. Note the auth secret is the HKDF salt here.
func PseudoRandomKey(auth, shared []byte) ([]byte, error) {
	return HKDF(auth, shared, authInfo, prkLength)
}

// ContentEncryptionKey derives the AES-128 key from the message salt and PRK.
func ContentEncryptionKey(salt, prk, context []byte) ([]byte, error) {
	return HKDF(salt, prk, concat(cekInfo, context), keyLength)
}

// Nonce derives the GCM nonce from the message salt and PRK.
func Nonce(salt, prk, context []byte) ([]byte, error) {
	return HKDF(salt, prk, concat(nonceInfo, context), nonceLength)
}

// Context returns 0x00 || len(subscriber) || subscriber || len(local) ||
// local, with 2-byte big-endian lengths.
func Context(subscriber, local []byte) []byte {
	ctx := make([]byte, 0, 1+2+len(subscriber)+2+len(local))
	ctx = append(ctx, 0x00)
	ctx = binary.BigEndian.AppendUint16(ctx, uint16(len(subscriber)))
	ctx = append(ctx, subscriber...)
	ctx = binary.BigEndian.AppendUint16(ctx, uint16(len(local)))
	ctx = append(ctx, local...)
	return ctx
}

// Pad lays out the record as a 2-byte big-endian padding length, the
// payload, then that many zero bytes. The result is always RecordLength
// bytes long.
func Pad(payload []byte) ([]byte, error) {
	if len(payload) > PaddedPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), PaddedPayloadLength)
	}
	padLen := PaddedPayloadLength - len(payload)

	record := make([]byte, RecordLength)
	binary.BigEndian.PutUint16(record, uint16(padLen))
	copy(record[2:], payload)
	return record, nil
}

// Seal encrypts padded with AES-128-GCM and no associated data, returning
// ciphertext || tag.
func Seal(cek, nonce, padded []byte) ([]byte, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}
	return gcm.Seal(nil, nonce, padded, nil), nil
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
