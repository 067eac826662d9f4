package aesgcm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// Known-answer vectors shared with other aesgcm implementations.
const (
	vectorSubscriber = "BBp2ZSrnNp5GLBbBvu9kXPzKXgcSo8XyZXNLjBBuXky-IpzCZSSLyfhTKLPpo3UnlF6UBWgjzrg_cs3f6AqVTD4"
	vectorAuth       = "auth"
	vectorSalt       = "c8b1ca1d80b4513f72e119cf61638210"
	vectorPrivate    = "881c374192aa942ff633d806d4784228b700fbaa844fea85589fa357b8c6e0fe"
	vectorPayload    = "{payload: true}"

	wantPublic  = "04469f9ad6c69a5c28b54731b527d45020dc1893619f21a8da55bd2bfb65948d40e69416633182b9b2e8e0a17a0f3dd7a93545d926d6a4cde3228af19862cbaa02"
	wantShared  = "96e661654429e554ba2a708ecac30bce0653ffb5d9b026eaff45bfe39fdfa948"
	wantPRK     = "741f8667d29ab4183fdeaf3a4edde1dc5c3a91f9cd6e291ac1402153873314c9"
	wantCEK     = "f26bf6ae31686e70d05e58dcbe68d3d0"
	wantNonce   = "ff952ce7e8b9417c68d2060e"
	wantContext = "000041041a76652ae7369e462c16c1beef645cfcca5e0712a3c5f265734b8c106e5e4cbe229cc265248bc9f85328b3e9a37527945e94056823ceb83f72cddfe80a954c3e004104469f9ad6c69a5c28b54731b527d45020dc1893619f21a8da55bd2bfb65948d40e69416633182b9b2e8e0a17a0f3dd7a93545d926d6a4cde3228af19862cbaa02"
)

type vector struct {
	local      *ecdh.PrivateKey
	subscriber []byte
	auth       []byte
	salt       []byte
}

func loadVector(t *testing.T) vector {
	t.Helper()
	priv, err := ecdh.P256().NewPrivateKey(mustHex(t, vectorPrivate))
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	sub, err := base64.RawURLEncoding.DecodeString(vectorSubscriber)
	if err != nil {
		t.Fatalf("decoding subscriber key: %v", err)
	}
	auth, err := base64.RawURLEncoding.DecodeString(vectorAuth)
	if err != nil {
		t.Fatalf("decoding auth: %v", err)
	}
	return vector{
		local:      priv,
		subscriber: sub,
		auth:       auth,
		salt:       mustHex(t, vectorSalt),
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q) error = %v", s, err)
	}
	return b
}

func TestKnownAnswer(t *testing.T) {
	v := loadVector(t)

	if got := hex.EncodeToString(v.local.PublicKey().Bytes()); got != wantPublic {
		t.Errorf("ephemeral public key = %s, want %s", got, wantPublic)
	}

	shared, err := SharedSecret(v.local, v.subscriber)
	if err != nil {
		t.Fatalf("SharedSecret() error = %v", err)
	}
	if got := hex.EncodeToString(shared); got != wantShared {
		t.Errorf("SharedSecret() = %s, want %s", got, wantShared)
	}

	prk, err := PseudoRandomKey(v.auth, shared)
	if err != nil {
		t.Fatalf("PseudoRandomKey() error = %v", err)
	}
	if got := hex.EncodeToString(prk); got != wantPRK {
		t.Errorf("PseudoRandomKey() = %s, want %s", got, wantPRK)
	}

	ctx := Context(v.subscriber, v.local.PublicKey().Bytes())
	if len(ctx) != 135 {
		t.Errorf("Context() length = %d, want 135", len(ctx))
	}
	if got := hex.EncodeToString(ctx); got != wantContext {
		t.Errorf("Context() = %s, want %s", got, wantContext)
	}

	cek, err := ContentEncryptionKey(v.salt, prk, ctx)
	if err != nil {
		t.Fatalf("ContentEncryptionKey() error = %v", err)
	}
	if got := hex.EncodeToString(cek); got != wantCEK {
		t.Errorf("ContentEncryptionKey() = %s, want %s", got, wantCEK)
	}

	nonce, err := Nonce(v.salt, prk, ctx)
	if err != nil {
		t.Fatalf("Nonce() error = %v", err)
	}
	if got := hex.EncodeToString(nonce); got != wantNonce {
		t.Errorf("Nonce() = %s, want %s", got, wantNonce)
	}
}

func TestEncryptWith(t *testing.T) {
	v := loadVector(t)

	rec, err := EncryptWith(v.local, v.salt, v.subscriber, v.auth, []byte(vectorPayload))
	if err != nil {
		t.Fatalf("EncryptWith() error = %v", err)
	}

	if rec.CipherLength() != 3070 {
		t.Errorf("CipherLength() = %d, want 3070", rec.CipherLength())
	}
	if got := hex.EncodeToString(rec.PublicKey); got != wantPublic {
		t.Errorf("PublicKey = %s, want %s", got, wantPublic)
	}
	if !bytes.Equal(rec.Salt, v.salt) {
		t.Errorf("Salt = %x, want %x", rec.Salt, v.salt)
	}
	if rec.EncodedSalt() != base64.RawURLEncoding.EncodeToString(v.salt) {
		t.Errorf("EncodedSalt() = %q", rec.EncodedSalt())
	}

	// Decrypt with the derived key and nonce and inspect the record layout.
	plain := open(t, mustHex(t, wantCEK), mustHex(t, wantNonce), rec.Ciphertext)
	checkRecord(t, plain, []byte(vectorPayload))

	// Same key, nonce and plaintext give the same ciphertext.
	again, err := EncryptWith(v.local, v.salt, v.subscriber, v.auth, []byte(vectorPayload))
	if err != nil {
		t.Fatalf("EncryptWith() error = %v", err)
	}
	if !bytes.Equal(again.Ciphertext, rec.Ciphertext) {
		t.Error("EncryptWith() is not deterministic for fixed inputs")
	}
}

func TestEncryptWith_Errors(t *testing.T) {
	v := loadVector(t)

	if _, err := EncryptWith(v.local, v.salt[:15], v.subscriber, v.auth, nil); err == nil {
		t.Error("EncryptWith() expected error for short salt")
	}
	if _, err := EncryptWith(v.local, v.salt, v.subscriber[:64], v.auth, nil); err == nil {
		t.Error("EncryptWith() expected error for truncated subscriber key")
	}
	offCurve := append([]byte(nil), v.subscriber...)
	offCurve[64] ^= 0xff
	if _, err := EncryptWith(v.local, v.salt, offCurve, v.auth, nil); err == nil {
		t.Error("EncryptWith() expected error for point not on the curve")
	}
	big := make([]byte, PaddedPayloadLength+1)
	if _, err := EncryptWith(v.local, v.salt, v.subscriber, v.auth, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncryptWith() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestEncrypt_FreshKeyAndSalt(t *testing.T) {
	v := loadVector(t)

	a, err := Encrypt(v.subscriber, v.auth, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := Encrypt(v.subscriber, v.auth, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if len(a.Salt) != SaltLength {
		t.Errorf("Salt length = %d, want %d", len(a.Salt), SaltLength)
	}
	if bytes.Equal(a.Salt, b.Salt) {
		t.Error("Encrypt() reused a salt")
	}
	if bytes.Equal(a.PublicKey, b.PublicKey) {
		t.Error("Encrypt() reused an ephemeral key")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("Encrypt() produced identical ciphertexts")
	}
}

// TestEncrypt_UserAgentDecrypts decrypts from the subscriber's side, which
// only knows its own private key, the auth secret and the Encryption and
// Crypto-Key header values.
func TestEncrypt_UserAgentDecrypts(t *testing.T) {
	uaKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	uaPublic := uaKey.PublicKey().Bytes()

	for _, size := range []int{0, 1, 15, 1024, PaddedPayloadLength} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, size)
			rec, err := Encrypt(uaPublic, auth, payload)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			salt, err := base64.RawURLEncoding.DecodeString(rec.EncodedSalt())
			if err != nil {
				t.Fatal(err)
			}
			dh, err := base64.RawURLEncoding.DecodeString(rec.EncodedPublicKey())
			if err != nil {
				t.Fatal(err)
			}

			shared, err := SharedSecret(uaKey, dh)
			if err != nil {
				t.Fatalf("SharedSecret() error = %v", err)
			}
			prk, err := PseudoRandomKey(auth, shared)
			if err != nil {
				t.Fatal(err)
			}
			ctx := Context(uaPublic, dh)
			cek, err := ContentEncryptionKey(salt, prk, ctx)
			if err != nil {
				t.Fatal(err)
			}
			nonce, err := Nonce(salt, prk, ctx)
			if err != nil {
				t.Fatal(err)
			}

			checkRecord(t, open(t, cek, nonce, rec.Ciphertext), payload)
		})
	}
}

func TestPad(t *testing.T) {
	for _, size := range []int{0, 1, 2, 100, 3000, 3051, 3052} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i%250) + 1
			}
			padded, err := Pad(payload)
			if err != nil {
				t.Fatalf("Pad() error = %v", err)
			}
			if len(padded) != PaddedPayloadLength+2 {
				t.Fatalf("Pad() length = %d, want %d", len(padded), PaddedPayloadLength+2)
			}
			checkRecord(t, padded, payload)
		})
	}

	if _, err := Pad(make([]byte, 3053)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Pad() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestHKDF(t *testing.T) {
	salt := []byte("salt")
	ikm := []byte("input keying material")
	info := []byte("info")

	a, err := HKDF(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	b, err := HKDF(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("HKDF() is not deterministic")
	}

	short, err := HKDF(salt, ikm, info, 12)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	if !bytes.Equal(short, a[:12]) {
		t.Error("HKDF() shorter output is not a prefix of the full block")
	}

	// Swapping salt and ikm must change the output.
	swapped, err := HKDF(ikm, salt, info, 32)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	if bytes.Equal(swapped, a) {
		t.Error("HKDF() ignores the salt/ikm order")
	}

	for _, n := range []int{0, -1, 33} {
		if _, err := HKDF(salt, ikm, info, n); err == nil {
			t.Errorf("HKDF(length=%d) expected error", n)
		}
	}
}

func TestSeal(t *testing.T) {
	cek := make([]byte, 16)
	nonce := make([]byte, 12)

	out, err := Seal(cek, nonce, []byte("abc"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(out) != 3+TagLength {
		t.Errorf("Seal() length = %d, want %d", len(out), 3+TagLength)
	}

	if _, err := Seal(make([]byte, 15), nonce, nil); err == nil {
		t.Error("Seal() expected error for bad key size")
	}
	if _, err := Seal(cek, make([]byte, 8), nil); err == nil {
		t.Error("Seal() expected error for bad nonce size")
	}
}

func TestRecord_String(t *testing.T) {
	v := loadVector(t)
	rec, err := EncryptWith(v.local, v.salt, v.subscriber, v.auth, []byte(vectorPayload))
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{fmt.Sprint(rec), fmt.Sprintf("%v", rec), fmt.Sprintf("%#v", rec)} {
		if strings.Contains(s, rec.EncodedSalt()) || strings.Contains(s, hex.EncodeToString(rec.Salt)) {
			t.Errorf("string form leaks the salt: %s", s)
		}
		if !strings.Contains(s, "3070") {
			t.Errorf("string form = %q, want cipher length", s)
		}
	}
}

func open(t *testing.T, cek, nonce, ciphertext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(cek)
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("gcm.Open() error = %v", err)
	}
	return plain
}

// checkRecord verifies the padded layout: length prefix, payload, zeros.
func checkRecord(t *testing.T, record, payload []byte) {
	t.Helper()
	if len(record) != RecordLength {
		t.Fatalf("record length = %d, want %d", len(record), RecordLength)
	}
	padLen := int(binary.BigEndian.Uint16(record[:2]))
	if padLen != PaddedPayloadLength-len(payload) {
		t.Errorf("padding length = %d, want %d", padLen, PaddedPayloadLength-len(payload))
	}
	if !bytes.Equal(record[2:2+len(payload)], payload) {
		t.Error("payload is not immediately after the length prefix")
	}
	if !bytes.Equal(record[2+len(payload):], make([]byte, padLen)) {
		t.Error("tail is not zero padding")
	}
}
