package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadPEM loads a VAPID key pair from a PEM-encoded EC private key file.
func LoadPEM(privateKeyPath string) (*ServerKey, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to parse PEM block", ErrInvalidPrivateKey)
	}

	privKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing EC private key: %w", ErrInvalidPrivateKey, err)
	}

	if privKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key must be P-256 curve", ErrInvalidPrivateKey)
	}

	pub, priv, err := rawKeyPair(privKey)
	if err != nil {
		return nil, err
	}
	return newServerKey(pub, priv)
}

// GenerateKey generates a new P-256 key pair and saves it to a PEM file.
func GenerateKey(path string) (*ServerKey, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	pub, priv, err := rawKeyPair(privKey)
	if err != nil {
		return nil, err
	}
	return newServerKey(pub, priv)
}

// GenerateKeyPair generates a new key pair and returns both keys base64url
// encoded, ready to be placed in configuration.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	pub, priv, err := rawKeyPair(privKey)
	if err != nil {
		return "", "", err
	}
	return EncodePrivateKey(priv), EncodePublicKey(pub), nil
}

// rawKeyPair returns the uncompressed public point and the 32-byte scalar.
func rawKeyPair(privKey *ecdsa.PrivateKey) (pub, priv []byte, err error) {
	ecdhKey, err := privKey.ECDH()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	return ecdhKey.PublicKey().Bytes(), ecdhKey.Bytes(), nil
}
