// Package signing pins the backend's response signing key and checks the
// content-hash tokens that accompany every batch response. The signing half is
// used by the test backend.
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var ErrUnsupportedKey = errors.New("signing: unsupported key")

// Algorithm names a token signing algorithm.
type Algorithm string

const (
	ES256 Algorithm = "ES256"
	EdDSA Algorithm = "EdDSA"
)

// KeyPair is a response signing key.
type KeyPair struct {
	Algorithm  Algorithm
	PublicKey  crypto.PublicKey
	PrivateKey crypto.Signer
}

// GenerateKeyPair creates a fresh key for alg.
func GenerateKeyPair(alg Algorithm) (KeyPair, error) {
	switch alg {
	case ES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		return KeyPair{Algorithm: alg, PublicKey: &priv.PublicKey, PrivateKey: priv}, nil
	case EdDSA:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		return KeyPair{Algorithm: alg, PublicKey: pub, PrivateKey: priv}, nil
	default:
		return KeyPair{}, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, alg)
	}
}

func (kp KeyPair) method() jwt.SigningMethod {
	if kp.Algorithm == EdDSA {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodES256
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key.
func (kp KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivateKeyPEM returns the PKCS#8 PEM encoding of the private key.
func (kp KeyPair) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyPair reads a PEM private key as written by PrivateKeyPEM.
func ParseKeyPair(b []byte) (KeyPair, error) {
	if priv, err := jwt.ParseECPrivateKeyFromPEM(b); err == nil {
		if priv.Curve != elliptic.P256() {
			return KeyPair{}, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, priv.Curve.Params().Name)
		}
		return KeyPair{Algorithm: ES256, PublicKey: &priv.PublicKey, PrivateKey: priv}, nil
	}
	priv, err := jwt.ParseEdPrivateKeyFromPEM(b)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	ed, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
	}
	return KeyPair{Algorithm: EdDSA, PublicKey: ed.Public(), PrivateKey: ed}, nil
}

// Fingerprint identifies a public key: SHA-256 over its PKIX DER encoding.
type Fingerprint [32]byte

func FingerprintOf(pub crypto.PublicKey) (Fingerprint, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return Fingerprint(sha256.Sum256(der)), nil
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParsePublicKey reads a P-256 or Ed25519 public key given as PEM, or as PEM
// that was itself base64 encoded (the form app configurations usually carry).
func ParsePublicKey(b []byte) (crypto.PublicKey, error) {
	raw := []byte(strings.TrimSpace(string(b)))
	if block, _ := pem.Decode(raw); block == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: neither PEM nor base64 PEM", ErrUnsupportedKey)
		}
		raw = decoded
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(raw); err == nil {
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, key.Curve.Params().Name)
		}
		return key, nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return key, nil
}

func algorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return ES256, nil
	case ed25519.PublicKey:
		return EdDSA, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
