package signing

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	ClaimContentHash = "content-hash"
	ClaimHashAlg     = "hash-alg"
	HashAlgSHA256    = "sha-256"
)

var (
	ErrNoKey        = errors.New("signing: no verification key configured")
	ErrMissingToken = errors.New("signing: token missing")
	ErrInvalidToken = errors.New("signing: token invalid")
	ErrExpired      = errors.New("signing: token expired")
	ErrHashMismatch = errors.New("signing: content hash mismatch")
)

// ContentHash returns the base64 SHA-256 of body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SignContent returns a token over the content hash of body, valid for ttl.
func (kp KeyPair) SignContent(body []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		ClaimContentHash: ContentHash(body),
		ClaimHashAlg:     HashAlgSHA256,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(kp.method(), claims).SignedString(kp.PrivateKey)
}

// Verifier checks content-hash tokens against one pinned key.
type Verifier struct {
	key       crypto.PublicKey
	algorithm Algorithm
}

func NewVerifier(key crypto.PublicKey) (*Verifier, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	alg, err := algorithmOf(key)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key, algorithm: alg}, nil
}

// Algorithm returns the only signing algorithm the verifier accepts.
func (v *Verifier) Algorithm() Algorithm { return v.algorithm }

// Verify checks body and token against the current time. See VerifyAt.
func (v *Verifier) Verify(body []byte, token string) error {
	return v.VerifyAt(body, token, time.Now())
}

// VerifyAt checks the token signature, that the token has not expired at at,
// and that its content hash is the hash of body. A nil verifier rejects
// everything with ErrNoKey.
func (v *Verifier) VerifyAt(body []byte, token string, at time.Time) error {
	if v == nil || v.key == nil {
		return ErrNoKey
	}
	if token == "" {
		return ErrMissingToken
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{string(v.algorithm)}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(at.Unix(), true) {
		return fmt.Errorf("%w: at %s", ErrExpired, at.UTC().Format(time.RFC3339))
	}
	if alg, ok := claims[ClaimHashAlg].(string); ok && alg != HashAlgSHA256 {
		return fmt.Errorf("%w: hash algorithm %q", ErrInvalidToken, alg)
	}
	claimed, ok := claims[ClaimContentHash].(string)
	if !ok || claimed == "" {
		return fmt.Errorf("%w: no %s claim", ErrInvalidToken, ClaimContentHash)
	}
	if claimed != ContentHash(body) {
		return ErrHashMismatch
	}
	return nil
}
