package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	// KeySize is the size of a daily secret key.
	KeySize = 32
	// EphIDSize is the size of an ephemeral id.
	EphIDSize = 16
)

var (
	// ErrPrimitiveUnavailable is fatal: the protocol cannot run without its hash and cipher.
	ErrPrimitiveUnavailable = errors.New("crypto: required primitive unavailable")
	ErrInvalidKeySize       = errors.New("crypto: invalid secret key size")
	ErrInvalidEphIDSize     = errors.New("crypto: invalid ephemeral id size")
)

// SecretKey is a daily secret key.
type SecretKey [KeySize]byte

// NewSecretKey returns a fresh random secret key.
func NewSecretKey() (SecretKey, error) {
	var sk SecretKey
	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return SecretKey{}, fmt.Errorf("%w: %v", ErrPrimitiveUnavailable, err)
	}
	return sk, nil
}

// SecretKeyFromBytes copies b into a SecretKey.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	var sk SecretKey
	if len(b) != KeySize {
		return sk, ErrInvalidKeySize
	}
	copy(sk[:], b)
	return sk, nil
}

// Next returns SHA-256(sk), the key of the following day.
func (sk SecretKey) Next() SecretKey {
	return SecretKey(sha256.Sum256(sk[:]))
}

func (sk SecretKey) String() string { return base64.StdEncoding.EncodeToString(sk[:]) }

// EphID is a 16-byte ephemeral id broadcast during one epoch.
type EphID [EphIDSize]byte

// EphIDFromBytes copies b into an EphID.
func EphIDFromBytes(b []byte) (EphID, error) {
	var id EphID
	if len(b) != EphIDSize {
		return id, ErrInvalidEphIDSize
	}
	copy(id[:], b)
	return id, nil
}

// ParseEphID decodes a standard base64 ephemeral id.
func ParseEphID(s string) (EphID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return EphID{}, err
	}
	return EphIDFromBytes(b)
}

func (id EphID) String() string { return base64.StdEncoding.EncodeToString(id[:]) }

// DeriveEphIDs derives the unpermuted ephemeral ids of a day.
// The i-th id is the i-th 16-byte block of the AES-256-CTR keystream with a
// zero IV under BroadcastKey(sk).
func DeriveEphIDs(sk SecretKey, epochs int) ([]EphID, error) {
	block, err := aes.NewCipher(BroadcastKey(sk))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrimitiveUnavailable, err)
	}
	stream := cipher.NewCTR(block, make([]byte, aes.BlockSize))

	buf := make([]byte, epochs*EphIDSize)
	stream.XORKeyStream(buf, buf)

	ids := make([]EphID, epochs)
	for i := range ids {
		copy(ids[i][:], buf[i*EphIDSize:])
	}
	return ids, nil
}

// EphIDSet is an unordered set of ephemeral ids used for matching.
type EphIDSet map[EphID]struct{}

// DeriveEphIDSet derives a day's ids as a set.
func DeriveEphIDSet(sk SecretKey, epochs int) (EphIDSet, error) {
	ids, err := DeriveEphIDs(sk, epochs)
	if err != nil {
		return nil, err
	}
	set := make(EphIDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Contains reports whether id is in the set.
func (s EphIDSet) Contains(id EphID) bool {
	_, ok := s[id]
	return ok
}

// Shuffle permutes ids in place with a Fisher-Yates shuffle driven by crypto/rand.
func Shuffle(ids []EphID) error {
	for i := len(ids) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrimitiveUnavailable, err)
		}
		j := int(n.Int64())
		ids[i], ids[j] = ids[j], ids[i]
	}
	return nil
}
