package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// BroadcastKeyInfo is the HMAC message used to derive the ephemeral id PRF key.
const BroadcastKeyInfo = "broadcast key"

const storageKeyInfo = "beacon-storage-v1"

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveStorageKey derives the 32-byte key used to seal values at rest from a
// device master secret.
func DeriveStorageKey(master []byte) ([]byte, error) {
	return DeriveKey(master, nil, []byte(storageKeyInfo), KeySize)
}

// BroadcastKey returns HMAC-SHA256(sk, "broadcast key"), the AES key of a day's
// ephemeral id keystream.
func BroadcastKey(sk SecretKey) []byte {
	mac := hmac.New(sha256.New, sk[:])
	mac.Write([]byte(BroadcastKeyInfo))
	return mac.Sum(nil)
}
