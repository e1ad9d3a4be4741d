// Package pebblekv implements an encrypted-at-rest store.KV on CockroachDB's
// pebble engine. Every value is sealed with XChaCha20-Poly1305 and bound to its
// key through the additional data, so values cannot be swapped between keys.
package pebblekv

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/store"
)

const keyPrefix = "kv/"

// KV is a sealed key-value store backed by pebble.
type KV struct {
	db   *pebble.DB
	aead *crypto.AEAD
}

// Open opens or creates a store in dir. storageKey is the 32-byte sealing key,
// usually derived with crypto.DeriveStorageKey.
func Open(dir string, storageKey []byte) (*KV, error) {
	return open(dir, &pebble.Options{}, storageKey)
}

// OpenInMemory opens a store on an in-memory filesystem (for testing).
func OpenInMemory(storageKey []byte) (*KV, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, storageKey)
}

func open(dir string, opts *pebble.Options, storageKey []byte) (*KV, error) {
	aead, err := crypto.NewAEAD(storageKey)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %v", store.ErrStorage, err)
	}
	return &KV{db: db, aead: aead}, nil
}

func (s *KV) Get(key string) ([]byte, error) {
	k := []byte(keyPrefix + key)
	sealed, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", store.ErrStorage, key, err)
	}
	defer closer.Close()

	plain, err := s.aead.Open(sealed, k)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", store.ErrStorage, key, err)
	}
	return plain, nil
}

func (s *KV) Put(key string, value []byte) error {
	k := []byte(keyPrefix + key)
	sealed, err := s.aead.Seal(value, k)
	if err != nil {
		return fmt.Errorf("%w: seal %s: %v", store.ErrStorage, key, err)
	}
	if err := s.db.Set(k, sealed, pebble.Sync); err != nil {
		return fmt.Errorf("%w: set %s: %v", store.ErrStorage, key, err)
	}
	return nil
}

func (s *KV) Delete(key string) error {
	if err := s.db.Delete([]byte(keyPrefix+key), pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete %s: %v", store.ErrStorage, key, err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *KV) Close() error { return s.db.Close() }
