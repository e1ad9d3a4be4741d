package pebblekv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/store"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.DeriveStorageKey([]byte("test master secret"))
	if err != nil {
		t.Fatalf("DeriveStorageKey: %v", err)
	}
	return key
}

func TestKVRoundTrip(t *testing.T) {
	kv, err := OpenInMemory(testKey(t))
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer kv.Close()

	if _, err := kv.Get("ratchet/keys"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Put("ratchet/keys", []byte("chain")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := kv.Get("ratchet/keys")
	if err != nil || string(got) != "chain" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := kv.Delete("ratchet/keys"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get("ratchet/keys"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete")
	}
}

func TestKVValuesAreSealed(t *testing.T) {
	kv, err := OpenInMemory(testKey(t))
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer kv.Close()

	secret := []byte("plaintext secret key material")
	if err := kv.Put("a", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, closer, err := kv.db.Get([]byte(keyPrefix + "a"))
	if err != nil {
		t.Fatalf("raw Get: %v", err)
	}
	if bytes.Contains(raw, secret) {
		t.Fatalf("value stored in the clear")
	}
	sealed := append([]byte(nil), raw...)
	closer.Close()

	// A value moved under another key fails authentication.
	if err := kv.db.Set([]byte(keyPrefix+"b"), sealed, pebble.Sync); err != nil {
		t.Fatalf("raw Set: %v", err)
	}
	if _, err := kv.Get("b"); !errors.Is(err, store.ErrStorage) {
		t.Fatalf("expected ErrStorage for swapped value, got %v", err)
	}
}

func TestKVReopen(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t)
	kv, err := Open(dir, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := kv.Put("state", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv, err = Open(dir, key)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := kv.Get("state")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
	kv.Close()

	wrong, _ := crypto.DeriveStorageKey([]byte("other"))
	kv, err = Open(dir, wrong)
	if err != nil {
		t.Fatalf("reopen with other key: %v", err)
	}
	defer kv.Close()
	if _, err := kv.Get("state"); !errors.Is(err, store.ErrStorage) {
		t.Fatalf("expected ErrStorage with wrong key, got %v", err)
	}
}
