package memory

import (
	"errors"
	"testing"

	"github.com/TheusHen/beacon/beacon/store"
	"github.com/TheusHen/beacon/beacon/store/storetest"
)

func TestKVGetPutDelete(t *testing.T) {
	kv := NewKV()
	if _, err := kv.Get("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := kv.Get("k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	got[0] = 'x'
	again, _ := kv.Get("k")
	if string(again) != "v" {
		t.Fatalf("Get returned shared storage")
	}
	if err := kv.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get("k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete")
	}
}

func TestJSONHelpers(t *testing.T) {
	kv := NewKV()
	var v struct{ N int }
	found, err := store.GetJSON(kv, "doc", &v)
	if err != nil || found {
		t.Fatalf("GetJSON on empty store = %v, %v", found, err)
	}
	if err := store.PutJSON(kv, "doc", struct{ N int }{N: 7}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	found, err = store.GetJSON(kv, "doc", &v)
	if err != nil || !found || v.N != 7 {
		t.Fatalf("GetJSON = %v, %+v, %v", found, v, err)
	}
	_ = kv.Put("doc", []byte("{"))
	if _, err := store.GetJSON(kv, "doc", &v); !errors.Is(err, store.ErrStorage) {
		t.Fatalf("expected ErrStorage for corrupt document, got %v", err)
	}
}

func TestRecords(t *testing.T) {
	storetest.RunRecords(t, func(t *testing.T) store.Records { return NewRecords() })
}
