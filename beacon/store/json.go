package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GetJSON decodes the JSON document stored under key into v.
// It reports false without error when the key is absent.
func GetJSON(kv KV, key string, v any) (bool, error) {
	raw, err := kv.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrStorage, key, err)
	}
	return true, nil
}

// PutJSON stores v as a JSON document under key.
func PutJSON(kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return kv.Put(key, raw)
}
