// Package appstate keeps the small amount of engine state that outlives a
// single operation: sync progress, the last sync error and the infected flag.
package appstate

import (
	"sync"
	"time"

	"github.com/TheusHen/beacon/beacon/store"
)

const stateKey = "app/state"

// State is persisted as one JSON document. Times are milliseconds since the
// epoch, zero when unset.
type State struct {
	LastSync int64 `json:"lastSync,omitempty"`
	// LastLoadedBatch is the release time of the newest fully applied batch.
	LastLoadedBatch int64  `json:"lastLoadedBatch,omitempty"`
	SyncError       string `json:"syncError,omitempty"`
	Infected        bool   `json:"infected,omitempty"`
	Calibration     bool   `json:"calibration,omitempty"`
}

// LastSyncTime returns LastSync as a time, zero when never synced.
func (s State) LastSyncTime() time.Time {
	if s.LastSync == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastSync).UTC()
}

// Store reads and writes State in a KV.
type Store struct {
	mu sync.Mutex
	kv store.KV
}

func New(kv store.KV) *Store { return &Store{kv: kv} }

func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	var st State
	if _, err := store.GetJSON(s.kv, stateKey, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Update applies fn to the stored state and persists the result.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	return store.PutJSON(s.kv, stateKey, st)
}

// Clear forgets all state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(stateKey)
}
