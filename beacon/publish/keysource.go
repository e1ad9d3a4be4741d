package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/store"
)

const (
	keyLogKey = "publish/temporary-keys"

	// DefaultKeyLogDays is how many days of temporary keys a KeyLog keeps.
	DefaultKeyLogDays = 14
)

var (
	ErrNoKeySource    = errors.New("publish: no temporary key source")
	ErrKeyUnavailable = errors.New("publish: temporary key not available")
)

// TemporaryKeySource supplies the rotating temporary key the device broadcast
// during a rolling period. It is provided by the host's radio layer.
type TemporaryKeySource interface {
	TemporaryKey(ctx context.Context, rollingStartNumber int64) ([]byte, error)
}

type loggedKey struct {
	RollingStartNumber int64  `json:"rollingStartNumber"`
	Key                []byte `json:"key"`
}

// KeyLog keeps the temporary keys the radio layer reports as broadcast, so the
// delayed key of a report can be uploaded once its period is over.
type KeyLog struct {
	mu   sync.Mutex
	kv   store.KV
	days int
}

func NewKeyLog(kv store.KV, days int) *KeyLog {
	if days <= 0 {
		days = DefaultKeyLogDays
	}
	return &KeyLog{kv: kv, days: days}
}

func (l *KeyLog) load() ([]loggedKey, error) {
	var keys []loggedKey
	if _, err := store.GetJSON(l.kv, keyLogKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Record stores key as the temporary key of the rolling period starting at
// rsn, replacing an earlier entry for rsn. Entries older than the log window
// are dropped.
func (l *KeyLog) Record(rsn int64, key []byte) error {
	if len(key) != protocol.GaenKeySize {
		return fmt.Errorf("%w: temporary key of %d bytes", protocol.ErrInvalidReport, len(key))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	keys, err := l.load()
	if err != nil {
		return err
	}
	oldest := rsn - int64(l.days)*day.RollingPeriod
	kept := keys[:0]
	for _, k := range keys {
		if k.RollingStartNumber != rsn && k.RollingStartNumber >= oldest {
			kept = append(kept, k)
		}
	}
	kept = append(kept, loggedKey{RollingStartNumber: rsn, Key: append([]byte(nil), key...)})
	sort.Slice(kept, func(i, j int) bool { return kept[i].RollingStartNumber > kept[j].RollingStartNumber })
	return store.PutJSON(l.kv, keyLogKey, kept)
}

func (l *KeyLog) TemporaryKey(_ context.Context, rsn int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys, err := l.load()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.RollingStartNumber == rsn {
			return k.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: rolling start number %d", ErrKeyUnavailable, rsn)
}

// Disclosable returns the logged keys of the periods from onset up to but
// excluding before, newest first, ready to be reported.
func (l *KeyLog) Disclosable(onset day.Day, before int64) ([]protocol.GaenKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys, err := l.load()
	if err != nil {
		return nil, err
	}
	from := onset.RollingStartNumber()
	var out []protocol.GaenKey
	for _, k := range keys {
		if k.RollingStartNumber >= from && k.RollingStartNumber < before {
			out = append(out, protocol.NewGaenKey(k.Key, k.RollingStartNumber, false))
		}
	}
	return out, nil
}

// Reset forgets every logged key.
func (l *KeyLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.Delete(keyLogKey)
}
