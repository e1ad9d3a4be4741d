package ratchet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

var (
	ErrDayNotRetained = errors.New("ratchet: day precedes the oldest retained key")
	ErrEmptyChain     = errors.New("ratchet: chain is empty")
)

const (
	// DefaultRetentionDays is how many daily keys the chain keeps.
	DefaultRetentionDays = 21

	keysKey = "ratchet/keys"
)

// SecretKey is one entry of the chain.
type SecretKey struct {
	Day day.Day
	Key crypto.SecretKey
}

type persistedKey struct {
	Day int64  `json:"day"`
	Key []byte `json:"key"`
}

// Options configures a Chain.
type Options struct {
	RetentionDays int
	Now           func() time.Time
}

// Chain is the device's chain of daily secret keys, newest first.
// SK(d+1) = SHA-256(SK(d)); the chain only ever moves forward, so disclosing
// SK(d) reveals the keys after d and none before it.
type Chain struct {
	mu        sync.Mutex
	kv        store.KV
	retention int
	now       func() time.Time
	keys      []SecretKey
}

// NewChain loads the chain persisted in kv. It does not create one; call Init.
func NewChain(kv store.KV, opts Options) (*Chain, error) {
	c := &Chain{kv: kv, retention: opts.RetentionDays, now: opts.Now}
	if c.retention <= 0 {
		c.retention = DefaultRetentionDays
	}
	if c.now == nil {
		c.now = time.Now
	}

	var stored []persistedKey
	if _, err := store.GetJSON(kv, keysKey, &stored); err != nil {
		return nil, err
	}
	for _, p := range stored {
		k, err := crypto.SecretKeyFromBytes(p.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: ratchet key for day %d: %v", store.ErrStorage, p.Day, err)
		}
		c.keys = append(c.keys, SecretKey{Day: day.Day(p.Day), Key: k})
	}
	return c, nil
}

// Init creates a fresh chain for today if none exists. It is idempotent.
func (c *Chain) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) > 0 {
		return nil
	}
	return c.reseed()
}

// Reset discards the whole chain and starts a new one from a random seed.
func (c *Chain) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reseed()
}

func (c *Chain) reseed() error {
	sk, err := crypto.NewSecretKey()
	if err != nil {
		return err
	}
	return c.commit([]SecretKey{{Day: day.Today(c.now), Key: sk}})
}

// CurrentKey returns the key of day d, extending the chain forward one day at a
// time when d is newer than its head. Days older than the oldest retained key
// return ErrDayNotRetained.
func (c *Chain) CurrentKey(d day.Day) (crypto.SecretKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 {
		if err := c.reseed(); err != nil {
			return crypto.SecretKey{}, err
		}
	}

	head := c.keys[0]
	if !head.Day.Before(d) {
		for _, k := range c.keys {
			if k.Day == d {
				return k.Key, nil
			}
		}
		return crypto.SecretKey{}, fmt.Errorf("%w: %s (oldest %s)", ErrDayNotRetained, d, c.keys[len(c.keys)-1].Day)
	}

	keys := append([]SecretKey(nil), c.keys...)
	for head.Day.Before(d) {
		head = SecretKey{Day: head.Day.Next(), Key: head.Key.Next()}
		keys = append([]SecretKey{head}, keys...)
	}
	if len(keys) > c.retention {
		keys = keys[:c.retention]
	}
	if err := c.commit(keys); err != nil {
		return crypto.SecretKey{}, err
	}
	return head.Key, nil
}

// Keys returns a snapshot of the retained chain, newest first.
func (c *Chain) Keys() []SecretKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SecretKey(nil), c.keys...)
}

// commit persists keys and only then makes them visible.
func (c *Chain) commit(keys []SecretKey) error {
	out := make([]persistedKey, len(keys))
	for i, k := range keys {
		out[i] = persistedKey{Day: int64(k.Day), Key: append([]byte(nil), k.Key[:]...)}
	}
	if err := store.PutJSON(c.kv, keysKey, out); err != nil {
		return err
	}
	c.keys = keys
	return nil
}
