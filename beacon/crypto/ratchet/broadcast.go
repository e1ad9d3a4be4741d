package ratchet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

const (
	// DefaultEpochDuration is how long one ephemeral id is broadcast.
	DefaultEpochDuration = 15 * time.Minute

	idsKey = "ratchet/ephids"
)

type dayIDs struct {
	Day         day.Day
	Fingerprint []byte
	IDs         []crypto.EphID
}

type persistedIDs struct {
	Day         int64    `json:"day"`
	Fingerprint []byte   `json:"fingerprint"`
	IDs         [][]byte `json:"ids"`
}

// BroadcastOptions configures a Broadcaster.
type BroadcastOptions struct {
	EpochDuration time.Duration
	Now           func() time.Time
}

// Broadcaster hands out the ephemeral ids a device advertises.
// A day's ids are derived once, shuffled once and frozen: the set and its
// epoch assignment only change on day change or chain reset. Today's set is
// persisted so a restart keeps the assignment.
type Broadcaster struct {
	mu     sync.Mutex
	chain  *Chain
	kv     store.KV
	epoch  time.Duration
	epochs int
	now    func() time.Time
	cache  map[day.Day]*dayIDs
}

// NewBroadcaster creates a Broadcaster on top of chain.
func NewBroadcaster(chain *Chain, kv store.KV, opts BroadcastOptions) (*Broadcaster, error) {
	b := &Broadcaster{
		chain: chain,
		kv:    kv,
		epoch: opts.EpochDuration,
		now:   opts.Now,
		cache: map[day.Day]*dayIDs{},
	}
	if b.epoch <= 0 {
		b.epoch = DefaultEpochDuration
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.epoch > day.Length || day.Length%b.epoch != 0 {
		return nil, fmt.Errorf("ratchet: epoch duration %s does not divide a day", b.epoch)
	}
	b.epochs = day.EpochsPerDay(b.epoch)

	var p persistedIDs
	found, err := store.GetJSON(kv, idsKey, &p)
	if err != nil {
		return nil, err
	}
	if found && len(p.IDs) == b.epochs {
		cached := &dayIDs{Day: day.Day(p.Day), Fingerprint: p.Fingerprint}
		for _, raw := range p.IDs {
			id, err := crypto.EphIDFromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: cached ephemeral id: %v", store.ErrStorage, err)
			}
			cached.IDs = append(cached.IDs, id)
		}
		b.cache[cached.Day] = cached
	}
	return b, nil
}

// Epochs returns the number of epochs per day.
func (b *Broadcaster) Epochs() int { return b.epochs }

// IDsForDay returns the permuted ids of day d.
func (b *Broadcaster) IDsForDay(d day.Day) ([]crypto.EphID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids, err := b.idsForDay(d)
	if err != nil {
		return nil, err
	}
	return append([]crypto.EphID(nil), ids...), nil
}

// CurrentID returns the id to broadcast in the current epoch.
func (b *Broadcaster) CurrentID() (crypto.EphID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	ids, err := b.idsForDay(day.Of(now))
	if err != nil {
		return crypto.EphID{}, err
	}
	return ids[day.EpochIndex(now, b.epoch)], nil
}

func (b *Broadcaster) idsForDay(d day.Day) ([]crypto.EphID, error) {
	sk, err := b.chain.CurrentKey(d)
	if err != nil {
		return nil, err
	}
	fp := fingerprint(sk)
	if cached, ok := b.cache[d]; ok && bytes.Equal(cached.Fingerprint, fp) {
		return cached.IDs, nil
	}

	ids, err := crypto.DeriveEphIDs(sk, b.epochs)
	if err != nil {
		return nil, err
	}
	if err := crypto.Shuffle(ids); err != nil {
		return nil, err
	}

	today := day.Of(b.now())
	if d == today {
		p := persistedIDs{Day: int64(d), Fingerprint: fp, IDs: make([][]byte, len(ids))}
		for i, id := range ids {
			p.IDs[i] = append([]byte(nil), id[:]...)
		}
		if err := store.PutJSON(b.kv, idsKey, p); err != nil {
			return nil, err
		}
	}
	for cd := range b.cache {
		if cd.Before(today.SubDays(b.chain.retention)) {
			delete(b.cache, cd)
		}
	}
	b.cache[d] = &dayIDs{Day: d, Fingerprint: fp, IDs: ids}
	return ids, nil
}

// fingerprint identifies the key a cached set was derived from without storing
// anything the key could be recovered from.
func fingerprint(sk crypto.SecretKey) []byte {
	h := sha256.New()
	h.Write([]byte("beacon-ephids"))
	h.Write(sk[:])
	return h.Sum(nil)[:8]
}

// Reset forgets every derived id set, including the persisted one.
func (b *Broadcaster) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = map[day.Day]*dayIDs{}
	return b.kv.Delete(idsKey)
}
