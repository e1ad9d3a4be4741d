// Package memory provides in-memory implementations of the storage ports.
// They are useful for tests, examples and embedding in applications.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

// KV is an in-memory store.KV.
type KV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewKV() *KV {
	return &KV{values: map[string][]byte{}}
}

func (s *KV) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *KV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *KV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

type contactKey struct {
	date  day.Day
	ephID crypto.EphID
}

type caseKey struct {
	bucket day.Day
	key    crypto.SecretKey
}

type state struct {
	nextID     int64
	handshakes []store.Handshake
	contacts   map[contactKey]store.Contact
	cases      map[caseKey]store.KnownCase
}

func newState() *state {
	return &state{
		nextID:   1,
		contacts: map[contactKey]store.Contact{},
		cases:    map[caseKey]store.KnownCase{},
	}
}

func (st *state) clone() *state {
	out := &state{
		nextID:     st.nextID,
		handshakes: append([]store.Handshake(nil), st.handshakes...),
		contacts:   make(map[contactKey]store.Contact, len(st.contacts)),
		cases:      make(map[caseKey]store.KnownCase, len(st.cases)),
	}
	for k, v := range st.contacts {
		out.contacts[k] = v
	}
	for k, v := range st.cases {
		out.cases[k] = v
	}
	return out
}

// Records is an in-memory store.Records. Update runs on a copy of the data that
// replaces the committed state only when the callback succeeds.
type Records struct {
	mu sync.RWMutex
	st *state
}

func NewRecords() *Records {
	return &Records{st: newState()}
}

func (r *Records) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	r.st = work
	return nil
}

func (r *Records) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(&tx{st: r.st, readOnly: true})
}

func (r *Records) Close() error { return nil }

type tx struct {
	st       *state
	readOnly bool
}

var errReadOnly = fmt.Errorf("%w: read-only transaction", store.ErrStorage)

func (t *tx) id() int64 {
	id := t.st.nextID
	t.st.nextID++
	return id
}

func (t *tx) InsertHandshake(h store.Handshake) error {
	if t.readOnly {
		return errReadOnly
	}
	h.ID = t.id()
	t.st.handshakes = append(t.st.handshakes, h)
	return nil
}

func (t *tx) Handshakes(before time.Time) ([]store.Handshake, error) {
	var out []store.Handshake
	for _, h := range t.st.handshakes {
		if h.Timestamp.Before(before) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (t *tx) DeleteHandshakesBefore(before time.Time) error {
	if t.readOnly {
		return errReadOnly
	}
	kept := t.st.handshakes[:0]
	for _, h := range t.st.handshakes {
		if !h.Timestamp.Before(before) {
			kept = append(kept, h)
		}
	}
	t.st.handshakes = kept
	return nil
}

func (t *tx) CountHandshakes() (int, error) { return len(t.st.handshakes), nil }

func (t *tx) InsertContact(c store.Contact) (bool, error) {
	if t.readOnly {
		return false, errReadOnly
	}
	k := contactKey{date: c.Date, ephID: c.EphID}
	if _, ok := t.st.contacts[k]; ok {
		return false, nil
	}
	c.ID = t.id()
	t.st.contacts[k] = c
	return true, nil
}

func (t *tx) Contacts(from, to day.Day) ([]store.Contact, error) {
	var out []store.Contact
	for _, c := range t.st.contacts {
		if !c.Date.Before(from) && c.Date.Before(to) {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func (t *tx) MatchedContacts(d day.Day) ([]store.Contact, error) {
	var out []store.Contact
	for _, c := range t.st.contacts {
		if c.Date == d && c.CaseID != 0 {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func (t *tx) SetContactCase(contactID, caseID int64) error {
	if t.readOnly {
		return errReadOnly
	}
	for k, c := range t.st.contacts {
		if c.ID == contactID {
			c.CaseID = caseID
			t.st.contacts[k] = c
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) DeleteContactsBefore(d day.Day) error {
	if t.readOnly {
		return errReadOnly
	}
	for k, c := range t.st.contacts {
		if c.Date.Before(d) {
			delete(t.st.contacts, k)
		}
	}
	return nil
}

func (t *tx) CountContacts() (int, error) { return len(t.st.contacts), nil }

func (t *tx) InsertKnownCase(kc store.KnownCase) (int64, bool, error) {
	if t.readOnly {
		return 0, false, errReadOnly
	}
	k := caseKey{bucket: kc.BucketDay, key: kc.Key}
	if existing, ok := t.st.cases[k]; ok {
		return existing.ID, false, nil
	}
	kc.ID = t.id()
	t.st.cases[k] = kc
	return kc.ID, true, nil
}

func (t *tx) DeleteKnownCasesBefore(d day.Day) error {
	if t.readOnly {
		return errReadOnly
	}
	for k, kc := range t.st.cases {
		if kc.BucketDay.Before(d) {
			delete(t.st.cases, k)
		}
	}
	return nil
}

func (t *tx) CountKnownCases() (int, error) { return len(t.st.cases), nil }

func (t *tx) Clear() error {
	if t.readOnly {
		return errReadOnly
	}
	*t.st = *newState()
	return nil
}

func sortContacts(cs []store.Contact) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Date != cs[j].Date {
			return cs[i].Date < cs[j].Date
		}
		return cs[i].ID < cs[j].ID
	})
}
