// Package store defines the storage ports of the engine.
//
// Two ports exist. KV holds small bounded structured lists (the key chain, the
// pending upload queue, exposure days, app state) under string keys; any
// encryption at rest is a property of the implementation. Records holds the
// row data (handshakes, contacts, known cases) and gives transactional access so
// that a known case and its matching pass commit together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStorage wraps failures of the underlying storage technology.
	ErrStorage = errors.New("store: storage failure")
)

// KV is a minimal key-value port.
type KV interface {
	// Get returns ErrNotFound if key has no value.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Handshake is one raw observation of another device's ephemeral id.
type Handshake struct {
	ID        int64
	EphID     crypto.EphID
	RSSI      int
	TxPower   *int
	Timestamp time.Time
}

// Attenuation is TxPower - RSSI, or -RSSI when no transmit power was advertised.
func (h Handshake) Attenuation() float64 {
	if h.TxPower == nil {
		return float64(-h.RSSI)
	}
	return float64(*h.TxPower - h.RSSI)
}

// Contact is the aggregate of all handshakes with one ephemeral id on one day.
type Contact struct {
	ID          int64
	Date        day.Day
	EphID       crypto.EphID
	WindowCount int
	// Attenuation is the mean attenuation of the qualifying windows.
	Attenuation float64
	// CaseID is the matched known case, 0 when unmatched.
	CaseID int64
}

// KnownCase is a published case key ingested during sync.
type KnownCase struct {
	ID        int64
	BucketDay day.Day
	Key       crypto.SecretKey
	OnsetDay  day.Day
}

// Tx is the set of record operations available inside a transaction.
type Tx interface {
	InsertHandshake(h Handshake) error
	// Handshakes returns all handshakes with a timestamp before t, oldest first.
	Handshakes(before time.Time) ([]Handshake, error)
	DeleteHandshakesBefore(t time.Time) error
	CountHandshakes() (int, error)

	// InsertContact inserts c unless a contact with the same (date, ephId) exists.
	InsertContact(c Contact) (bool, error)
	// Contacts returns contacts with from <= date < to.
	Contacts(from, to day.Day) ([]Contact, error)
	// MatchedContacts returns the contacts of date d associated with a known case.
	MatchedContacts(d day.Day) ([]Contact, error)
	SetContactCase(contactID, caseID int64) error
	DeleteContactsBefore(d day.Day) error
	CountContacts() (int, error)

	// InsertKnownCase inserts kc unless (bucketDay, key) exists.
	// It returns the row id and whether a row was inserted.
	InsertKnownCase(kc KnownCase) (int64, bool, error)
	DeleteKnownCasesBefore(d day.Day) error
	CountKnownCases() (int, error)

	// Clear deletes every record.
	Clear() error
}

// Records is the transactional record port.
type Records interface {
	// Update runs fn in a read-write transaction. The transaction commits if fn
	// returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
