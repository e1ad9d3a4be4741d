// Package storetest holds behaviour tests shared by store.Records implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

// RunRecords runs the shared record behaviour tests against fresh stores
// returned by open.
func RunRecords(t *testing.T, open func(t *testing.T) store.Records) {
	t.Run("ContactUniqueness", func(t *testing.T) { contactUniqueness(t, open(t)) })
	t.Run("KnownCaseUniqueness", func(t *testing.T) { knownCaseUniqueness(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { rollback(t, open(t)) })
	t.Run("Handshakes", func(t *testing.T) { handshakes(t, open(t)) })
	t.Run("MatchedContacts", func(t *testing.T) { matchedContacts(t, open(t)) })
	t.Run("PruneAndClear", func(t *testing.T) { pruneAndClear(t, open(t)) })
}

var testDay = day.Of(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))

func update(t *testing.T, r store.Records, fn func(tx store.Tx) error) {
	t.Helper()
	if err := r.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func view(t *testing.T, r store.Records, fn func(tx store.Tx) error) {
	t.Helper()
	if err := r.View(context.Background(), fn); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func contactUniqueness(t *testing.T, r store.Records) {
	id := crypto.EphID{1, 2, 3}
	update(t, r, func(tx store.Tx) error {
		ok, err := tx.InsertContact(store.Contact{Date: testDay, EphID: id, WindowCount: 3, Attenuation: 50})
		if err != nil || !ok {
			t.Fatalf("first InsertContact = %v, %v", ok, err)
		}
		ok, err = tx.InsertContact(store.Contact{Date: testDay, EphID: id, WindowCount: 7})
		if err != nil || ok {
			t.Fatalf("duplicate InsertContact = %v, %v", ok, err)
		}
		ok, err = tx.InsertContact(store.Contact{Date: testDay.Next(), EphID: id, WindowCount: 1})
		if err != nil || !ok {
			t.Fatalf("next day InsertContact = %v, %v", ok, err)
		}
		return nil
	})
	view(t, r, func(tx store.Tx) error {
		cs, err := tx.Contacts(testDay, testDay.Next())
		if err != nil {
			t.Fatalf("Contacts: %v", err)
		}
		if len(cs) != 1 || cs[0].WindowCount != 3 || cs[0].EphID != id || cs[0].Attenuation != 50 {
			t.Fatalf("unexpected contacts %+v", cs)
		}
		if n, _ := tx.CountContacts(); n != 2 {
			t.Fatalf("CountContacts = %d", n)
		}
		return nil
	})
}

func knownCaseUniqueness(t *testing.T, r store.Records) {
	key := crypto.SecretKey{9}
	update(t, r, func(tx store.Tx) error {
		first, inserted, err := tx.InsertKnownCase(store.KnownCase{BucketDay: testDay, Key: key, OnsetDay: testDay.SubDays(2)})
		if err != nil || !inserted || first == 0 {
			t.Fatalf("first InsertKnownCase = %d, %v, %v", first, inserted, err)
		}
		again, inserted, err := tx.InsertKnownCase(store.KnownCase{BucketDay: testDay, Key: key, OnsetDay: testDay.SubDays(2)})
		if err != nil || inserted || again != first {
			t.Fatalf("duplicate InsertKnownCase = %d, %v, %v", again, inserted, err)
		}
		_, inserted, err = tx.InsertKnownCase(store.KnownCase{BucketDay: testDay.Next(), Key: key, OnsetDay: testDay.SubDays(2)})
		if err != nil || !inserted {
			t.Fatalf("other bucket InsertKnownCase = %v, %v", inserted, err)
		}
		return nil
	})
	view(t, r, func(tx store.Tx) error {
		if n, _ := tx.CountKnownCases(); n != 2 {
			t.Fatalf("CountKnownCases = %d", n)
		}
		return nil
	})
}

func rollback(t *testing.T, r store.Records) {
	boom := errors.New("boom")
	err := r.Update(context.Background(), func(tx store.Tx) error {
		if _, _, err := tx.InsertKnownCase(store.KnownCase{BucketDay: testDay, Key: crypto.SecretKey{1}}); err != nil {
			t.Fatalf("InsertKnownCase: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	view(t, r, func(tx store.Tx) error {
		if n, _ := tx.CountKnownCases(); n != 0 {
			t.Fatalf("rolled back insert is visible")
		}
		return nil
	})

	err = r.View(context.Background(), func(tx store.Tx) error {
		return tx.InsertHandshake(store.Handshake{Timestamp: testDay.Start()})
	})
	if !errors.Is(err, store.ErrStorage) {
		t.Fatalf("write in View: expected ErrStorage, got %v", err)
	}
}

func handshakes(t *testing.T, r store.Records) {
	base := testDay.Start().Add(10 * time.Hour)
	power := -20
	update(t, r, func(tx store.Tx) error {
		for i := 0; i < 4; i++ {
			h := store.Handshake{
				EphID:     crypto.EphID{byte(i)},
				RSSI:      -60 - i,
				Timestamp: base.Add(time.Duration(3-i) * time.Minute),
			}
			if i%2 == 0 {
				h.TxPower = &power
			}
			if err := tx.InsertHandshake(h); err != nil {
				t.Fatalf("InsertHandshake: %v", err)
			}
		}
		return nil
	})
	update(t, r, func(tx store.Tx) error {
		hs, err := tx.Handshakes(base.Add(2 * time.Minute))
		if err != nil {
			t.Fatalf("Handshakes: %v", err)
		}
		if len(hs) != 2 || !hs[0].Timestamp.Before(hs[1].Timestamp) {
			t.Fatalf("unexpected handshakes %+v", hs)
		}
		if hs[0].EphID != (crypto.EphID{3}) || hs[0].TxPower != nil || hs[0].RSSI != -63 {
			t.Fatalf("unexpected oldest handshake %+v", hs[0])
		}
		if hs[1].TxPower == nil || *hs[1].TxPower != power {
			t.Fatalf("tx power not preserved")
		}
		return tx.DeleteHandshakesBefore(base.Add(2 * time.Minute))
	})
	view(t, r, func(tx store.Tx) error {
		if n, _ := tx.CountHandshakes(); n != 2 {
			t.Fatalf("CountHandshakes = %d", n)
		}
		return nil
	})
}

func matchedContacts(t *testing.T, r store.Records) {
	update(t, r, func(tx store.Tx) error {
		caseID, _, err := tx.InsertKnownCase(store.KnownCase{BucketDay: testDay, Key: crypto.SecretKey{5}, OnsetDay: testDay})
		if err != nil {
			t.Fatalf("InsertKnownCase: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := tx.InsertContact(store.Contact{Date: testDay, EphID: crypto.EphID{byte(i)}, WindowCount: i}); err != nil {
				t.Fatalf("InsertContact: %v", err)
			}
		}
		cs, err := tx.Contacts(testDay, testDay.Next())
		if err != nil || len(cs) != 3 {
			t.Fatalf("Contacts = %d, %v", len(cs), err)
		}
		if err := tx.SetContactCase(cs[1].ID, caseID); err != nil {
			t.Fatalf("SetContactCase: %v", err)
		}
		if err := tx.SetContactCase(cs[2].ID+1000, caseID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("SetContactCase unknown id: %v", err)
		}
		return nil
	})
	view(t, r, func(tx store.Tx) error {
		cs, err := tx.MatchedContacts(testDay)
		if err != nil {
			t.Fatalf("MatchedContacts: %v", err)
		}
		if len(cs) != 1 || cs[0].EphID != (crypto.EphID{1}) || cs[0].CaseID == 0 {
			t.Fatalf("unexpected matched contacts %+v", cs)
		}
		return nil
	})
}

func pruneAndClear(t *testing.T, r store.Records) {
	update(t, r, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			d := testDay.AddDays(i)
			if _, err := tx.InsertContact(store.Contact{Date: d, EphID: crypto.EphID{byte(i)}}); err != nil {
				return err
			}
			if _, _, err := tx.InsertKnownCase(store.KnownCase{BucketDay: d, Key: crypto.SecretKey{byte(i)}, OnsetDay: d}); err != nil {
				return err
			}
		}
		if err := tx.DeleteContactsBefore(testDay.Next()); err != nil {
			return err
		}
		return tx.DeleteKnownCasesBefore(testDay.AddDays(2))
	})
	view(t, r, func(tx store.Tx) error {
		if n, _ := tx.CountContacts(); n != 2 {
			t.Fatalf("CountContacts after prune = %d", n)
		}
		if n, _ := tx.CountKnownCases(); n != 1 {
			t.Fatalf("CountKnownCases after prune = %d", n)
		}
		return nil
	})
	update(t, r, func(tx store.Tx) error { return tx.Clear() })
	view(t, r, func(tx store.Tx) error {
		c, _ := tx.CountContacts()
		k, _ := tx.CountKnownCases()
		h, _ := tx.CountHandshakes()
		if c+k+h != 0 {
			t.Fatalf("Clear left %d contacts, %d cases, %d handshakes", c, k, h)
		}
		return nil
	})
}
