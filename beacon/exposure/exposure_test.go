package exposure

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
	"github.com/TheusHen/beacon/beacon/store/memory"
)

var testDay = day.Of(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	clk     *clock
	kv      store.KV
	records *memory.Records
	days    *DayStore
	matcher *Matcher
}

func newFixture(t *testing.T, kv store.KV) *fixture {
	t.Helper()
	if kv == nil {
		kv = memory.NewKV()
	}
	clk := &clock{t: testDay.AddDays(2).Start().Add(12 * time.Hour)}
	f := &fixture{clk: clk, kv: kv, records: memory.NewRecords()}
	f.days = NewDayStore(kv, DayStoreOptions{Now: clk.now})
	f.matcher = NewMatcher(f.records, f.days, Options{Policy: DefaultPolicy(), Epochs: 96, Now: clk.now})
	return f
}

func (f *fixture) addContact(t *testing.T, c store.Contact) {
	t.Helper()
	err := f.records.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.InsertContact(c)
		return err
	})
	if err != nil {
		t.Fatalf("insert contact: %v", err)
	}
}

func (f *fixture) exposureDays(t *testing.T) []ExposureDay {
	t.Helper()
	days, err := f.days.ExposureDays()
	if err != nil {
		t.Fatalf("ExposureDays: %v", err)
	}
	return days
}

func mustKey(t *testing.T) crypto.SecretKey {
	t.Helper()
	k, err := crypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	return k
}

func mustIDs(t *testing.T, k crypto.SecretKey) []crypto.EphID {
	t.Helper()
	ids, err := crypto.DeriveEphIDs(k, 96)
	if err != nil {
		t.Fatalf("DeriveEphIDs: %v", err)
	}
	return ids
}

func TestKnownCaseSingleExposureDay(t *testing.T) {
	f := newFixture(t, nil)
	k0 := mustKey(t)
	ids := mustIDs(t, k0)
	f.addContact(t, store.Contact{Date: testDay, EphID: ids[5], WindowCount: 15, Attenuation: 40})

	res, err := f.matcher.AddKnownCase(context.Background(), k0, testDay, testDay)
	if err != nil {
		t.Fatalf("AddKnownCase: %v", err)
	}
	if !res.Inserted || res.Matches != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	days := f.exposureDays(t)
	if len(days) != 1 || days[0].ExposedDate != testDay {
		t.Fatalf("expected one exposure day for %s, got %+v", testDay, days)
	}
}

func TestKnownCaseIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	k0 := mustKey(t)
	ids := mustIDs(t, k0)
	f.addContact(t, store.Contact{Date: testDay, EphID: ids[5], WindowCount: 15, Attenuation: 40})

	if _, err := f.matcher.AddKnownCase(context.Background(), k0, testDay, testDay); err != nil {
		t.Fatalf("AddKnownCase: %v", err)
	}
	res, err := f.matcher.AddKnownCase(context.Background(), k0, testDay, testDay)
	if err != nil {
		t.Fatalf("second AddKnownCase: %v", err)
	}
	if res.Inserted || res.Matches != 0 {
		t.Fatalf("second call must be a no-op, got %+v", res)
	}
	if n := len(f.exposureDays(t)); n != 1 {
		t.Fatalf("exposure days = %d after re-ingest", n)
	}
	err = f.records.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountKnownCases()
		if err == nil && n != 1 {
			t.Fatalf("known cases = %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestKnownCasesOnlyExposeAboveThreshold(t *testing.T) {
	f := newFixture(t, nil)
	personA, personB := mustKey(t), mustKey(t)
	dayB1, dayB2 := testDay.SubDays(2), testDay.SubDays(1)

	f.addContact(t, store.Contact{Date: testDay, EphID: mustIDs(t, personA)[10], WindowCount: 5, Attenuation: 40})
	f.addContact(t, store.Contact{Date: dayB1, EphID: mustIDs(t, personB)[20], WindowCount: 15, Attenuation: 40})
	f.addContact(t, store.Contact{Date: dayB2, EphID: mustIDs(t, personB.Next())[30], WindowCount: 30, Attenuation: 60})

	res, err := f.matcher.AddKnownCase(context.Background(), personA, testDay, testDay)
	if err != nil {
		t.Fatalf("AddKnownCase A: %v", err)
	}
	if res.Matches != 1 || len(f.exposureDays(t)) != 0 {
		t.Fatalf("person A must match without exposure: %+v", res)
	}

	if _, err := f.matcher.AddKnownCase(context.Background(), personB, dayB1, testDay); err != nil {
		t.Fatalf("AddKnownCase B: %v", err)
	}
	days := f.exposureDays(t)
	if len(days) != 2 || days[0].ExposedDate != dayB1 || days[1].ExposedDate != dayB2 {
		t.Fatalf("expected exposure on %s and %s, got %+v", dayB1, dayB2, days)
	}
}

func TestCheckContactsRatchetsToBucketDay(t *testing.T) {
	raw, _ := base64.StdEncoding.DecodeString("n5N07F0UnZ3DLWCpZ6rmQbWVYS1TDF/ttHLT8SdaHRs=")
	key, err := crypto.SecretKeyFromBytes(raw)
	if err != nil {
		t.Fatalf("SecretKeyFromBytes: %v", err)
	}
	ratcheted, _ := crypto.ParseEphID("ZN5cLwKOJVAWC7caIHskog==")
	onsetID, _ := crypto.ParseEphID("pNnUpeiAGdha8O0cV75+uQ==")
	stranger, _ := crypto.ParseEphID("3daU4Ky04Zugx7RwRm7mQw==")

	onset := testDay
	contacts := map[day.Day][]store.Contact{
		onset.Next(): {
			{ID: 1, Date: onset.Next(), EphID: ratcheted},
			{ID: 2, Date: onset.Next(), EphID: onsetID},
			{ID: 3, Date: onset.Next(), EphID: stranger},
		},
	}
	var looked []day.Day
	lookup := func(d day.Day) ([]store.Contact, error) {
		looked = append(looked, d)
		return contacts[d], nil
	}

	matches, err := CheckContacts(key, onset, onset.Next(), 96, lookup)
	if err != nil {
		t.Fatalf("CheckContacts: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 1 {
		t.Fatalf("expected only the ratcheted id to match, got %+v", matches)
	}
	if len(looked) != 2 || looked[0] != onset || looked[1] != onset.Next() {
		t.Fatalf("unexpected lookups %v", looked)
	}

	// Without the bucket day the ratcheted contact is out of range.
	matches, _ = CheckContacts(key, onset, onset, 96, lookup)
	if len(matches) != 0 {
		t.Fatalf("horizon not honoured: %+v", matches)
	}
}

func TestCheckContactsLookupError(t *testing.T) {
	boom := errors.New("boom")
	_, err := CheckContacts(crypto.SecretKey{}, testDay, testDay.AddDays(3), 96, func(day.Day) ([]store.Contact, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestPolicyThresholdInclusive(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		name     string
		contacts []store.Contact
		exposed  bool
	}{
		{"low exactly at threshold", []store.Contact{{WindowCount: 15, Attenuation: 40}}, true},
		{"low one minute short", []store.Contact{{WindowCount: 14, Attenuation: 40}}, false},
		{"medium weighted at threshold", []store.Contact{{WindowCount: 30, Attenuation: 60}}, true},
		{"medium weighted below", []store.Contact{{WindowCount: 29, Attenuation: 60}}, false},
		{"mixed buckets", []store.Contact{{WindowCount: 10, Attenuation: 54.9}, {WindowCount: 10, Attenuation: 55}}, true},
		{"high ignored", []store.Contact{{WindowCount: 60, Attenuation: 63}}, false},
		{"nothing", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := p.Evaluate(tc.contacts)
			if ev.Exposed != tc.exposed {
				t.Fatalf("exposed = %v (%.1f min), want %v", ev.Exposed, ev.Minutes, tc.exposed)
			}
		})
	}
}

func TestPolicyZeroThresholdNeedsEvidence(t *testing.T) {
	p := DefaultPolicy()
	p.MinDuration = 0
	if p.Evaluate([]store.Contact{{WindowCount: 0, Attenuation: 40}}).Exposed {
		t.Fatalf("contact without windows must not expose")
	}
}

func TestDaysBeyondConsiderationWindowIgnored(t *testing.T) {
	f := newFixture(t, nil)
	k := mustKey(t)
	old := day.Of(f.clk.t).SubDays(DefaultPolicy().DaysToConsider + 1)
	f.addContact(t, store.Contact{Date: old, EphID: mustIDs(t, k)[0], WindowCount: 30, Attenuation: 40})

	res, err := f.matcher.AddKnownCase(context.Background(), k, old, old)
	if err != nil {
		t.Fatalf("AddKnownCase: %v", err)
	}
	if res.Matches != 1 || len(res.ExposureDays) != 0 {
		t.Fatalf("old contact must match without exposure: %+v", res)
	}
}

type failingKV struct{ *memory.KV }

func (failingKV) Put(string, []byte) error { return store.ErrStorage }

func TestKnownCaseRolledBackOnDayStoreFailure(t *testing.T) {
	f := newFixture(t, failingKV{memory.NewKV()})
	k0 := mustKey(t)
	f.addContact(t, store.Contact{Date: testDay, EphID: mustIDs(t, k0)[5], WindowCount: 15, Attenuation: 40})

	_, err := f.matcher.AddKnownCase(context.Background(), k0, testDay, testDay)
	if !errors.Is(err, store.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	err = f.records.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountKnownCases()
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("known case committed despite failure")
		}
		matched, err := tx.MatchedContacts(testDay)
		if err == nil && len(matched) != 0 {
			t.Fatalf("contact association committed despite failure")
		}
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

// countingKV fails every Put after the first failAfter ones.
type countingKV struct {
	*memory.KV
	puts      int
	failAfter int
}

func (c *countingKV) Put(key string, value []byte) error {
	c.puts++
	if c.puts > c.failAfter {
		return store.ErrStorage
	}
	return c.KV.Put(key, value)
}

// commitFailure runs fn and then reports a failed commit.
type commitFailure struct{ *memory.Records }

var errCommit = errors.New("commit failed")

func (r commitFailure) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	err := r.Records.Update(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
	return err
}

func (f *fixture) twoDayExposure(t *testing.T) crypto.SecretKey {
	t.Helper()
	k0 := mustKey(t)
	f.addContact(t, store.Contact{Date: testDay, EphID: mustIDs(t, k0)[5], WindowCount: 15, Attenuation: 40})
	f.addContact(t, store.Contact{Date: testDay.Next(), EphID: mustIDs(t, k0.Next())[9], WindowCount: 15, Attenuation: 40})
	return k0
}

func TestKnownCaseWritesExposureDaysOnce(t *testing.T) {
	kv := &countingKV{KV: memory.NewKV(), failAfter: 1}
	f := newFixture(t, kv)
	k0 := f.twoDayExposure(t)

	res, err := f.matcher.AddKnownCase(context.Background(), k0, testDay, testDay.Next())
	if err != nil {
		t.Fatalf("AddKnownCase: %v", err)
	}
	if len(res.ExposureDays) != 2 || kv.puts != 1 {
		t.Fatalf("want 2 exposure days in one write, got %v in %d writes", res.ExposureDays, kv.puts)
	}
	if got := f.exposureDays(t); len(got) != 2 {
		t.Fatalf("stored exposure days: %+v", got)
	}
}

func TestKnownCaseCommitFailureRestoresExposureDays(t *testing.T) {
	f := newFixture(t, nil)
	k0 := f.twoDayExposure(t)
	if _, err := f.days.Add(testDay.AddDays(-5)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	matcher := NewMatcher(commitFailure{f.records}, f.days, Options{Policy: DefaultPolicy(), Epochs: 96, Now: f.clk.now})

	_, err := matcher.AddKnownCase(context.Background(), k0, testDay, testDay.Next())
	if !errors.Is(err, errCommit) {
		t.Fatalf("expected commit error, got %v", err)
	}
	days := f.exposureDays(t)
	if len(days) != 1 || days[0].ExposedDate != testDay.AddDays(-5) {
		t.Fatalf("exposure days not restored: %+v", days)
	}
	err = f.records.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountKnownCases()
		if err == nil && n != 0 {
			t.Fatalf("known case committed despite failure")
		}
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	// With nothing stored before, a failed commit leaves no list behind.
	f = newFixture(t, nil)
	k0 = f.twoDayExposure(t)
	matcher = NewMatcher(commitFailure{f.records}, f.days, Options{Policy: DefaultPolicy(), Epochs: 96, Now: f.clk.now})
	if _, err := matcher.AddKnownCase(context.Background(), k0, testDay, testDay.Next()); !errors.Is(err, errCommit) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if _, err := f.kv.Get("exposure/days"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("exposure days left behind: %v", err)
	}
}

func TestDayStoreRetentionWithoutDelete(t *testing.T) {
	clk := &clock{t: testDay.Start().Add(9 * time.Hour)}
	s := NewDayStore(memory.NewKV(), DayStoreOptions{Now: clk.now})
	if _, err := s.Add(testDay); err != nil {
		t.Fatalf("Add: %v", err)
	}
	clk.t = clk.t.Add(5 * day.Length)
	if _, err := s.Add(testDay.AddDays(5)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	days, _ := s.ExposureDays()
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}

	clk.t = clk.t.Add(10 * day.Length)
	days, err := s.ExposureDays()
	if err != nil {
		t.Fatalf("ExposureDays: %v", err)
	}
	if len(days) != 1 || days[0].ExposedDate != testDay.AddDays(5) {
		t.Fatalf("expired entry still visible: %+v", days)
	}
}

func TestDayStoreResetAndClear(t *testing.T) {
	clk := &clock{t: testDay.Start()}
	s := NewDayStore(memory.NewKV(), DayStoreOptions{Now: clk.now})
	if added, _ := s.Add(testDay); !added {
		t.Fatalf("first Add not added")
	}
	if added, _ := s.Add(testDay); added {
		t.Fatalf("duplicate date added")
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if days, _ := s.ExposureDays(); len(days) != 0 {
		t.Fatalf("reset days still visible")
	}
	if added, _ := s.Add(testDay); added {
		t.Fatalf("reset date added again")
	}
	added, err := s.Add(testDay.Next())
	if err != nil || !added {
		t.Fatalf("Add after reset = %v, %v", added, err)
	}
	days, _ := s.ExposureDays()
	if len(days) != 1 || days[0].ID != 2 {
		t.Fatalf("ids must keep increasing across reset: %+v", days)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if added, _ := s.Add(testDay); !added {
		t.Fatalf("Add after clear not added")
	}
}
