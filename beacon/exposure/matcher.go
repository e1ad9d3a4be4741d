// Package exposure matches published case keys against stored contacts and
// keeps the resulting exposure days.
package exposure

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

// ContactLookup returns the contacts dated d.
type ContactLookup func(d day.Day) ([]store.Contact, error)

// CheckContacts walks the case's key chain from onset up to and including
// horizon and returns the contacts whose ephemeral id belongs to the id set of
// their day. The key is ratcheted forward once per day; it is never persisted.
func CheckContacts(key crypto.SecretKey, onset, horizon day.Day, epochs int, lookup ContactLookup) ([]store.Contact, error) {
	var matches []store.Contact
	for d := onset; !d.After(horizon); d = d.Next() {
		contacts, err := lookup(d)
		if err != nil {
			return nil, err
		}
		if len(contacts) > 0 {
			ids, err := crypto.DeriveEphIDSet(key, epochs)
			if err != nil {
				return nil, err
			}
			for _, c := range contacts {
				if ids.Contains(c.EphID) {
					matches = append(matches, c)
				}
			}
		}
		key = key.Next()
	}
	return matches, nil
}

// Options configures a Matcher.
type Options struct {
	Policy Policy
	// Epochs is the number of ephemeral ids per day.
	Epochs int
	Now    func() time.Time
	Logger *slog.Logger
}

// Result describes the effect of one AddKnownCase call.
type Result struct {
	// Inserted is false when the case was already known; nothing else happened then.
	Inserted     bool
	CaseID       int64
	Matches      int
	ExposureDays []day.Day
}

// Matcher ingests known cases.
type Matcher struct {
	records store.Records
	days    *DayStore
	opts    Options
}

func NewMatcher(records store.Records, days *DayStore, opts Options) *Matcher {
	if opts.Epochs <= 0 {
		opts.Epochs = 96
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Matcher{records: records, days: days, opts: opts}
}

// AddKnownCase stores a published case key and, if it was not known yet, marks
// the contacts it matches and records newly qualifying exposure days. The
// exposure days are written last, in one KV write inside the record
// transaction, and put back if the transaction does not commit: a failed call
// leaves both stores as they were and a later sync will see the case again.
func (m *Matcher) AddKnownCase(ctx context.Context, key crypto.SecretKey, onset, bucket day.Day) (Result, error) {
	var (
		res  Result
		undo func() error
	)
	err := m.records.Update(ctx, func(tx store.Tx) error {
		res, undo = Result{}, nil
		id, inserted, err := tx.InsertKnownCase(store.KnownCase{BucketDay: bucket, Key: key, OnsetDay: onset})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		res.Inserted, res.CaseID = true, id

		lookup := func(d day.Day) ([]store.Contact, error) { return tx.Contacts(d, d.Next()) }
		matches, err := CheckContacts(key, onset, bucket, m.opts.Epochs, lookup)
		if err != nil {
			return err
		}
		res.Matches = len(matches)

		var dates []day.Day
		seen := map[day.Day]bool{}
		for _, c := range matches {
			if err := tx.SetContactCase(c.ID, id); err != nil {
				return err
			}
			if !seen[c.Date] {
				seen[c.Date] = true
				dates = append(dates, c.Date)
			}
		}

		oldest := day.Of(m.opts.Now()).SubDays(m.opts.Policy.DaysToConsider)
		var exposed []day.Day
		for _, d := range dates {
			if d.Before(oldest) {
				continue
			}
			matched, err := tx.MatchedContacts(d)
			if err != nil {
				return err
			}
			ev := m.opts.Policy.Evaluate(matched)
			if !ev.Exposed {
				m.opts.Logger.Debug("exposure_below_threshold", "date", d, "minutes", ev.Minutes)
				continue
			}
			exposed = append(exposed, d)
		}
		res.ExposureDays, undo, err = m.days.AddAll(exposed)
		return err
	})
	if err != nil && undo != nil {
		if uerr := undo(); uerr != nil {
			m.opts.Logger.Error("exposure_days_restore_failed", "err", uerr)
			return Result{}, errors.Join(err, uerr)
		}
	}
	if err != nil {
		return Result{}, err
	}
	if res.Inserted {
		m.opts.Logger.Debug("known_case_added",
			"onset", onset, "bucket", bucket, "matches", res.Matches, "exposure_days", len(res.ExposureDays))
	}
	for _, d := range res.ExposureDays {
		m.opts.Logger.Info("exposure_day_recorded", "date", d)
	}
	return res, nil
}
