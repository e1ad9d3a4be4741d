package exposure

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

const (
	// DefaultDayRetention is how long an exposure day is kept after it was reported.
	DefaultDayRetention = 14

	daysKey = "exposure/days"
)

// ExposureDay is a day on which the exposure policy was met.
type ExposureDay struct {
	ID          int
	ExposedDate day.Day
	ReportedAt  time.Time
	Deleted     bool
}

type persistedDay struct {
	ID          int   `json:"id"`
	ExposedDate int64 `json:"exposedDate"`
	ReportedAt  int64 `json:"reportDate"`
	Deleted     bool  `json:"deleted,omitempty"`
}

type persistedDays struct {
	LastID int            `json:"lastId"`
	Days   []persistedDay `json:"days"`
}

// DayStoreOptions configures a DayStore.
type DayStoreOptions struct {
	RetentionDays int
	Now           func() time.Time
}

// DayStore keeps the list of exposure days in a KV.
type DayStore struct {
	mu        sync.Mutex
	kv        store.KV
	retention int
	now       func() time.Time
}

func NewDayStore(kv store.KV, opts DayStoreOptions) *DayStore {
	s := &DayStore{kv: kv, retention: opts.RetentionDays, now: opts.Now}
	if s.retention <= 0 {
		s.retention = DefaultDayRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *DayStore) load() (persistedDays, error) {
	var p persistedDays
	if _, err := store.GetJSON(s.kv, daysKey, &p); err != nil {
		return persistedDays{}, err
	}
	return p, nil
}

// Add records d as exposed unless an entry for d exists, deleted or not.
// It reports whether an entry was added.
func (s *DayStore) Add(d day.Day) (bool, error) {
	added, _, err := s.AddAll([]day.Day{d})
	return len(added) == 1, err
}

// AddAll records every date of dates that has no entry yet in a single write
// and returns the added dates. undo puts the list back the way it was before
// the call; it is nil when nothing was written.
func (s *DayStore) AddAll(dates []day.Day) (added []day.Day, undo func() error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.kv.Get(daysKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	p, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	known := make(map[day.Day]bool, len(p.Days))
	for _, e := range p.Days {
		known[day.Day(e.ExposedDate)] = true
	}
	reportedAt := s.now().UnixMilli()
	for _, d := range dates {
		if known[d] {
			continue
		}
		known[d] = true
		p.LastID++
		p.Days = append(p.Days, persistedDay{ID: p.LastID, ExposedDate: int64(d), ReportedAt: reportedAt})
		added = append(added, d)
	}
	if len(added) == 0 {
		return nil, nil, nil
	}
	if err := store.PutJSON(s.kv, daysKey, p); err != nil {
		return nil, nil, err
	}
	undo = func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if prev == nil {
			return s.kv.Delete(daysKey)
		}
		return s.kv.Put(daysKey, prev)
	}
	return added, undo, nil
}

// ExposureDays drops entries reported before the retention window and returns
// the remaining non-deleted entries ordered by exposed date.
func (s *DayStore) ExposureDays() ([]ExposureDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.load()
	if err != nil {
		return nil, err
	}
	cutoff := day.Of(s.now()).SubDays(s.retention).Start().UnixMilli()
	kept := p.Days[:0]
	for _, e := range p.Days {
		if e.ReportedAt >= cutoff {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(p.Days) {
		p.Days = kept
		if err := store.PutJSON(s.kv, daysKey, p); err != nil {
			return nil, err
		}
	}

	var out []ExposureDay
	for _, e := range kept {
		if e.Deleted {
			continue
		}
		out = append(out, ExposureDay{
			ID:          e.ID,
			ExposedDate: day.Day(e.ExposedDate),
			ReportedAt:  time.UnixMilli(e.ReportedAt).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedDate < out[j].ExposedDate })
	return out, nil
}

// Reset marks every entry deleted. Deleted dates are not added again.
func (s *DayStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.load()
	if err != nil {
		return err
	}
	for i := range p.Days {
		p.Days[i].Deleted = true
	}
	return store.PutJSON(s.kv, daysKey, p)
}

// Clear removes every entry.
func (s *DayStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(daysKey)
}
