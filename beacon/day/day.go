// Package day provides UTC day dates, epoch indices and rolling start numbers.
//
// All protocol time arithmetic is done on UTC midnights. A Day is the number of
// whole days since the Unix epoch, so it is comparable, hashable and cheap to
// persist.
package day

import (
	"fmt"
	"time"
)

const (
	// Length is the duration of one day.
	Length = 24 * time.Hour

	// RollingInterval is the unit of the rolling-key wire format.
	RollingInterval = 10 * time.Minute

	// RollingPeriod is the number of rolling intervals per day.
	RollingPeriod = int64(Length / RollingInterval)

	layout = "2006-01-02"
)

// Day is a UTC calendar day, counted in days since 1970-01-01.
type Day int64

// Of returns the UTC day containing t.
func Of(t time.Time) Day {
	return Day(floorDiv(t.UnixMilli(), Length.Milliseconds()))
}

// FromMillis returns the UTC day containing the given unix millisecond timestamp.
func FromMillis(ms int64) Day {
	return Day(floorDiv(ms, Length.Milliseconds()))
}

// Today returns the UTC day of now.
func Today(now func() time.Time) Day {
	if now == nil {
		return Of(time.Now())
	}
	return Of(now())
}

// Parse parses a YYYY-MM-DD date.
func Parse(s string) (Day, error) {
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("day: %w", err)
	}
	return Of(t), nil
}

// Start returns the UTC midnight that starts d.
func (d Day) Start() time.Time {
	return time.UnixMilli(d.Millis()).UTC()
}

// Millis returns the unix millisecond timestamp of d's midnight.
func (d Day) Millis() int64 { return int64(d) * Length.Milliseconds() }

// Next returns the following day.
func (d Day) Next() Day { return d + 1 }

// AddDays returns d shifted by n days.
func (d Day) AddDays(n int) Day { return d + Day(n) }

// SubDays returns d shifted back by n days.
func (d Day) SubDays(n int) Day { return d - Day(n) }

// Before reports whether d is strictly earlier than o.
func (d Day) Before(o Day) bool { return d < o }

// After reports whether d is strictly later than o.
func (d Day) After(o Day) bool { return d > o }

func (d Day) String() string { return d.Start().Format(layout) }

// RollingStartNumber returns the rolling interval at which d starts.
func (d Day) RollingStartNumber() int64 { return int64(d) * RollingPeriod }

// FromRollingStartNumber returns the day containing the rolling interval rsn.
func FromRollingStartNumber(rsn int64) Day {
	return Day(floorDiv(rsn, RollingPeriod))
}

// RollingNumber returns the rolling interval containing t.
func RollingNumber(t time.Time) int64 {
	return floorDiv(t.UnixMilli(), RollingInterval.Milliseconds())
}

// EpochsPerDay returns how many epochs of the given duration fit in a day.
func EpochsPerDay(epoch time.Duration) int {
	if epoch <= 0 {
		return 0
	}
	return int(Length / epoch)
}

// EpochIndex returns the index of the epoch containing t within its day.
func EpochIndex(t time.Time, epoch time.Duration) int {
	offset := t.Sub(Of(t).Start())
	return int(offset / epoch)
}

// EpochStart returns the start of the epoch containing t.
func EpochStart(t time.Time, epoch time.Duration) time.Time {
	start := Of(t).Start()
	return start.Add(time.Duration(EpochIndex(t, epoch)) * epoch)
}

// BatchStart floors t to a multiple of length since the Unix epoch.
func BatchStart(t time.Time, length time.Duration) time.Time {
	ms := length.Milliseconds()
	return time.UnixMilli(floorDiv(t.UnixMilli(), ms) * ms).UTC()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
