// Package contact reduces raw handshakes into day-scoped contact records.
package contact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

// Baseline selects the mean attenuation each window is compared against.
type Baseline int

const (
	// BaselineBatch compares windows against the mean of every usable handshake
	// in the sweep, across all ephemeral ids.
	BaselineBatch Baseline = iota
	// BaselineGroup compares windows against the mean of their own ephemeral id.
	BaselineGroup
)

// ParseBaseline parses "batch" or "group".
func ParseBaseline(s string) (Baseline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return BaselineBatch, nil
	case "group":
		return BaselineGroup, nil
	default:
		return 0, fmt.Errorf("contact: unknown baseline %q", s)
	}
}

func (b Baseline) String() string {
	if b == BaselineGroup {
		return "group"
	}
	return "batch"
}

// Config holds the aggregation thresholds. Attenuations are in dB.
type Config struct {
	EpochDuration  time.Duration
	WindowDuration time.Duration
	// Handshakes at or above this attenuation are dropped.
	BadAttenuationThreshold float64
	// A window qualifies only below this mean attenuation.
	ContactAttenuationThreshold float64
	// A window qualifies only if windowMean/baseline exceeds this ratio.
	EventThreshold float64
	Baseline       Baseline
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		EpochDuration:               15 * time.Minute,
		WindowDuration:              time.Minute,
		BadAttenuationThreshold:     73,
		ContactAttenuationThreshold: 73,
		EventThreshold:              0.8,
		Baseline:                    BaselineBatch,
	}
}

// WindowsPerEpoch returns the upper bound of a contact's window count.
func (c Config) WindowsPerEpoch() int {
	if c.WindowDuration <= 0 {
		return 0
	}
	n := int(c.EpochDuration / c.WindowDuration)
	if c.EpochDuration%c.WindowDuration != 0 {
		n++
	}
	return n
}

type group struct {
	id         crypto.EphID
	handshakes []store.Handshake
}

// Aggregate folds handshakes into one contact per ephemeral id. It has no side
// effects; contacts are returned ordered by date then id.
func Aggregate(handshakes []store.Handshake, cfg Config) []store.Contact {
	groups := map[crypto.EphID]*group{}
	var order []crypto.EphID
	var sum float64
	var n int
	for _, h := range handshakes {
		a := h.Attenuation()
		if a >= cfg.BadAttenuationThreshold {
			continue
		}
		g, ok := groups[h.EphID]
		if !ok {
			g = &group{id: h.EphID}
			groups[h.EphID] = g
			order = append(order, h.EphID)
		}
		g.handshakes = append(g.handshakes, h)
		sum += a
		n++
	}
	if n == 0 {
		return nil
	}
	batchMean := sum / float64(n)

	contacts := make([]store.Contact, 0, len(groups))
	for _, id := range order {
		g := groups[id]
		baseline := batchMean
		if cfg.Baseline == BaselineGroup {
			baseline, _ = mean(g.handshakes, all)
		}
		contacts = append(contacts, aggregateGroup(g, baseline, cfg))
	}

	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].Date != contacts[j].Date {
			return contacts[i].Date < contacts[j].Date
		}
		return string(contacts[i].EphID[:]) < string(contacts[j].EphID[:])
	})
	return contacts
}

func aggregateGroup(g *group, baseline float64, cfg Config) store.Contact {
	start := g.handshakes[0].Timestamp
	for _, h := range g.handshakes[1:] {
		if h.Timestamp.Before(start) {
			start = h.Timestamp
		}
	}

	var windows int
	var qualifyingSum float64
	for offset := time.Duration(0); offset < cfg.EpochDuration; offset += cfg.WindowDuration {
		from := start.Add(offset)
		to := from.Add(cfg.WindowDuration)
		in := func(h store.Handshake) bool {
			return !h.Timestamp.Before(from) && h.Timestamp.Before(to)
		}
		windowMean, ok := mean(g.handshakes, in)
		if !ok {
			continue
		}
		if windowMean/baseline > cfg.EventThreshold && windowMean < cfg.ContactAttenuationThreshold {
			windows++
			qualifyingSum += windowMean
		}
	}

	attenuation, _ := mean(g.handshakes, all)
	if windows > 0 {
		attenuation = qualifyingSum / float64(windows)
	}
	return store.Contact{
		Date:        day.Of(start),
		EphID:       g.id,
		WindowCount: windows,
		Attenuation: attenuation,
	}
}

func all(store.Handshake) bool { return true }

// mean returns the mean attenuation of the matching handshakes.
func mean(hs []store.Handshake, match func(store.Handshake) bool) (float64, bool) {
	var sum float64
	var n int
	for _, h := range hs {
		if match(h) {
			sum += h.Attenuation()
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Options configures an Aggregator.
type Options struct {
	Config        Config
	RetentionDays int
	// Calibration keeps raw handshakes after aggregation.
	Calibration bool
	Now         func() time.Time
	Logger      *slog.Logger
}

// Result summarises one sweep.
type Result struct {
	Handshakes int
	Contacts   int
	Inserted   int
}

// Aggregator runs aggregation sweeps against a record store.
type Aggregator struct {
	records store.Records
	opts    Options
}

func New(records store.Records, opts Options) *Aggregator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 21
	}
	return &Aggregator{records: records, opts: opts}
}

// Run folds the handshakes of all closed epochs into contacts. Handshakes of the
// epoch in progress are left for the next sweep.
func (a *Aggregator) Run(ctx context.Context) (Result, error) {
	now := a.opts.Now()
	cutoff := day.EpochStart(now, a.opts.Config.EpochDuration)
	oldest := day.Of(now).SubDays(a.opts.RetentionDays)

	var res Result
	err := a.records.Update(ctx, func(tx store.Tx) error {
		hs, err := tx.Handshakes(cutoff)
		if err != nil {
			return err
		}
		res.Handshakes = len(hs)
		contacts := Aggregate(hs, a.opts.Config)
		res.Contacts = len(contacts)
		for _, c := range contacts {
			ok, err := tx.InsertContact(c)
			if err != nil {
				return err
			}
			if ok {
				res.Inserted++
			}
		}

		purgeBefore := cutoff
		if a.opts.Calibration {
			purgeBefore = oldest.Start()
		}
		if err := tx.DeleteHandshakesBefore(purgeBefore); err != nil {
			return err
		}
		return tx.DeleteContactsBefore(oldest)
	})
	if err != nil {
		return Result{}, err
	}
	a.opts.Logger.Debug("contacts_aggregated",
		"handshakes", res.Handshakes, "contacts", res.Contacts, "inserted", res.Inserted,
		"calibration", a.opts.Calibration)
	return res, nil
}
