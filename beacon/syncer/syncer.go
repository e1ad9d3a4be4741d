// Package syncer pulls published case batches from the backend and feeds them
// to the exposure matcher.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/TheusHen/beacon/beacon/appstate"
	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/exposure"
	"github.com/TheusHen/beacon/beacon/metrics"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/store"
)

const (
	DefaultBatchLength   = 2 * time.Hour
	DefaultWindowDays    = 14
	DefaultRetentionDays = 21
)

var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Fetcher downloads and verifies one published batch. *backend.Client
// implements it.
type Fetcher interface {
	FetchBatch(ctx context.Context, releaseTime time.Time) (protocol.ExposedList, error)
}

// Options configures a Syncer.
type Options struct {
	Fetcher Fetcher
	Matcher *exposure.Matcher
	Records store.Records
	State   *appstate.Store
	// BatchLength is the spacing of release times; it must divide a day.
	BatchLength time.Duration
	// WindowDays is how many days of batches are considered.
	WindowDays int
	// RetentionDays bounds how long known cases are kept.
	RetentionDays int
	Metrics       *metrics.Metrics
	Now           func() time.Time
	Logger        *slog.Logger
}

// Result summarizes one sync run.
type Result struct {
	Batches      int
	NewCases     int
	ExposureDays []day.Day
}

// Syncer runs the batch sync. Only one Sync runs at a time.
type Syncer struct {
	opts    Options
	running atomic.Bool
}

func New(opts Options) *Syncer {
	if opts.BatchLength <= 0 {
		opts.BatchLength = DefaultBatchLength
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer{opts: opts}
}

// ReleaseTimes returns the batch release times a sync at now still has to
// fetch: aligned times from the start of the window up to the last batch
// released at or before now, after watermark.
func ReleaseTimes(now time.Time, watermark int64, length time.Duration, windowDays int) []time.Time {
	from := day.Of(now).SubDays(windowDays).Start()
	if wm := time.UnixMilli(watermark).UTC(); watermark > 0 && !wm.Before(from) {
		from = day.BatchStart(wm, length).Add(length)
	}
	last := day.BatchStart(now, length)
	var out []time.Time
	for t := from; !t.After(last); t = t.Add(length) {
		out = append(out, t)
	}
	return out
}

// Sync fetches every pending batch in release order and ingests its cases.
// The watermark advances after each fully applied batch, so a failure leaves
// it at the last good batch and the next run resumes there. The outcome is
// recorded in the app state.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	start := s.opts.Now()
	res, err := s.sync(ctx)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		state := Classify(err)
		if uerr := s.opts.State.Update(func(st *appstate.State) { st.SyncError = string(state) }); uerr != nil {
			err = errors.Join(err, uerr)
		}
		s.opts.Metrics.SyncFinished(state.String(), elapsed, 0)
		s.opts.Logger.Warn("sync_failed", "state", state, "batches", res.Batches, "err", err)
		return res, err
	}

	now := s.opts.Now()
	err = s.opts.State.Update(func(st *appstate.State) {
		st.LastSync = now.UnixMilli()
		st.SyncError = ""
	})
	if err != nil {
		return res, err
	}
	s.opts.Metrics.SyncFinished("ok", elapsed, now.Unix())
	s.opts.Logger.Info("sync_completed", "batches", res.Batches, "new_cases", res.NewCases, "exposure_days", len(res.ExposureDays))
	return res, nil
}

func (s *Syncer) sync(ctx context.Context) (Result, error) {
	var res Result
	st, err := s.opts.State.Load()
	if err != nil {
		return res, err
	}
	now := s.opts.Now()
	for _, rt := range ReleaseTimes(now, st.LastLoadedBatch, s.opts.BatchLength, s.opts.WindowDays) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		list, err := s.opts.Fetcher.FetchBatch(ctx, rt)
		if err != nil {
			return res, fmt.Errorf("batch %d: %w", rt.UnixMilli(), err)
		}
		added, days, err := s.apply(ctx, rt, list)
		res.NewCases += added
		res.ExposureDays = append(res.ExposureDays, days...)
		if err != nil {
			return res, fmt.Errorf("batch %d: %w", rt.UnixMilli(), err)
		}
		ms := rt.UnixMilli()
		if err := s.opts.State.Update(func(st *appstate.State) { st.LastLoadedBatch = ms }); err != nil {
			return res, err
		}
		res.Batches++
		s.opts.Metrics.BatchApplied(added)
		s.opts.Logger.Debug("sync_batch_applied", "release_time", ms, "cases", len(list.Exposed), "new_cases", added)
	}

	oldest := day.Of(now).SubDays(s.opts.RetentionDays)
	err = s.opts.Records.Update(ctx, func(tx store.Tx) error { return tx.DeleteKnownCasesBefore(oldest) })
	return res, err
}

func (s *Syncer) apply(ctx context.Context, rt time.Time, list protocol.ExposedList) (int, []day.Day, error) {
	bucket := day.Of(rt)
	added := 0
	var days []day.Day
	for _, e := range list.Exposed {
		key, err := crypto.SecretKeyFromBytes(e.Key)
		if err != nil {
			s.opts.Logger.Warn("sync_case_skipped", "release_time", rt.UnixMilli(), "err", err)
			continue
		}
		r, err := s.opts.Matcher.AddKnownCase(ctx, key, day.FromMillis(e.KeyDate), bucket)
		if err != nil {
			return added, days, err
		}
		if r.Inserted {
			added++
		}
		days = append(days, r.ExposureDays...)
	}
	return added, days, nil
}
