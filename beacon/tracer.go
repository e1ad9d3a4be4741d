package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheusHen/beacon/beacon/appstate"
	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/config"
	"github.com/TheusHen/beacon/beacon/contact"
	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/crypto/ratchet"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/export"
	"github.com/TheusHen/beacon/beacon/exposure"
	"github.com/TheusHen/beacon/beacon/metrics"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/publish"
	"github.com/TheusHen/beacon/beacon/scheduler"
	"github.com/TheusHen/beacon/beacon/store"
	"github.com/TheusHen/beacon/beacon/syncer"
)

var (
	// ErrNoBackend is returned by operations that need a backend when none is configured.
	ErrNoBackend        = errors.New("beacon: no backend configured")
	ErrInvalidHandshake = errors.New("beacon: invalid handshake")
)

// Job names used by Jobs.
const (
	JobAggregate = "aggregate"
	JobSync      = "sync"
	JobDrain     = "drain"
	JobDecoy     = "decoy"
)

// Deps are the ports a Tracer runs on.
type Deps struct {
	KV      store.KV
	Records store.Records
	// Backend may be nil; Sync, Report, Drain and decoys then fail with ErrNoBackend.
	Backend *backend.Client
	Metrics *metrics.Metrics
	Now     func() time.Time
	Logger  *slog.Logger
	// Closers run on Close in reverse order.
	Closers []func() error
}

// Status is a snapshot of the engine state.
type Status struct {
	Handshakes     int
	Contacts       int
	KnownCases     int
	ExposureDays   []exposure.ExposureDay
	Infected       bool
	LastSync       time.Time
	SyncError      syncer.ErrorState
	PendingUploads int
	NextDecoy      time.Time
	Calibration    bool
}

// Tracer is the engine facade. Handshakes may be recorded at any time; every
// other mutation is serialised by one writer lock, so aggregation, sync,
// reporting and wipes never interleave.
type Tracer struct {
	cfg  config.Config
	deps Deps

	mu          sync.Mutex
	chain       *ratchet.Chain
	broadcaster *ratchet.Broadcaster
	aggregator  *contact.Aggregator
	days        *exposure.DayStore
	matcher     *exposure.Matcher
	syncer      *syncer.Syncer
	publisher   *publish.Publisher
	queue       *publish.PendingQueue
	keys        *publish.KeyLog
	state       *appstate.Store
	decoys      *publish.DecoySchedule
}

// New builds a Tracer from a validated configuration.
func New(cfg config.Config, deps Deps) (*Tracer, error) {
	if deps.KV == nil || deps.Records == nil {
		return nil, errors.New("beacon: KV and Records are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	t := &Tracer{cfg: cfg, deps: deps}

	chain, err := ratchet.NewChain(deps.KV, ratchet.Options{RetentionDays: cfg.Protocol.RetentionDays, Now: deps.Now})
	if err != nil {
		return nil, err
	}
	if err := chain.Init(); err != nil {
		return nil, err
	}
	t.chain = chain
	t.broadcaster, err = ratchet.NewBroadcaster(chain, deps.KV, ratchet.BroadcastOptions{
		EpochDuration: cfg.Protocol.Epoch.Duration(),
		Now:           deps.Now,
	})
	if err != nil {
		return nil, err
	}

	t.state = appstate.New(deps.KV)
	st, err := t.state.Load()
	if err != nil {
		return nil, err
	}
	t.aggregator = contact.New(deps.Records, contact.Options{
		Config:        cfg.ContactConfig(),
		RetentionDays: cfg.Protocol.RetentionDays,
		Calibration:   cfg.Aggregation.Calibration || st.Calibration,
		Now:           deps.Now,
		Logger:        deps.Logger,
	})

	t.days = exposure.NewDayStore(deps.KV, exposure.DayStoreOptions{
		RetentionDays: cfg.Exposure.DayRetentionDays,
		Now:           deps.Now,
	})
	t.matcher = exposure.NewMatcher(deps.Records, t.days, exposure.Options{
		Policy: cfg.Policy(),
		Epochs: t.broadcaster.Epochs(),
		Now:    deps.Now,
		Logger: deps.Logger,
	})

	var fetcher syncer.Fetcher
	var reporter publish.Reporter
	if deps.Backend != nil {
		fetcher, reporter = deps.Backend, deps.Backend
	}
	t.syncer = syncer.New(syncer.Options{
		Fetcher:       fetcher,
		Matcher:       t.matcher,
		Records:       deps.Records,
		State:         t.state,
		BatchLength:   cfg.Protocol.BatchLength.Duration(),
		WindowDays:    cfg.Protocol.SyncWindow,
		RetentionDays: cfg.Protocol.RetentionDays,
		Metrics:       deps.Metrics,
		Now:           deps.Now,
		Logger:        deps.Logger,
	})

	t.queue = publish.NewPendingQueue(deps.KV)
	t.keys = publish.NewKeyLog(deps.KV, cfg.Protocol.RetentionDays)
	t.publisher = publish.New(publish.Options{
		Chain:    chain,
		Reporter: reporter,
		Queue:    t.queue,
		State:    t.state,
		Keys:     t.keys,
		Now:      deps.Now,
		Logger:   deps.Logger,
	})
	t.decoys = publish.NewDecoySchedule(cfg.Decoy.Mean.Duration(), rate.Every(cfg.Decoy.MinGap.Duration()), 1)
	return t, nil
}

// Close releases the ports handed over in Deps.Closers.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for i := len(t.deps.Closers) - 1; i >= 0; i-- {
		errs = append(errs, t.deps.Closers[i]())
	}
	t.deps.Closers = nil
	return errors.Join(errs...)
}

// CurrentID returns the ephemeral id to broadcast now.
func (t *Tracer) CurrentID() (crypto.EphID, error) { return t.broadcaster.CurrentID() }

// RecordHandshake stores one observation of another device.
func (t *Tracer) RecordHandshake(ctx context.Context, h store.Handshake) error {
	if h.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidHandshake)
	}
	h.ID = 0
	if err := t.deps.Records.Update(ctx, func(tx store.Tx) error { return tx.InsertHandshake(h) }); err != nil {
		return err
	}
	t.deps.Metrics.HandshakeRecorded()
	return nil
}

// Aggregate folds the handshakes of closed epochs into contacts.
func (t *Tracer) Aggregate(ctx context.Context) (contact.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, err := t.aggregator.Run(ctx)
	if err != nil {
		return res, err
	}
	t.deps.Metrics.ContactsCreated(res.Inserted)
	return res, nil
}

// Sync downloads the pending batches and matches their cases.
func (t *Tracer) Sync(ctx context.Context) (syncer.Result, error) {
	if t.deps.Backend == nil {
		return syncer.Result{}, ErrNoBackend
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	res, err := t.syncer.Sync(ctx)
	t.refreshExposureGauge()
	return res, err
}

// Report discloses the key covering onset.
func (t *Tracer) Report(ctx context.Context, onset day.Day, auth publish.Auth) error {
	if t.deps.Backend == nil {
		return ErrNoBackend
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.publisher.Report(ctx, onset, auth); err != nil {
		return err
	}
	t.deps.Metrics.ReportSent("legacy")
	return nil
}

// RecordTemporaryKey logs the rotating temporary key the radio layer broadcast
// during the rolling period starting at rsn. Logged keys are what
// ReportTemporaryKeys discloses and what Drain uploads as the delayed key.
func (t *Tracer) RecordTemporaryKey(rsn int64, key []byte) error {
	return t.keys.Record(rsn, key)
}

// ReportTemporaryKeys discloses the logged temporary keys from onset up to
// yesterday; today's key follows once it is complete.
func (t *Tracer) ReportTemporaryKeys(ctx context.Context, onset day.Day, auth publish.Auth) error {
	if t.deps.Backend == nil {
		return ErrNoBackend
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, err := t.keys.Disclosable(onset, day.Of(t.deps.Now()).RollingStartNumber())
	if err != nil {
		return err
	}
	if len(keys) > protocol.GaenKeysPerReport {
		keys = keys[:protocol.GaenKeysPerReport]
	}
	if err := t.publisher.ReportTemporaryKeys(ctx, keys, auth); err != nil {
		return err
	}
	t.deps.Metrics.ReportSent("temporary_keys")
	t.refreshPendingGauge()
	return nil
}

// Drain uploads the delayed keys that are due.
func (t *Tracer) Drain(ctx context.Context) (int, error) {
	if t.deps.Backend == nil {
		return 0, ErrNoBackend
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.publisher.Drain(ctx)
	for i := 0; i < n; i++ {
		t.deps.Metrics.ReportSent("delayed_key")
	}
	t.refreshPendingGauge()
	return n, err
}

// Decoy sends a decoy report when decoys are enabled and one is due. It
// reports whether one was sent.
func (t *Tracer) Decoy(ctx context.Context) (bool, error) {
	if !t.cfg.Decoy.Enabled || t.deps.Backend == nil {
		return false, nil
	}
	if !t.decoys.Due(t.deps.Now()) {
		return false, nil
	}
	return true, t.SendDecoy(ctx)
}

// SendDecoy sends a decoy report now.
func (t *Tracer) SendDecoy(ctx context.Context) error {
	if t.deps.Backend == nil {
		return ErrNoBackend
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.publisher.SendDecoy(ctx); err != nil {
		return err
	}
	t.deps.Metrics.ReportSent("decoy")
	t.refreshPendingGauge()
	return nil
}

// ExposureDays returns the current exposure days.
func (t *Tracer) ExposureDays() ([]exposure.ExposureDay, error) {
	days, err := t.days.ExposureDays()
	if err != nil {
		return nil, err
	}
	t.deps.Metrics.SetExposureDays(len(days))
	return days, nil
}

// ResetExposureDays hides every current exposure day for good.
func (t *Tracer) ResetExposureDays() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.days.Reset(); err != nil {
		return err
	}
	t.deps.Metrics.SetExposureDays(0)
	return nil
}

// Status collects counts and flags for display.
func (t *Tracer) Status(ctx context.Context) (Status, error) {
	var s Status
	err := t.deps.Records.View(ctx, func(tx store.Tx) error {
		var err error
		if s.Handshakes, err = tx.CountHandshakes(); err != nil {
			return err
		}
		if s.Contacts, err = tx.CountContacts(); err != nil {
			return err
		}
		s.KnownCases, err = tx.CountKnownCases()
		return err
	})
	if err != nil {
		return Status{}, err
	}
	if s.ExposureDays, err = t.ExposureDays(); err != nil {
		return Status{}, err
	}
	st, err := t.state.Load()
	if err != nil {
		return Status{}, err
	}
	s.Infected = st.Infected
	s.LastSync = st.LastSyncTime()
	s.SyncError = syncer.ErrorState(st.SyncError)
	s.Calibration = st.Calibration || t.cfg.Aggregation.Calibration
	if s.PendingUploads, err = t.queue.Len(); err != nil {
		return Status{}, err
	}
	s.NextDecoy = t.decoys.Next()
	return s, nil
}

// Export writes the local records to dir as erasure-coded shards.
func (t *Tracer) Export(ctx context.Context, dir string, opts export.Options) (export.Manifest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := export.InstallID(t.deps.KV)
	if err != nil {
		return export.Manifest{}, err
	}
	snap, err := export.Collect(ctx, t.deps.Records, id, t.deps.Now())
	if err != nil {
		return export.Manifest{}, err
	}
	m, err := export.Write(dir, snap, opts)
	if err != nil {
		return export.Manifest{}, err
	}
	t.deps.Logger.Info("records_exported", "dir", dir, "handshakes", m.Handshakes, "contacts", m.Contacts)
	return m, nil
}

// Clear wipes every record and restarts the key chain. The device is no longer
// marked infected afterwards.
func (t *Tracer) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := []func() error{
		func() error { return t.deps.Records.Update(ctx, func(tx store.Tx) error { return tx.Clear() }) },
		t.chain.Reset,
		t.broadcaster.Reset,
		t.days.Clear,
		t.queue.Clear,
		t.keys.Reset,
		t.state.Clear,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("beacon: clear: %w", err)
		}
	}
	t.deps.Metrics.SetExposureDays(0)
	t.deps.Metrics.SetPendingUploads(0)
	t.deps.Logger.Info("data_cleared")
	return nil
}

// Jobs returns the periodic jobs of the engine for a scheduler. Jobs that need
// a backend are left out without one, and an empty cron expression disables a
// job.
func (t *Tracer) Jobs() []scheduler.Job {
	all := []struct {
		job    scheduler.Job
		online bool
		off    bool
	}{
		{job: scheduler.Job{Name: JobAggregate, Cron: t.cfg.Schedule.Aggregate, Run: func(ctx context.Context) error {
			_, err := t.Aggregate(ctx)
			return err
		}}},
		{online: true, job: scheduler.Job{Name: JobSync, Cron: t.cfg.Schedule.Sync, Run: func(ctx context.Context) error {
			_, err := t.Sync(ctx)
			return err
		}}},
		{online: true, job: scheduler.Job{Name: JobDrain, Cron: t.cfg.Schedule.Drain, Run: func(ctx context.Context) error {
			_, err := t.Drain(ctx)
			return err
		}}},
		{online: true, off: !t.cfg.Decoy.Enabled, job: scheduler.Job{Name: JobDecoy, Cron: t.cfg.Schedule.Decoy, Run: func(ctx context.Context) error {
			_, err := t.Decoy(ctx)
			return err
		}}},
	}
	var jobs []scheduler.Job
	for _, j := range all {
		if j.off || j.job.Cron == "" || (j.online && t.deps.Backend == nil) {
			continue
		}
		jobs = append(jobs, j.job)
	}
	return jobs
}

func (t *Tracer) refreshExposureGauge() {
	if days, err := t.days.ExposureDays(); err == nil {
		t.deps.Metrics.SetExposureDays(len(days))
	}
}

func (t *Tracer) refreshPendingGauge() {
	if n, err := t.queue.Len(); err == nil {
		t.deps.Metrics.SetPendingUploads(n)
	}
}
