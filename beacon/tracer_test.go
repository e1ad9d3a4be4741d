package beacon_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/beacon/beacon"
	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/backend/backendtest"
	"github.com/TheusHen/beacon/beacon/config"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/export"
	"github.com/TheusHen/beacon/beacon/logging"
	"github.com/TheusHen/beacon/beacon/metrics"
	"github.com/TheusHen/beacon/beacon/publish"
	"github.com/TheusHen/beacon/beacon/signing"
	"github.com/TheusHen/beacon/beacon/store"
	"github.com/TheusHen/beacon/beacon/store/memory"
	"github.com/TheusHen/beacon/beacon/syncer"
)

type world struct {
	now  time.Time
	fake *backendtest.Server
	url  string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{now: time.Date(2020, 6, 10, 9, 0, 0, 0, time.UTC)}
	fake, err := backendtest.New(backendtest.Options{
		PublishReports: true,
		Now:            w.clock,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	w.fake, w.url = fake, srv.URL
	return w
}

func (w *world) clock() time.Time { return w.now }

func (w *world) device(t *testing.T, online bool) *beacon.Tracer {
	t.Helper()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Records: "memory", KV: "memory"}
	deps := beacon.Deps{
		KV:      memory.NewKV(),
		Records: memory.NewRecords(),
		Metrics: metrics.New(),
		Now:     w.clock,
		Logger:  logging.Discard(),
	}
	if online {
		v, err := signing.NewVerifier(w.fake.Keys().PublicKey)
		require.NoError(t, err)
		deps.Backend, err = backend.New(backend.Options{BaseURL: w.url, Verifier: v, Now: w.clock, Logger: logging.Discard()})
		require.NoError(t, err)
	}
	tr, err := beacon.New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// meet makes b hear a's current id once a minute for a full epoch.
func (w *world) meet(t *testing.T, a, b *beacon.Tracer) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		id, err := a.CurrentID()
		require.NoError(t, err)
		require.NoError(t, b.RecordHandshake(ctx, store.Handshake{EphID: id, RSSI: -45, Timestamp: w.now.Add(10 * time.Second)}))
		w.now = w.now.Add(time.Minute)
	}
}

func TestReportedContactBecomesExposureDay(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob := w.device(t, true), w.device(t, true)
	today := day.Of(w.now)

	w.meet(t, alice, bob)
	w.now = w.now.Add(time.Minute)
	agg, err := bob.Aggregate(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, agg.Handshakes)
	require.Equal(t, 1, agg.Inserted)

	before, err := alice.CurrentID()
	require.NoError(t, err)
	require.NoError(t, alice.Report(ctx, today, publish.Auth{Code: "123"}))
	require.Len(t, w.fake.Reports(), 1)
	after, err := alice.CurrentID()
	require.NoError(t, err)
	require.NotEqual(t, before, after, "reporting restarts the key chain")

	st, err := alice.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Infected)

	w.now = w.now.Add(time.Hour)
	res, err := bob.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.NewCases)
	require.Equal(t, []day.Day{today}, res.ExposureDays)

	days, err := bob.ExposureDays()
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, today, days[0].ExposedDate)

	st, err = bob.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Contacts)
	require.Equal(t, 1, st.KnownCases)
	require.False(t, st.LastSync.IsZero())
	require.Equal(t, syncer.ErrorNone, st.SyncError)

	require.NoError(t, bob.ResetExposureDays())
	days, err = bob.ExposureDays()
	require.NoError(t, err)
	require.Empty(t, days)
}

func TestOfflineTracer(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tr := w.device(t, false)

	_, err := tr.Sync(ctx)
	require.ErrorIs(t, err, beacon.ErrNoBackend)
	require.ErrorIs(t, tr.Report(ctx, day.Of(w.now), publish.Auth{}), beacon.ErrNoBackend)
	sent, err := tr.Decoy(ctx)
	require.NoError(t, err)
	require.False(t, sent)

	jobs := tr.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, beacon.JobAggregate, jobs[0].Name)
}

func TestRecordHandshakeRequiresTimestamp(t *testing.T) {
	w := newWorld(t)
	tr := w.device(t, false)
	err := tr.RecordHandshake(context.Background(), store.Handshake{RSSI: -50})
	require.ErrorIs(t, err, beacon.ErrInvalidHandshake)
}

func TestTemporaryKeysAndDecoysQueueUploads(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tr := w.device(t, true)

	today := day.Of(w.now)
	broadcast := map[int64][]byte{}
	for i := 0; i < 3; i++ {
		rsn := today.SubDays(i).RollingStartNumber()
		broadcast[rsn] = bytes.Repeat([]byte{byte(0x10 + i)}, 16)
		require.NoError(t, tr.RecordTemporaryKey(rsn, broadcast[rsn]))
	}
	require.NoError(t, tr.ReportTemporaryKeys(ctx, today.SubDays(2), publish.Auth{}))
	reports := w.fake.GaenReports()
	require.Len(t, reports, 1)
	require.Equal(t, base64.StdEncoding.EncodeToString(broadcast[today.SubDays(1).RollingStartNumber()]), reports[0].GaenKeys[0].KeyData)
	require.Equal(t, base64.StdEncoding.EncodeToString(broadcast[today.SubDays(2).RollingStartNumber()]), reports[0].GaenKeys[1].KeyData)
	require.True(t, reports[0].GaenKeys[2].Fake.Bool())

	require.NoError(t, tr.SendDecoy(ctx))
	st, err := tr.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.PendingUploads)

	n, err := tr.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "today's keys are not complete yet")

	w.now = w.now.Add(24 * time.Hour)
	n, err = tr.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	uploads := w.fake.NextDayUploads()
	require.Len(t, uploads, 2)
	var real []string
	for _, u := range uploads {
		if !u.Request.Fake.Bool() {
			real = append(real, u.Request.DelayedKey.KeyData)
		}
	}
	require.Equal(t, []string{base64.StdEncoding.EncodeToString(broadcast[today.RollingStartNumber()])}, real,
		"the delayed key is the key broadcast on the reporting day")

	names := map[string]bool{}
	for _, j := range tr.Jobs() {
		names[j.Name] = true
	}
	require.Equal(t, map[string]bool{
		beacon.JobAggregate: true, beacon.JobSync: true, beacon.JobDrain: true, beacon.JobDecoy: true,
	}, names)
}

func TestClearWipesEverything(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob := w.device(t, true), w.device(t, true)

	w.meet(t, alice, bob)
	w.now = w.now.Add(time.Minute)
	_, err := bob.Aggregate(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.ReportTemporaryKeys(ctx, day.Of(w.now), publish.Auth{}))
	id, err := bob.CurrentID()
	require.NoError(t, err)

	require.NoError(t, bob.Clear(ctx))
	st, err := bob.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Handshakes)
	require.Zero(t, st.Contacts)
	require.Zero(t, st.PendingUploads)
	require.False(t, st.Infected)
	fresh, err := bob.CurrentID()
	require.NoError(t, err)
	require.NotEqual(t, id, fresh)
}

func TestExportRoundTrip(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob := w.device(t, false), w.device(t, false)
	w.meet(t, alice, bob)
	w.now = w.now.Add(time.Minute)
	_, err := bob.Aggregate(ctx)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "export")
	m, err := bob.Export(ctx, dir, export.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, m.Contacts)

	snap, _, err := export.Read(dir)
	require.NoError(t, err)
	require.Len(t, snap.Contacts, 1)
	require.Equal(t, m.InstallID, snap.InstallID.String())
}

func TestOpenPersistsAcrossRestarts(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Backend.BaseURL = ""

	tr, err := beacon.Open(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	id, err := tr.CurrentID()
	require.NoError(t, err)
	require.NoError(t, tr.RecordHandshake(context.Background(), store.Handshake{EphID: id, RSSI: -60, Timestamp: time.Now()}))
	require.NoError(t, tr.Close())

	tr, err = beacon.Open(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	defer tr.Close()
	again, err := tr.CurrentID()
	require.NoError(t, err)
	require.Equal(t, id, again)
	st, err := tr.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.Handshakes)
	require.FileExists(t, filepath.Join(cfg.DataDir, "master.key"))
}
