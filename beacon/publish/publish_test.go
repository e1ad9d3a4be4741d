package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/TheusHen/beacon/beacon/appstate"
	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/backend/backendtest"
	"github.com/TheusHen/beacon/beacon/crypto/ratchet"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/store/memory"
)

type fixture struct {
	now   time.Time
	fake  *backendtest.Server
	chain *ratchet.Chain
	queue *PendingQueue
	state *appstate.Store
	keys  *KeyLog
	pub   *Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2020, 6, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	fake, err := backendtest.New(backendtest.Options{Now: clock})
	require.NoError(t, err)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	client, err := backend.New(backend.Options{BaseURL: srv.URL, Now: clock})
	require.NoError(t, err)

	kv := memory.NewKV()
	chain, err := ratchet.NewChain(kv, ratchet.Options{Now: clock})
	require.NoError(t, err)
	require.NoError(t, chain.Init())

	f.fake, f.chain = fake, chain
	f.queue = NewPendingQueue(kv)
	f.state = appstate.New(kv)
	f.keys = NewKeyLog(kv, 0)
	f.pub = New(Options{Chain: chain, Reporter: client, Queue: f.queue, State: f.state, Keys: f.keys, Now: clock})
	return f
}

func TestKeyToPublish(t *testing.T) {
	d := day.Of(time.Date(2020, 6, 10, 0, 0, 0, 0, time.UTC))
	keys := []ratchet.SecretKey{{Day: d}, {Day: d.SubDays(1)}, {Day: d.SubDays(2)}}

	k, err := KeyToPublish(keys, d.SubDays(1))
	require.NoError(t, err)
	require.Equal(t, d.SubDays(1), k.Day)

	k, err = KeyToPublish(keys, d.SubDays(10))
	require.NoError(t, err)
	require.Equal(t, d.SubDays(2), k.Day, "falls back to the oldest key")

	_, err = KeyToPublish(keys, d.Next())
	require.ErrorIs(t, err, ErrNoKey)
	_, err = KeyToPublish(nil, d)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestPendingQueueOrdering(t *testing.T) {
	q := NewPendingQueue(memory.NewKV())
	head, err := q.Peek()
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), head)

	for _, pk := range []PendingKey{{RollingStartNumber: 5}, {RollingStartNumber: 3, Token: "a"}, {RollingStartNumber: 4}, {RollingStartNumber: 3, Token: "b"}} {
		require.NoError(t, q.Add(pk))
	}
	n, _ := q.Len()
	require.Equal(t, 4, n)

	var got []PendingKey
	for {
		pk, ok, err := q.Pop()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, pk)
	}
	require.Equal(t, []PendingKey{{RollingStartNumber: 3, Token: "a"}, {RollingStartNumber: 3, Token: "b"}, {RollingStartNumber: 4}, {RollingStartNumber: 5}}, got)

	require.NoError(t, q.Add(PendingKey{RollingStartNumber: 1}))
	require.NoError(t, q.Clear())
	head, _ = q.Peek()
	require.Equal(t, int64(math.MaxInt64), head)
}

func TestReportResetsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := day.Of(f.now)
	before, err := f.chain.CurrentKey(today)
	require.NoError(t, err)

	require.NoError(t, f.pub.Report(ctx, today, Auth{Code: "123456", Authorization: "Bearer x"}))

	reports := f.fake.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, before.String(), reports[0].Key)
	require.Equal(t, today.Millis(), reports[0].KeyDate)
	require.Equal(t, "123456", reports[0].AuthData.Value)
	require.False(t, reports[0].Fake.Bool())

	after, err := f.chain.CurrentKey(today)
	require.NoError(t, err)
	require.NotEqual(t, before, after, "chain must be reseeded after a report")
	st, _ := f.state.Load()
	require.True(t, st.Infected)
}

func TestReportFailureKeepsChain(t *testing.T) {
	f := newFixture(t)
	today := day.Of(f.now)
	before, _ := f.chain.CurrentKey(today)
	f.fake.FailNext(http.MethodPost, backend.PathExposed, http.StatusInternalServerError, 1)

	err := f.pub.Report(context.Background(), today, Auth{})
	var se *backend.StatusError
	require.True(t, errors.As(err, &se))

	after, _ := f.chain.CurrentKey(today)
	require.Equal(t, before, after)
	st, _ := f.state.Load()
	require.False(t, st.Infected)
}

func TestReportTemporaryKeysAndDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := day.Of(f.now).RollingStartNumber()

	broadcast := map[int64][]byte{}
	for i, rsn := range []int64{today - 288, today - 144, today} {
		broadcast[rsn] = bytes.Repeat([]byte{byte(i + 1)}, protocol.GaenKeySize)
		require.NoError(t, f.keys.Record(rsn, broadcast[rsn]))
	}
	disclosed, err := f.keys.Disclosable(day.Of(f.now).SubDays(2), today)
	require.NoError(t, err)
	require.Len(t, disclosed, 2)
	require.NoError(t, f.pub.ReportTemporaryKeys(ctx, disclosed, Auth{}))

	reports := f.fake.GaenReports()
	require.Len(t, reports, 1)
	keys := reports[0].GaenKeys
	require.Len(t, keys, protocol.GaenKeysPerReport)
	require.Equal(t, today, reports[0].DelayedKeyDate)
	require.False(t, reports[0].Fake.Bool())
	require.Equal(t, base64.StdEncoding.EncodeToString(broadcast[today-144]), keys[0].KeyData)
	require.Equal(t, base64.StdEncoding.EncodeToString(broadcast[today-288]), keys[1].KeyData)
	for i := 2; i < len(keys); i++ {
		require.True(t, keys[i].Fake.Bool())
		require.Equal(t, keys[i-1].RollingStartNumber-144, keys[i].RollingStartNumber)
	}

	n, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "today's key is not final yet")

	f.now = f.now.Add(day.Length)
	n, err = f.pub.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The delayed key is the one broadcast today.
	uploads := f.fake.NextDayUploads()
	require.Len(t, uploads, 1)
	require.Equal(t, base64.StdEncoding.EncodeToString(broadcast[today]), uploads[0].Request.DelayedKey.KeyData)
	require.Equal(t, today, uploads[0].Request.DelayedKey.RollingStartNumber)
	require.False(t, uploads[0].Request.Fake.Bool())
	left, _ := f.queue.Len()
	require.Zero(t, left)
}

func TestReportTemporaryKeysNeedsKeySource(t *testing.T) {
	f := newFixture(t)
	f.pub.opts.Keys = nil
	err := f.pub.ReportTemporaryKeys(context.Background(), nil, Auth{})
	require.ErrorIs(t, err, ErrNoKeySource)
	require.Empty(t, f.fake.GaenReports())
	left, _ := f.queue.Len()
	require.Zero(t, left)
}

func TestDrainRejectsUnknownDelayedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pub.ReportTemporaryKeys(ctx, nil, Auth{}))
	f.now = f.now.Add(day.Length)

	n, err := f.pub.Drain(ctx)
	require.ErrorIs(t, err, ErrKeyUnavailable)
	require.Zero(t, n)
	require.Empty(t, f.fake.NextDayUploads())
	left, _ := f.queue.Len()
	require.Equal(t, 1, left)
}

// queueWatcher records the queue length seen while a delayed key is uploaded.
type queueWatcher struct {
	Reporter
	queue *PendingQueue
	seen  []int
}

func (w *queueWatcher) ReportNextDay(ctx context.Context, r protocol.GaenSecondDay, token string) error {
	n, err := w.queue.Len()
	if err != nil {
		return err
	}
	w.seen = append(w.seen, n)
	return w.Reporter.ReportNextDay(ctx, r, token)
}

func TestDrainRemovesEntryAfterUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pub.SendDecoy(ctx))
	require.NoError(t, f.pub.SendDecoy(ctx))
	f.now = f.now.Add(day.Length)

	w := &queueWatcher{Reporter: f.pub.opts.Reporter, queue: f.queue}
	f.pub.opts.Reporter = w
	n, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int{2, 1}, w.seen, "an entry stays queued while it is uploaded")
}

func TestPendingQueueHeadAndRemove(t *testing.T) {
	q := NewPendingQueue(memory.NewKV())
	_, ok, err := q.Head()
	require.NoError(t, err)
	require.False(t, ok)

	a, b := PendingKey{RollingStartNumber: 3, Token: "a"}, PendingKey{RollingStartNumber: 3, Token: "b"}
	require.NoError(t, q.Add(b))
	require.NoError(t, q.Add(a))
	head, ok, err := q.Head()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, head)

	require.NoError(t, q.Remove(a))
	require.NoError(t, q.Remove(a))
	n, _ := q.Len()
	require.Equal(t, 1, n)
}

func TestDrainFailureKeepsEntryQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pub.SendDecoy(ctx))
	require.NoError(t, f.pub.SendDecoy(ctx))
	f.now = f.now.Add(day.Length)

	f.fake.FailNext(http.MethodPost, backend.PathGaenNextDay, http.StatusBadGateway, 1)
	n, err := f.pub.Drain(ctx)
	require.Error(t, err)
	require.Zero(t, n)
	left, _ := f.queue.Len()
	require.Equal(t, 2, left, "a failed upload must stop the drain and stay queued")

	n, err = f.pub.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestTooManyKeys(t *testing.T) {
	f := newFixture(t)
	keys := make([]protocol.GaenKey, protocol.GaenKeysPerReport+1)
	require.ErrorIs(t, f.pub.ReportTemporaryKeys(context.Background(), keys, Auth{}), ErrTooManyKeys)
}

func TestDecoyShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, _ := f.chain.CurrentKey(day.Of(f.now))
	require.NoError(t, f.pub.SendDecoy(ctx))

	reports := f.fake.GaenReports()
	require.Len(t, reports, 1)
	require.True(t, reports[0].Fake.Bool())
	require.Len(t, reports[0].GaenKeys, protocol.GaenKeysPerReport)
	for _, k := range reports[0].GaenKeys {
		require.True(t, k.Fake.Bool())
		require.NoError(t, k.Validate())
	}

	after, _ := f.chain.CurrentKey(day.Of(f.now))
	require.Equal(t, before, after, "a decoy must not touch the chain")
	st, _ := f.state.Load()
	require.False(t, st.Infected)

	f.now = f.now.Add(day.Length)
	n, err := f.pub.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, f.fake.NextDayUploads()[0].Request.Fake.Bool())
}

func TestKeyLog(t *testing.T) {
	kv := memory.NewKV()
	ctx := context.Background()
	log := NewKeyLog(kv, 2)
	d := day.Of(time.Date(2020, 6, 10, 0, 0, 0, 0, time.UTC))
	rsn := d.RollingStartNumber()

	require.ErrorIs(t, log.Record(rsn, make([]byte, 8)), protocol.ErrInvalidReport)
	for i := 3; i >= 0; i-- {
		require.NoError(t, log.Record(d.SubDays(i).RollingStartNumber(), bytes.Repeat([]byte{byte(i)}, protocol.GaenKeySize)))
	}
	_, err := log.TemporaryKey(ctx, d.SubDays(3).RollingStartNumber())
	require.ErrorIs(t, err, ErrKeyUnavailable, "older than the window")

	again := bytes.Repeat([]byte{9}, protocol.GaenKeySize)
	require.NoError(t, log.Record(rsn, again))
	got, err := NewKeyLog(kv, 2).TemporaryKey(ctx, rsn)
	require.NoError(t, err)
	require.Equal(t, again, got)

	keys, err := log.Disclosable(d.SubDays(2), rsn)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, d.SubDays(1).RollingStartNumber(), keys[0].RollingStartNumber)

	require.NoError(t, log.Reset())
	_, err = log.TemporaryKey(ctx, rsn)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDecoySchedule(t *testing.T) {
	s := NewDecoySchedule(time.Hour, rate.Every(time.Hour), 1)
	s.draw = func() float64 { return 1 }
	start := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

	require.False(t, s.Due(start), "first call only schedules")
	require.Equal(t, start.Add(time.Hour), s.Next())
	require.False(t, s.Due(start.Add(59*time.Minute)))
	require.True(t, s.Due(start.Add(time.Hour)))
	require.Equal(t, start.Add(2*time.Hour), s.Next())

	// The limiter holds back a decoy that comes too soon after the last one.
	s.draw = func() float64 { return 0.01 }
	require.True(t, s.Due(start.Add(2*time.Hour)))
	require.False(t, s.Due(start.Add(2*time.Hour+time.Minute)))

	s.draw = func() float64 { return 1000 }
	s.Due(start.Add(3 * time.Hour))
	require.Equal(t, start.Add(13*time.Hour), s.Next(), "gaps are capped")
}
