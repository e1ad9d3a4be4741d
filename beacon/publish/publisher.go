// Package publish discloses the device's keys after a positive diagnosis and
// generates the decoy traffic that hides when that happens.
package publish

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TheusHen/beacon/beacon/appstate"
	"github.com/TheusHen/beacon/beacon/crypto/ratchet"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/protocol"
)

var (
	ErrNoKey       = errors.New("publish: no key to publish")
	ErrTooManyKeys = errors.New("publish: too many keys for one report")
)

// Reporter uploads reports. *backend.Client implements it.
type Reporter interface {
	Report(ctx context.Context, r protocol.ExposeeRequest, authorization string) error
	ReportGaen(ctx context.Context, r protocol.GaenRequest, authorization string) (string, error)
	ReportNextDay(ctx context.Context, r protocol.GaenSecondDay, token string) error
}

// Auth carries the authorization of a report: an auth code for the legacy body
// and an optional Authorization header value.
type Auth struct {
	Code          string
	Authorization string
}

// KeyToPublish picks the chain entry of onset. When onset predates the oldest
// retained key, the oldest key is disclosed instead. keys are newest first.
func KeyToPublish(keys []ratchet.SecretKey, onset day.Day) (ratchet.SecretKey, error) {
	if len(keys) == 0 {
		return ratchet.SecretKey{}, ErrNoKey
	}
	for _, k := range keys {
		if k.Day == onset {
			return k, nil
		}
	}
	oldest := keys[len(keys)-1]
	if onset.Before(oldest.Day) {
		return oldest, nil
	}
	return ratchet.SecretKey{}, fmt.Errorf("%w: onset %s is after the newest key", ErrNoKey, onset)
}

// Options configures a Publisher.
type Options struct {
	Chain    *ratchet.Chain
	Reporter Reporter
	Queue    *PendingQueue
	State    *appstate.Store
	// Keys supplies the delayed key uploaded after a rotating-key report.
	Keys   TemporaryKeySource
	Now    func() time.Time
	Logger *slog.Logger
}

// Publisher sends reports, decoys and delayed keys.
type Publisher struct {
	opts Options
}

func New(opts Options) *Publisher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{opts: opts}
}

// Report discloses the key of onset with a legacy single-key report. On
// success the chain is reset and the device is marked infected.
func (p *Publisher) Report(ctx context.Context, onset day.Day, auth Auth) error {
	sk, err := KeyToPublish(p.opts.Chain.Keys(), onset)
	if err != nil {
		return err
	}
	req := protocol.ExposeeRequest{Key: sk.Key.String(), KeyDate: sk.Day.Millis()}
	if auth.Code != "" {
		req.AuthData = &protocol.AuthData{Value: auth.Code}
	}
	if err := p.opts.Reporter.Report(ctx, req, auth.Authorization); err != nil {
		return err
	}
	if err := p.afterReport(); err != nil {
		return err
	}
	p.opts.Logger.Info("key_reported", "key_date", sk.Day)
	return nil
}

// ReportTemporaryKeys discloses rotating temporary keys. The report is padded
// with fake keys to a fixed size and names today's key as delayed; that key is
// queued and uploaded once today has elapsed, read from the Keys source.
func (p *Publisher) ReportTemporaryKeys(ctx context.Context, keys []protocol.GaenKey, auth Auth) error {
	if len(keys) > protocol.GaenKeysPerReport {
		return fmt.Errorf("%w: %d", ErrTooManyKeys, len(keys))
	}
	if p.opts.Keys == nil {
		return ErrNoKeySource
	}
	today := day.Of(p.opts.Now()).RollingStartNumber()
	padded, err := pad(keys, today)
	if err != nil {
		return err
	}
	token, err := p.opts.Reporter.ReportGaen(ctx, protocol.GaenRequest{GaenKeys: padded, DelayedKeyDate: today}, auth.Authorization)
	if err != nil {
		return err
	}
	if err := p.afterReport(); err != nil {
		return err
	}
	if err := p.opts.Queue.Add(PendingKey{RollingStartNumber: today, Token: token}); err != nil {
		return err
	}
	p.opts.Logger.Info("temporary_keys_reported", "keys", len(keys), "delayed_rsn", today)
	return nil
}

// SendDecoy sends a fake report shaped like ReportTemporaryKeys and queues a
// fake delayed key so the follow-up upload is mimicked too.
func (p *Publisher) SendDecoy(ctx context.Context) error {
	today := day.Of(p.opts.Now()).RollingStartNumber()
	padded, err := pad(nil, today)
	if err != nil {
		return err
	}
	req := protocol.GaenRequest{GaenKeys: padded, DelayedKeyDate: today, Fake: protocol.Flag(true)}
	token, err := p.opts.Reporter.ReportGaen(ctx, req, "")
	if err != nil {
		return err
	}
	if err := p.opts.Queue.Add(PendingKey{RollingStartNumber: today, Token: token, Fake: true}); err != nil {
		return err
	}
	p.opts.Logger.Debug("decoy_sent")
	return nil
}

// Drain uploads every queued key whose rolling period has fully elapsed, in
// order. An entry leaves the queue only after its upload succeeded; a failed
// upload ends the drain.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	current := day.RollingNumber(p.opts.Now())
	uploaded := 0
	for {
		pk, ok, err := p.opts.Queue.Head()
		if err != nil || !ok {
			return uploaded, err
		}
		if pk.RollingStartNumber > current-day.RollingPeriod {
			return uploaded, nil
		}
		if err := p.upload(ctx, pk); err != nil {
			return uploaded, err
		}
		if err := p.opts.Queue.Remove(pk); err != nil {
			return uploaded, err
		}
		uploaded++
		p.opts.Logger.Debug("delayed_key_uploaded", "rsn", pk.RollingStartNumber, "fake", pk.Fake)
	}
}

func (p *Publisher) upload(ctx context.Context, pk PendingKey) error {
	var key []byte
	if pk.Fake {
		key = make([]byte, protocol.GaenKeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}
	} else {
		if p.opts.Keys == nil {
			return ErrNoKeySource
		}
		var err error
		if key, err = p.opts.Keys.TemporaryKey(ctx, pk.RollingStartNumber); err != nil {
			return err
		}
	}
	req := protocol.GaenSecondDay{
		DelayedKey: protocol.NewGaenKey(key, pk.RollingStartNumber, pk.Fake),
		Fake:       protocol.Flag(pk.Fake),
	}
	return p.opts.Reporter.ReportNextDay(ctx, req, pk.Token)
}

func (p *Publisher) afterReport() error {
	if err := p.opts.Chain.Reset(); err != nil {
		return err
	}
	return p.opts.State.Update(func(s *appstate.State) { s.Infected = true })
}

// pad appends random fake keys until the report holds GaenKeysPerReport keys.
// Each fake key starts one rolling period before the previous key.
func pad(keys []protocol.GaenKey, today int64) ([]protocol.GaenKey, error) {
	out := make([]protocol.GaenKey, 0, protocol.GaenKeysPerReport)
	out = append(out, keys...)
	rsn := today
	if len(keys) > 0 {
		rsn = keys[len(keys)-1].RollingStartNumber
	}
	for len(out) < protocol.GaenKeysPerReport {
		rsn -= day.RollingPeriod
		key := make([]byte, protocol.GaenKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		out = append(out, protocol.NewGaenKey(key, rsn, true))
	}
	return out, nil
}
