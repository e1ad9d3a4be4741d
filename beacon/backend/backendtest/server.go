// Package backendtest is an in-process dissemination backend for tests, demos
// and the `beacon backend` command. It signs its batches like a real backend and
// records every report it receives.
package backendtest

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/signing"
)

// Options configures a Server.
type Options struct {
	// Keys signs batches; a fresh ES256 key is generated when zero.
	Keys        signing.KeyPair
	BatchLength time.Duration
	TokenTTL    time.Duration
	// ClockOffset shifts the Date header away from Now.
	ClockOffset time.Duration
	// Age is sent as the Age header when positive.
	Age time.Duration
	// PublishReports makes legacy report keys appear in the next batch.
	PublishReports bool
	// NoContent answers empty batches with a signed 204 and no body.
	NoContent bool
	Now       func() time.Time
	Logger    *slog.Logger
}

type failure struct {
	code      int
	remaining int
}

// NextDayUpload is a recorded delayed key upload.
type NextDayUpload struct {
	Request protocol.GaenSecondDay
	Token   string
}

// Server is a fake backend.
type Server struct {
	mu      sync.Mutex
	opts    Options
	batches map[int64][]protocol.Exposee
	reports []protocol.ExposeeRequest
	gaen    []protocol.GaenRequest
	nextDay []NextDayUpload
	tokens  map[string]bool
	fail    map[string]failure
	corrupt bool
	fetches int
}

func New(opts Options) (*Server, error) {
	if opts.Keys.PrivateKey == nil {
		kp, err := signing.GenerateKeyPair(signing.ES256)
		if err != nil {
			return nil, err
		}
		opts.Keys = kp
	}
	if opts.BatchLength <= 0 {
		opts.BatchLength = 2 * time.Hour
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 2 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		batches: map[int64][]protocol.Exposee{},
		tokens:  map[string]bool{},
		fail:    map[string]failure{},
	}, nil
}

// Keys returns the signing key pair.
func (s *Server) Keys() signing.KeyPair { return s.opts.Keys }

// Handler returns a chi router serving every backend route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get(backend.PathExposed+"/{releaseTime}", s.exposed)
	r.Post(backend.PathExposed, s.report)
	r.Post(backend.PathGaenExposed, s.reportGaen)
	r.Post(backend.PathGaenNextDay, s.reportNextDay)
}

// Publish adds a case key to the batch released at releaseTime.
func (s *Server) Publish(releaseTime time.Time, key []byte, onset day.Day) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := releaseTime.UnixMilli()
	s.batches[ms] = append(s.batches[ms], protocol.Exposee{Key: append([]byte(nil), key...), KeyDate: onset.Millis()})
}

// FailNext makes the next n requests with method to path answer with code.
func (s *Server) FailNext(method, path string, code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method+" "+path] = failure{code: code, remaining: n}
}

// CorruptBatches appends a byte to every batch body after signing it.
func (s *Server) CorruptBatches(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = on
}

// SetClockOffset changes the Date header offset.
func (s *Server) SetClockOffset(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.ClockOffset = d
}

func (s *Server) Reports() []protocol.ExposeeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ExposeeRequest(nil), s.reports...)
}

func (s *Server) GaenReports() []protocol.GaenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.GaenRequest(nil), s.gaen...)
}

func (s *Server) NextDayUploads() []NextDayUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NextDayUpload(nil), s.nextDay...)
}

// Fetches returns the number of batch requests served.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// injected reports whether a failure was injected for the route and writes it.
func (s *Server) injected(w http.ResponseWriter, r *http.Request, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Method + " " + path
	f, ok := s.fail[key]
	if !ok || f.remaining <= 0 {
		return false
	}
	f.remaining--
	s.fail[key] = f
	http.Error(w, "injected failure", f.code)
	return true
}

func (s *Server) exposed(w http.ResponseWriter, r *http.Request) {
	if s.injected(w, r, backend.PathExposed) {
		return
	}
	ms, err := strconv.ParseInt(chi.URLParam(r, "releaseTime"), 10, 64)
	if err != nil || ms%s.opts.BatchLength.Milliseconds() != 0 {
		http.Error(w, "invalid batch release time", http.StatusBadRequest)
		return
	}
	now := s.opts.Now()
	if ms > now.UnixMilli() {
		http.Error(w, "batch not released yet", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.fetches++
	exposed := append([]protocol.Exposee(nil), s.batches[ms]...)
	corrupt, offset := s.corrupt, s.opts.ClockOffset
	s.mu.Unlock()

	status := http.StatusOK
	body := protocol.MarshalExposedList(protocol.ExposedList{BatchReleaseTime: ms, Exposed: exposed})
	if len(exposed) == 0 && s.opts.NoContent {
		status, body = http.StatusNoContent, nil
	}
	tok, err := s.opts.Keys.SignContent(body, now, s.opts.TokenTTL)
	if err != nil {
		http.Error(w, fmt.Sprintf("sign batch: %v", err), http.StatusInternalServerError)
		return
	}
	if corrupt {
		body = append(body, 0)
	}

	h := w.Header()
	h.Set("Content-Type", backend.ContentTypeBatch)
	h.Set(backend.HeaderSignature, tok)
	h.Set("Date", now.Add(offset-s.opts.Age).UTC().Format(http.TimeFormat))
	if s.opts.Age > 0 {
		h.Set("Age", strconv.Itoa(int(s.opts.Age/time.Second)))
	}
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write(body)
	}
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if s.injected(w, r, backend.PathExposed) {
		return
	}
	req, ok := decode[protocol.ExposeeRequest](w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.reports = append(s.reports, req)
	if s.opts.PublishReports && !req.Fake.Bool() {
		key, _ := base64.StdEncoding.DecodeString(req.Key)
		release := day.BatchStart(s.opts.Now(), s.opts.BatchLength).Add(s.opts.BatchLength).UnixMilli()
		s.batches[release] = append(s.batches[release], protocol.Exposee{Key: key, KeyDate: req.KeyDate})
	}
	s.mu.Unlock()
	s.opts.Logger.Debug("report_received", "fake", req.Fake.Bool(), "key_date", req.KeyDate)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) reportGaen(w http.ResponseWriter, r *http.Request) {
	if s.injected(w, r, backend.PathGaenExposed) {
		return
	}
	req, ok := decode[protocol.GaenRequest](w, r)
	if !ok {
		return
	}
	token := "Bearer " + uuid.NewString()
	s.mu.Lock()
	s.gaen = append(s.gaen, req)
	s.tokens[token] = true
	s.mu.Unlock()
	w.Header().Set("Authorization", token)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) reportNextDay(w http.ResponseWriter, r *http.Request) {
	if s.injected(w, r, backend.PathGaenNextDay) {
		return
	}
	token := r.Header.Get("Authorization")
	s.mu.Lock()
	known := s.tokens[token]
	s.mu.Unlock()
	if !known {
		http.Error(w, "unknown token", http.StatusUnauthorized)
		return
	}
	req, ok := decode[protocol.GaenSecondDay](w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.nextDay = append(s.nextDay, NextDayUpload{Request: req, Token: token})
	delete(s.tokens, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// ReleaseTimes returns the release times holding at least one case, ascending.
func (s *Server) ReleaseTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.batches))
	for ms := range s.batches {
		out = append(out, time.UnixMilli(ms).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func decode[T interface{ Validate() error }](w http.ResponseWriter, r *http.Request) (T, bool) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		var zero T
		http.Error(w, "read body", http.StatusBadRequest)
		return zero, false
	}
	v, err := protocol.Decode[T](b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return v, false
	}
	return v, true
}
