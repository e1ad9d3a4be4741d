// Package scheduler runs the engine's periodic jobs on cron schedules. Each
// job runs single-flight; a failing job is retried with exponential backoff
// before its next regular tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

var (
	ErrJobRunning = errors.New("scheduler: job already running")
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

// Job is a named periodic task.
type Job struct {
	Name string
	// Cron is a 5-field cron expression or a tag such as @hourly.
	Cron string
	Run  func(ctx context.Context) error
}

// Options configures a Scheduler.
type Options struct {
	// BaseBackoff is the first retry delay after a failure.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

type entry struct {
	job      Job
	mu       sync.Mutex
	running  bool
	failures int
	next     time.Time
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	opts    Options
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	wg      sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{opts: opts, entries: map[string]*entry{}}
}

// Add registers j. Names must be unique and the cron expression valid.
func (s *Scheduler) Add(j Job) error {
	if !gronx.New().IsValid(j.Cron) {
		return fmt.Errorf("scheduler: job %s: invalid cron %q", j.Name, j.Cron)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[j.Name]; ok {
		return fmt.Errorf("scheduler: duplicate job %s", j.Name)
	}
	s.entries[j.Name] = &entry{job: j}
	s.order = append(s.order, j.Name)
	return nil
}

// Backoff returns the retry delay after attempt consecutive failures: base
// doubled per attempt, capped at max, with +/-25% jitter.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if base <= 0 || base > max {
		base = max
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		if d > max/2 {
			d = max
			break
		}
		d *= 2
	}
	if d < 4 {
		return d
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2)) - d/4
	return d + jitter
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.acquire() {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return s.execute(ctx, e)
}

// Tick starts every job due at now in its own goroutine and returns the time of
// the earliest following run. Jobs still running are skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) time.Time {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var earliest time.Time
	for _, name := range names {
		s.mu.Lock()
		e := s.entries[name]
		s.mu.Unlock()

		e.mu.Lock()
		if e.next.IsZero() {
			e.next = s.nextTick(e.job, now)
		}
		due := !now.Before(e.next) && !e.running
		if due {
			e.running = true
		}
		next := e.next
		e.mu.Unlock()

		if due {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = s.execute(ctx, e)
			}()
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}

// Wait blocks until every job started by Tick has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Run ticks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Wait()
	for {
		next := s.Tick(ctx, s.opts.Now())
		wait := time.Second
		if !next.IsZero() {
			if d := next.Sub(s.opts.Now()); d > 0 {
				wait = min(d, time.Minute)
			} else {
				wait = 0
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Next returns the next planned run of the named job, zero before the first Tick.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

func (e *entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

// execute runs a job already marked running and plans its next run.
func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	start := s.opts.Now()
	err := e.job.Run(ctx)
	end := s.opts.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	next := s.nextTick(e.job, end)
	if err != nil {
		e.failures++
		if retry := end.Add(Backoff(s.opts.BaseBackoff, s.opts.MaxBackoff, e.failures)); retry.Before(next) {
			next = retry
		}
		s.opts.Logger.Warn("job_failed", "job", e.job.Name, "failures", e.failures, "next", next, "err", err)
	} else {
		e.failures = 0
		s.opts.Logger.Debug("job_completed", "job", e.job.Name, "duration", end.Sub(start), "next", next)
	}
	e.next = next
	return err
}

func (s *Scheduler) nextTick(j Job, after time.Time) time.Time {
	next, err := gronx.NextTickAfter(j.Cron, after, false)
	if err != nil {
		s.opts.Logger.Error("job_next_tick_failed", "job", j.Name, "cron", j.Cron, "err", err)
		return after.Add(s.opts.MaxBackoff)
	}
	return next
}
