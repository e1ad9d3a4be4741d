package publish

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DecoySchedule decides when decoy reports go out. Gaps between decoys are
// exponentially distributed with the configured mean, so decoys form a Poisson
// process independent of real reports. A token bucket bounds bursts.
type DecoySchedule struct {
	mu      sync.Mutex
	mean    time.Duration
	limiter *rate.Limiter
	next    time.Time
	draw    func() float64
}

// NewDecoySchedule returns a schedule with the given mean gap. At most burst
// decoys are allowed at once and the long-run rate never exceeds limit.
func NewDecoySchedule(mean time.Duration, limit rate.Limit, burst int) *DecoySchedule {
	return &DecoySchedule{
		mean:    mean,
		limiter: rate.NewLimiter(limit, burst),
		draw:    rand.ExpFloat64,
	}
}

func (s *DecoySchedule) gap() time.Duration {
	// Gaps are capped at ten means.
	g := s.draw()
	if g > 10 {
		g = 10
	}
	return time.Duration(g * float64(s.mean))
}

// Due reports whether a decoy should be sent at now. The first call only
// schedules the first decoy.
func (s *DecoySchedule) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsZero() {
		s.next = now.Add(s.gap())
		return false
	}
	if now.Before(s.next) {
		return false
	}
	s.next = now.Add(s.gap())
	return s.limiter.AllowN(now, 1)
}

// Next returns the time of the next scheduled decoy, zero before the first Due.
func (s *DecoySchedule) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
