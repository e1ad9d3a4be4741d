package backend

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// DefaultMaxClockSkew is the tolerated distance between device and server time.
const DefaultMaxClockSkew = 30 * time.Second

// LiveServerTime returns the server time at which a response was generated:
// its Date header plus its Age header when a cache served it.
func LiveServerTime(h http.Header) (time.Time, error) {
	raw := h.Get("Date")
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: no Date header", ErrClockSkew)
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: Date header %q: %v", ErrClockSkew, raw, err)
	}
	if age := h.Get("Age"); age != "" {
		secs, err := strconv.ParseInt(age, 10, 64)
		if err != nil || secs < 0 {
			return time.Time{}, fmt.Errorf("%w: Age header %q", ErrClockSkew, age)
		}
		date = date.Add(time.Duration(secs) * time.Second)
	}
	return date, nil
}

// CheckClockSkew rejects a response whose live server time is more than
// tolerance away from receivedAt.
func CheckClockSkew(h http.Header, receivedAt time.Time, tolerance time.Duration) error {
	server, err := LiveServerTime(h)
	if err != nil {
		return err
	}
	skew := receivedAt.Sub(server)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: %s exceeds %s", ErrClockSkew, skew, tolerance)
	}
	return nil
}
