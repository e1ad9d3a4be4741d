package syncer

import (
	"context"
	"errors"

	"github.com/TheusHen/beacon/beacon/backend"
	"github.com/TheusHen/beacon/beacon/protocol"
)

// ErrorState classifies why the last sync failed.
type ErrorState string

const (
	ErrorNone ErrorState = ""
	// ErrorTiming is a server clock outside the skew tolerance.
	ErrorTiming    ErrorState = "TIMING"
	ErrorSignature ErrorState = "SIGNATURE"
	ErrorServer    ErrorState = "SERVER"
	ErrorNetwork   ErrorState = "NETWORK"
	ErrorDatabase  ErrorState = "DATABASE"
)

func (s ErrorState) String() string {
	if s == ErrorNone {
		return "NONE"
	}
	return string(s)
}

// Retryable reports whether the next scheduled sync may clear the state
// without user action.
func (s ErrorState) Retryable() bool {
	return s == ErrorServer || s == ErrorNetwork || s == ErrorDatabase
}

// Classify maps a sync error to its ErrorState. Errors from local processing
// that carry no backend marker are DATABASE.
func Classify(err error) ErrorState {
	var se *backend.StatusError
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, backend.ErrClockSkew):
		return ErrorTiming
	case errors.Is(err, backend.ErrSignatureInvalid):
		return ErrorSignature
	case errors.As(err, &se), errors.Is(err, protocol.ErrMalformedList):
		return ErrorServer
	case errors.Is(err, backend.ErrNetwork),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorNetwork
	default:
		return ErrorDatabase
	}
}
