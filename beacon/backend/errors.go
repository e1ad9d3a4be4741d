package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid covers a missing, unparseable, expired or mismatching
	// response token, and a client without a pinned key.
	ErrSignatureInvalid = errors.New("backend: response signature invalid")
	ErrClockSkew        = errors.New("backend: clock skew exceeded")
	ErrNetwork          = errors.New("backend: network unavailable")
)

// StatusError is returned for a non-success HTTP status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.Code, e.Body)
}
