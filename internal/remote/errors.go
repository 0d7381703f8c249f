package remote

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnavailable     = errors.New("sync service unavailable")
	ErrSessionConflict = errors.New("another session is active for this account")
	ErrBadResponse     = errors.New("bad response from sync service")
)

// StatusError is a non-2xx response. It unwraps to the sentinel for its
// status, if any.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string

	kind error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

func statusKind(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrUnauthorized
	case code == 409:
		return ErrSessionConflict
	case code >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}
