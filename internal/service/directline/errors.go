package directline

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoSession is returned when a call needs a session that does not exist.
var ErrNoSession = errors.New("directline: no active session")

// StatusError reports a non-2xx response from the transport or token backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("directline: unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("directline: unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsAuthFailure reports whether the token was rejected.
func (e *StatusError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsInvalidSession reports whether err means the session can no longer be used:
// the token was rejected or the conversation is gone.
func IsInvalidSession(err error) bool {
	if errors.Is(err, ErrNoSession) {
		return true
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.IsAuthFailure() || statusErr.StatusCode == http.StatusNotFound
}

// StatusCode extracts the upstream status code from err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
