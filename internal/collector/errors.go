package collector

import (
	"fmt"
	"net/http"

	"github.com/goodtune/presenced/internal/auth"
)

// TransientError is a failure worth retrying: the request never completed,
// or the collector answered 5xx or 429.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: collector returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary reports true.
func (e *TransientError) Temporary() bool { return true }

// StatusError is a 4xx response other than 401 and 429. Retrying the same
// request will not help.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: collector returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: collector returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports false.
func (e *StatusError) Temporary() bool { return false }

// statusError maps a non-2xx status to the error taxonomy.
func statusError(op string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, auth.ErrNotAuthenticated)
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: op, StatusCode: status}
	default:
		return &StatusError{Op: op, StatusCode: status, Body: body}
	}
}
