package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication indicates the daemon rejected our token. Terminal:
	// callers must not retry until credentials change.
	ErrAuthentication = errors.New("daemon authentication failed")

	// ErrNotFound indicates the daemon does not know the resource. Delete
	// polling treats this as its success signal.
	ErrNotFound = errors.New("daemon resource not found")
)

// ConnectionError wraps transport failures and unexpected daemon responses.
// It is the retryable class of the error taxonomy: sessions back off and
// reconnect, workflows poll with capped attempts.
type ConnectionError struct {
	Op         string
	URL        string
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("daemon request %s %s failed with status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("daemon request %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAuthentication reports whether err wraps ErrAuthentication.
func IsAuthentication(err error) bool { return errors.Is(err, ErrAuthentication) }
