package surface

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	// KindNotFound: the referenced message, thread or chat no longer exists.
	KindNotFound ErrorKind = "not_found"
	// KindForbidden: the platform refused the operation (blocked, kicked,
	// insufficient rights).
	KindForbidden ErrorKind = "forbidden"
	// KindRateLimited: the platform asked us to back off; RetryAfter carries
	// the advertised delay when known.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable: transport-level failure, outcome unknown.
	KindUnavailable ErrorKind = "unavailable"
)

type Error struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("surface %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("surface %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

func IsForbidden(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindForbidden
}

// RetryDelay reports whether the error is a rate limit and the delay the
// platform advertised for it.
func RetryDelay(err error) (time.Duration, bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindRateLimited {
		return se.RetryAfter, true
	}
	return 0, false
}
