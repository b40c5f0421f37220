package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrDataUnavailable marks a missing price or rate. Callers skip the
// affected instrument/venue for the current cycle instead of failing.
var ErrDataUnavailable = errors.New("market data unavailable")

// TransientError wraps network, timeout, and rate-limit failures that
// are safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps rejections that retrying cannot fix, such as an
// invalid instrument or a refused order.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried. Deadline overruns
// count as transient per the retry policy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
