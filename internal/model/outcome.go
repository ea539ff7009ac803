package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the result class of one unfollow attempt, or of a whole
// account once the executor has finished with it.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	TransientError
	PermanentError
	// Failure is terminal: retries ran out or the attempt was cancelled.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case TransientError:
		return "transient"
	case PermanentError:
		return "permanent"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// RateLimitError is returned by a service when the remote side asks the
// caller to pause. RetryAfter is a hint and may be zero.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentErr marks a failure that retrying cannot fix: the account is
// gone, blocked, or already unfollowed.
type PermanentErr struct {
	Err error
}

func (e *PermanentErr) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentErr) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentErr.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentErr{Err: err}
}

// Classify maps an error from an AccountService call onto the outcome
// taxonomy. A nil error is Success. Context cancellation is Failure so that
// it is never retried.
func Classify(err error) (Outcome, time.Duration) {
	if err == nil {
		return Success, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Failure, 0
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return RateLimited, rl.RetryAfter
	}
	var pe *PermanentErr
	if errors.As(err, &pe) {
		return PermanentError, 0
	}
	return TransientError, 0
}
