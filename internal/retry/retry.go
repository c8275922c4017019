// Package retry runs an operation under a bounded backoff policy. Store
// transactions use it to rerun on write conflicts and webhook delivery
// uses it for flaky subscribers.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy configures a retry loop.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean one call.
	MaxAttempts int
	// BaseDelay is the sleep after the first failure. It doubles per
	// attempt with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep. Zero means uncapped.
	MaxDelay time.Duration
	// RetryIf limits retries to matching errors. Nil retries everything
	// except PermanentError.
	RetryIf func(error) bool
	// OnRetry is called before each backoff sleep with the failed attempt
	// number (1-based) and its error.
	OnRetry func(attempt int, err error)
}

// Backoff returns the sleep after failed attempt n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	delay := p.BaseDelay << (n - 1)
	if delay <= 0 {
		return 0
	}
	jitter := int64(delay / 4)
	sleep := delay - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
	if p.MaxDelay > 0 && sleep > p.MaxDelay {
		sleep = p.MaxDelay
	}
	return sleep
}

// Do runs fn under the policy. It stops early on success, on a
// PermanentError (returned unwrapped), on an error RetryIf rejects, or
// when ctx is done. The last error is returned when attempts run out.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}
		if n >= attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(n, err)
		}

		timer := time.NewTimer(p.Backoff(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
