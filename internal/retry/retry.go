// Package retry re-runs short operations such as ledger writes with capped,
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total calls, including the first
	Base     time.Duration // delay before the second call
	Max      time.Duration // ceiling on any single delay; zero means no ceiling
}

// LedgerWrite is used for record updates that must land after a broadcast.
var LedgerWrite = Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second}

// permanentError marks an error that no retry will fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a Permanent error, the policy's
// attempts run out or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// delay is Base*2^attempt, capped at Max, with equal jitter: half fixed and
// half random.
func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}
