// Package retry runs persistence calls with bounded backoff.
//
// A Policy never touches order state. It only re-invokes an operation,
// waiting between attempts and invalidating cached backend state before each
// retry, and hands the last error back to the caller, which owns rollback.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tabsync/internal/clock"
)

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// PermanentError marks a failure that retrying cannot fix (validation,
// permission, constraint violations).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Policy.Do returns it without retrying.
// Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error // last attempt's error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy configures retries.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration
	// Exponential doubles the wait after every failure; otherwise it is flat.
	Exponential bool
	// Invalidate, if set, runs after each wait and before the next attempt.
	Invalidate func(ctx context.Context)
	// Clock drives the waits. Nil means clock.System.
	Clock clock.Clock
}

// Default returns 3 attempts, 1s base delay, exponential backoff.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Exponential: true,
	}
}

// Delay returns the wait after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	return p.BaseDelay << attempt
}

// Do calls op until it succeeds, fails permanently, the context ends or
// MaxAttempts calls have failed.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		slog.Debug("attempt", "op", name, "attempt", attempt+1, "max", maxAttempts)
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			slog.Warn("permanent failure, not retrying", "op", name, "attempt", attempt+1, "error", lastErr)
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := p.Delay(attempt)
		slog.Warn("attempt failed, retrying", "op", name, "attempt", attempt+1, "max", maxAttempts, "wait", wait, "error", lastErr)
		if err := clk.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: retry wait: %w", name, errors.Join(err, lastErr))
		}
		if p.Invalidate != nil {
			p.Invalidate(ctx)
		}
	}

	slog.Error("giving up", "op", name, "attempts", maxAttempts, "error", lastErr)
	return &ExhaustedError{Op: name, Attempts: maxAttempts, Err: lastErr}
}
