// Package retry provides the small set of named retry policies the supervisor
// composes: a fixed number of attempts with a fixed backoff between them, and
// a crash budget that is consumed by failures and refilled by success.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spin-stack/corevisor/internal/clock"
)

// ErrExhausted is matched by errors returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy retries an operation a fixed number of times with a fixed delay
// between attempts. A zero Delay makes it a plain fixed-count policy.
type Policy struct {
	Name     string
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

// Fixed returns a policy with the given attempt count and delay.
func Fixed(name string, attempts int, delay time.Duration, clk clock.Clock) Policy {
	if clk == nil {
		clk = clock.Real()
	}
	return Policy{Name: name, Attempts: attempts, Delay: delay, Clock: clk}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError reports the last failure after all attempts were used.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Policy, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Do calls fn until it returns nil, returns a Permanent error, the context is
// done, or the attempts are exhausted. attempt is 1-based. The delay is
// applied between attempts only.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(attempt)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
		if attempt < attempts && p.Delay > 0 {
			clk.Sleep(p.Delay)
		}
	}
	return &ExhaustedError{Policy: p.Name, Attempts: attempts, Last: last}
}
