// Package janitor removes a stale engine control endpoint left behind by a
// previous run, terminating whatever still holds it open.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/host/inspect"
	"github.com/spin-stack/corevisor/internal/paths"
	"github.com/spin-stack/corevisor/internal/retry"
)

// ErrEndpointBusy is returned when the endpoint still exists after every
// attempt. Callers treat it as a warning and try to start anyway.
var ErrEndpointBusy = errors.New("control endpoint still present")

const (
	defaultAttempts = 5
	defaultBackoff  = time.Second
	defaultSettle   = time.Second
	defaultTermWait = 500 * time.Millisecond
)

// Janitor clears control endpoints.
type Janitor struct {
	inspector inspect.Inspector
	clock     clock.Clock

	attempts int
	backoff  time.Duration
	settle   time.Duration
	termWait time.Duration

	stat   func(string) (os.FileInfo, error)
	remove func(string) error
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithClock sets the clock used for every wait.
func WithClock(c clock.Clock) Option {
	return func(j *Janitor) { j.clock = c }
}

// WithAttempts sets the number of removal attempts and the backoff between them.
func WithAttempts(n int, backoff time.Duration) Option {
	return func(j *Janitor) {
		j.attempts = n
		j.backoff = backoff
	}
}

// WithSettle sets the wait granted to the OS to reclaim an endpoint that
// cannot be removed for lack of permission once no holder remains.
func WithSettle(d time.Duration) Option {
	return func(j *Janitor) { j.settle = d }
}

// New returns a Janitor using ins to find endpoint holders.
func New(ins inspect.Inspector, opts ...Option) *Janitor {
	j := &Janitor{
		inspector: ins,
		clock:     clock.Real(),
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
		settle:    defaultSettle,
		termWait:  defaultTermWait,
		stat:      os.Lstat,
		remove:    os.Remove,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Clear makes sure endpoint does not exist. A nil error means the endpoint
// is gone (or will be reclaimed by the OS). A non-nil error wraps
// ErrEndpointBusy and is not fatal.
func (j *Janitor) Clear(ctx context.Context, endpoint string) error {
	logger := log.G(ctx).WithField("endpoint", endpoint)

	once := j.clearOnce
	if paths.IsNamedPipe(endpoint) {
		once = j.clearPipeOnce
	}

	policy := retry.Fixed("janitor", j.attempts, j.backoff, j.clock)
	err := policy.Do(ctx, func(attempt int) error {
		return once(ctx, logger.WithField("attempt", attempt), endpoint)
	})
	if err != nil {
		logger.WithError(err).Warn("janitor: endpoint still present, continuing")
		return fmt.Errorf("%w: %s: %w", ErrEndpointBusy, endpoint, err)
	}
	return nil
}

func (j *Janitor) clearOnce(ctx context.Context, logger *log.Entry, endpoint string) error {
	if _, err := j.stat(endpoint); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	holders, err := j.inspector.Holders(ctx, endpoint)
	if err != nil {
		logger.WithError(err).Warn("janitor: cannot enumerate endpoint holders")
	}
	if len(holders) > 0 {
		j.terminate(ctx, logger, endpoint, holders)
	}

	err = j.remove(endpoint)
	switch {
	case err == nil, errors.Is(err, os.ErrNotExist):
		logger.Info("janitor: removed stale endpoint")
		return nil
	case errors.Is(err, os.ErrPermission):
		// Owned by an elevated process. Once nobody holds it the OS reclaims it.
		remaining, herr := j.inspector.Holders(ctx, endpoint)
		if herr == nil && len(remaining) == 0 {
			logger.Info("janitor: endpoint owned by elevated process, waiting for release")
			j.clock.Sleep(j.settle)
			return nil
		}
		return fmt.Errorf("remove %s: %w", endpoint, err)
	default:
		return fmt.Errorf("remove %s: %w", endpoint, err)
	}
}

// clearPipeOnce terminates the server of a stale named pipe. A pipe has no
// filesystem entry; it goes away with its last handle.
func (j *Janitor) clearPipeOnce(ctx context.Context, logger *log.Entry, pipe string) error {
	holders, err := j.inspector.Holders(ctx, pipe)
	if err != nil {
		return fmt.Errorf("enumerate pipe holders: %w", err)
	}
	if len(holders) == 0 {
		return nil
	}
	j.terminate(ctx, logger, pipe, holders)

	remaining, err := j.inspector.Holders(ctx, pipe)
	if err != nil {
		return fmt.Errorf("enumerate pipe holders: %w", err)
	}
	if len(remaining) > 0 {
		return fmt.Errorf("pipe %s still served by %v", pipe, remaining)
	}
	logger.Info("janitor: released stale pipe")
	return nil
}

// terminate sends SIGTERM to holders, waits, then re-enumerates and sends
// SIGKILL to survivors. The second enumeration avoids killing a pid that was
// reused in the meantime.
func (j *Janitor) terminate(ctx context.Context, logger *log.Entry, endpoint string, holders []int) {
	for _, pid := range holders {
		logger.WithField("pid", pid).Info("janitor: terminating endpoint holder")
		if err := j.inspector.Signal(pid, syscall.SIGTERM); err != nil {
			logger.WithError(err).WithField("pid", pid).Warn("janitor: terminate failed")
		}
	}
	j.clock.Sleep(j.termWait)

	survivors, err := j.inspector.Holders(ctx, endpoint)
	if err != nil {
		logger.WithError(err).Warn("janitor: cannot re-enumerate endpoint holders")
		return
	}
	for _, pid := range survivors {
		logger.WithField("pid", pid).Warn("janitor: killing endpoint holder")
		if err := j.inspector.Signal(pid, syscall.SIGKILL); err != nil {
			logger.WithError(err).WithField("pid", pid).Warn("janitor: kill failed")
		}
	}
}
