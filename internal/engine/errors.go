package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/corevisor/internal/engine/check"
)

// Sentinel errors for supervisor failures.
// Use errors.Is() to check for these error types.
var (
	// ErrStartInProgress is returned when Start overlaps another Start.
	ErrStartInProgress = errors.New("engine start already in progress")

	// ErrReadyTimeout is returned when the engine never reported readiness.
	ErrReadyTimeout = fmt.Errorf("engine did not become ready: %w", context.DeadlineExceeded)

	// ErrInvalidStateTransition indicates an invalid state machine transition was attempted.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// SpawnError is returned when the OS refuses to execute the engine binary.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn engine %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == errdefs.ErrUnavailable }

// BindConflictError is returned when the control endpoint could not be
// bound on consecutive attempts. Lines holds the raw engine output of each.
type BindConflictError struct {
	Endpoint string
	Lines    []string
}

func (e *BindConflictError) Error() string {
	return fmt.Sprintf("control endpoint %s could not be bound after %d attempts: %s",
		e.Endpoint, len(e.Lines), strings.Join(e.Lines, " | "))
}

func (e *BindConflictError) Is(target error) bool { return target == errdefs.ErrConflict }

// PermissionDeniedError is returned when TUN needs privileges the engine
// does not have and elevation did not help. TUN has been disabled in the
// profile by the time it is returned.
type PermissionDeniedError struct {
	Binary      string
	Line        string
	Remediation string
	Err         error
}

func (e *PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("engine lacks privileges for TUN mode: %s", e.Line)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

func (e *PermissionDeniedError) Is(target error) bool { return target == errdefs.ErrPermissionDenied }

// DevRestrictedError is returned when the engine binary sits in a
// development location where elevation can never succeed. It is never retried.
type DevRestrictedError struct {
	Binary      string
	Remediation string
}

func (e *DevRestrictedError) Error() string {
	return fmt.Sprintf("engine %s is in a development location and cannot be elevated for TUN mode", e.Binary)
}

func (e *DevRestrictedError) Is(target error) bool { return target == errdefs.ErrPermissionDenied }

// ProfileInvalidError is returned when the engine self-test rejects the profile.
type ProfileInvalidError struct {
	Profile string
	Err     error
}

func (e *ProfileInvalidError) Error() string {
	return fmt.Sprintf("profile %s failed self-test: %v", e.Profile, e.Err)
}

func (e *ProfileInvalidError) Unwrap() error { return e.Err }

func (e *ProfileInvalidError) Is(target error) bool { return target == errdefs.ErrInvalidArgument }

// Reason returns the classified self-test failure, or check.Invalid.
func (e *ProfileInvalidError) Reason() check.Reason {
	var f *check.Failure
	if errors.As(e.Err, &f) {
		return f.Reason
	}
	return check.Invalid
}

// CrashLoopExhaustedError is surfaced when the engine crashed more times in
// a row than the retry budget allows.
type CrashLoopExhaustedError struct {
	Crashes int
	Last    error
}

func (e *CrashLoopExhaustedError) Error() string {
	return fmt.Sprintf("engine crashed %d times without becoming ready, giving up: %v", e.Crashes, e.Last)
}

func (e *CrashLoopExhaustedError) Unwrap() error { return e.Last }

func (e *CrashLoopExhaustedError) Is(target error) bool {
	return target == errdefs.ErrResourceExhausted
}

// ShutdownTimeoutError is returned when the engine ignored interrupt and
// terminate and had to be killed. Killed reports whether the kill took effect.
type ShutdownTimeoutError struct {
	PID    int
	Killed bool
	Err    error
}

func (e *ShutdownTimeoutError) Error() string {
	if e.Killed {
		return fmt.Sprintf("engine %d did not stop gracefully and was killed", e.PID)
	}
	return fmt.Sprintf("engine %d did not exit after kill: %v", e.PID, e.Err)
}

func (e *ShutdownTimeoutError) Unwrap() error { return e.Err }

func (e *ShutdownTimeoutError) Is(target error) bool { return target == context.DeadlineExceeded }

// ExitedError is returned when the engine exits before it became ready.
type ExitedError struct {
	Err  error
	Tail []string
}

func (e *ExitedError) Error() string {
	msg := "engine exited before becoming ready"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

func (e *ExitedError) Unwrap() error { return e.Err }

func (e *ExitedError) Is(target error) bool { return target == errdefs.ErrUnavailable }

// StopPhase identifies the phase of Stop where an error occurred.
type StopPhase string

const (
	PhaseTelemetry StopPhase = "telemetry_detach"
	PhaseProcess   StopPhase = "process_stop"
	PhaseEndpoint  StopPhase = "endpoint_cleanup"
	PhasePIDFile   StopPhase = "pid_file"
	PhaseDNS       StopPhase = "dns_restore"
)

// StopError represents an error during one stop phase.
type StopError struct {
	Phase StopPhase
	Err   error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop failed at %s: %v", e.Phase, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// StopResult collects errors from all stop phases.
//
//nolint:errname // StopResult is a result container that can be used as an error
type StopResult struct {
	Errors []*StopError
}

// Add records an error for a phase. Nil errors are ignored.
func (r *StopResult) Add(phase StopPhase, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &StopError{Phase: phase, Err: err})
	}
}

// HasErrors returns true if any phase failed.
func (r *StopResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *StopResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("stop completed with errors: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes every phase error to errors.Is and errors.As.
func (r *StopResult) Unwrap() []error {
	out := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e)
	}
	return out
}

// AsError returns the result as an error, or nil if no errors occurred.
func (r *StopResult) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedPhases returns the list of phases that failed.
func (r *StopResult) FailedPhases() []StopPhase {
	phases := make([]StopPhase, 0, len(r.Errors))
	for _, e := range r.Errors {
		phases = append(phases, e.Phase)
	}
	return phases
}

// StateTransitionError represents an invalid state transition attempt.
type StateTransitionError struct {
	From    State
	To      State
	Current State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s (current state: %s)", e.From, e.To, e.Current)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
