package engine

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/clock"
)

const (
	// DefaultStopGrace is the wait after interrupt and after terminate.
	DefaultStopGrace = 3 * time.Second
	// killWait bounds the wait for the kernel to reap a killed engine.
	killWait = 2 * time.Second
)

var errStillAlive = errors.New("process still alive after kill")

// terminate stops proc by escalating interrupt, terminate and kill, waiting
// grace after each of the first two. A nil return means the engine exited
// gracefully; a kill is reported as *ShutdownTimeoutError.
func terminate(ctx context.Context, clk clock.Clock, grace time.Duration, proc Process) error {
	logger := log.G(ctx).WithField("pid", proc.Pid())

	if exited(proc) {
		return nil
	}

	steps := []struct {
		sig  os.Signal
		name string
	}{
		{os.Interrupt, "interrupt"},
		{syscall.SIGTERM, "terminate"},
	}
	for _, step := range steps {
		if err := proc.Signal(step.sig); err != nil {
			logger.WithError(err).WithField("signal", step.name).Debug("engine: signal not delivered")
		}
		if waitExit(proc, clk, grace) {
			logger.WithField("signal", step.name).Debug("engine: exited")
			return nil
		}
		logger.WithField("signal", step.name).Debug("engine: still running after grace period")
	}

	logger.Warn("engine: did not stop gracefully, sending kill")
	if err := proc.Signal(os.Kill); err != nil {
		return &ShutdownTimeoutError{PID: proc.Pid(), Err: err}
	}
	if !waitExit(proc, clk, killWait) {
		return &ShutdownTimeoutError{PID: proc.Pid(), Err: errStillAlive}
	}
	return &ShutdownTimeoutError{PID: proc.Pid(), Killed: true}
}

func exited(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

// waitExit reports whether proc exits within d.
func waitExit(proc Process, clk clock.Clock, d time.Duration) bool {
	if exited(proc) {
		return true
	}
	select {
	case <-proc.Done():
		return true
	case <-clk.After(d):
		return exited(proc)
	}
}
