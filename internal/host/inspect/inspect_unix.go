//go:build !windows

package inspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Holders implements Inspector.
func (s *System) Holders(ctx context.Context, path string) ([]int, error) {
	return s.lsof(ctx, "-t", "--", path)
}

// PortListeners implements Inspector.
func (s *System) PortListeners(ctx context.Context, port int) ([]int, error) {
	return s.lsof(ctx, "-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
}

// Executable implements Inspector. /proc is consulted first, then ps.
func (s *System) Executable(ctx context.Context, pid int) (string, error) {
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return strings.TrimSuffix(exe, " (deleted)"), nil
	}

	out, err := s.Runner.Run(ctx, "ps", "-o", "comm=", "-p", strconv.Itoa(pid))
	if err != nil {
		return "", fmt.Errorf("ps -p %d: %w", pid, err)
	}
	exe := strings.TrimSpace(string(out))
	if exe == "" {
		return "", fmt.Errorf("no executable for pid %d", pid)
	}
	return exe, nil
}

// Alive implements Inspector.
func (s *System) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal implements Inspector. A pid that already exited is not an error.
func (s *System) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s to %d: %w", sig, pid, err)
	}
	return nil
}
