//go:build windows

package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/windows"
)

const (
	pipePrefix = `\\.\pipe\`
	// stillActive is the exit code GetExitCodeProcess reports for a running process.
	stillActive = 259
)

// Holders implements Inspector. For a named pipe it returns the pid of the
// process serving it. Other paths have no holder enumeration on windows.
func (s *System) Holders(ctx context.Context, path string) ([]int, error) {
	if !strings.HasPrefix(path, pipePrefix) {
		return nil, nil
	}
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(name, windows.GENERIC_READ, 0, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, nil
		}
		return nil, fmt.Errorf("open pipe %s: %w", path, err)
	}
	defer windows.CloseHandle(h)

	var pid uint32
	if err := windows.GetNamedPipeServerProcessId(h, &pid); err != nil {
		return nil, fmt.Errorf("server of pipe %s: %w", path, err)
	}
	return []int{int(pid)}, nil
}

// PortListeners implements Inspector.
func (s *System) PortListeners(ctx context.Context, port int) ([]int, error) {
	out, err := s.Runner.Run(ctx, "netstat", "-ano")
	if err != nil {
		return nil, fmt.Errorf("netstat -ano: %w", err)
	}
	return ParseNetstatListeners(out, port), nil
}

// Executable implements Inspector.
func (s *System) Executable(ctx context.Context, pid int) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return "", fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", fmt.Errorf("image name of pid %d: %w", pid, err)
	}
	return windows.UTF16ToString(buf[:size]), nil
}

// Alive implements Inspector.
func (s *System) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}

// Signal implements Inspector. Windows only supports forceful termination.
// A pid that already exited is not an error.
func (s *System) Signal(pid int, sig syscall.Signal) error {
	if sig != syscall.SIGKILL {
		return fmt.Errorf("signal %s on windows: %w", sig, errdefs.ErrNotImplemented)
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	return nil
}
