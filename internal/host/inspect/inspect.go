// Package inspect answers questions about host processes: which pids hold a
// file open, which pids listen on a TCP port, what executable a pid runs,
// and delivers signals to them.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Inspector is the process capability used by the port negotiator, the
// socket janitor and the supervisor's orphan reaping.
type Inspector interface {
	// Holders returns the pids holding path open.
	Holders(ctx context.Context, path string) ([]int, error)
	// PortListeners returns the pids listening on the TCP port.
	PortListeners(ctx context.Context, port int) ([]int, error)
	// Executable returns the executable path of pid.
	Executable(ctx context.Context, pid int) (string, error)
	// Alive reports whether pid exists.
	Alive(pid int) bool
	// Signal delivers sig to pid.
	Signal(pid int, sig syscall.Signal) error
}

// Runner executes a host command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// System is the host Inspector. It is backed by lsof and the process table
// on unix, and by netstat and the Win32 process API on windows.
type System struct {
	Runner Runner
}

// New returns a System using ExecRunner.
func New() *System {
	return &System{Runner: ExecRunner{}}
}

func (s *System) lsof(ctx context.Context, args ...string) ([]int, error) {
	out, err := s.Runner.Run(ctx, "lsof", args...)
	if err != nil {
		// lsof exits 1 when nothing matched.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(strings.TrimSpace(string(out))) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof %s: %w", strings.Join(args, " "), err)
	}
	return ParsePIDs(out), nil
}

// ParsePIDs extracts the unique pids of lsof -t style output, sorted.
func ParsePIDs(out []byte) []int {
	seen := make(map[int]struct{})
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// ParseNetstatListeners returns the sorted unique pids of `netstat -ano`
// rows for TCP sockets listening on port. A listening row is recognised by
// its zero foreign port, since the state column is localised.
func ParseNetstatListeners(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := make(map[int]struct{})
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || !strings.HasSuffix(fields[2], ":0") {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
