package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/host/inspect"
)

func writePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0600)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func removePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// reapOrphan kills an engine left running by a previous supervisor. The pid
// is only signalled when its executable is the engine binary.
func reapOrphan(ctx context.Context, ins inspect.Inspector, pidFile, binary string) {
	if ins == nil || pidFile == "" {
		return
	}
	pid, err := readPIDFile(pidFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.G(ctx).WithError(err).Warn("engine: ignoring pid file")
			_ = removePIDFile(pidFile)
		}
		return
	}

	logger := log.G(ctx).WithField("pid", pid)
	if pid != os.Getpid() && ins.Alive(pid) {
		exe, err := ins.Executable(ctx, pid)
		switch {
		case err != nil:
			logger.WithError(err).Debug("engine: cannot resolve recorded pid, leaving it alone")
		case sameExecutable(exe, binary):
			logger.Warn("engine: killing orphaned engine from a previous run")
			if err := ins.Signal(pid, syscall.SIGKILL); err != nil {
				logger.WithError(err).Warn("engine: failed to kill orphaned engine")
			}
		default:
			logger.WithField("executable", exe).Debug("engine: recorded pid was reused by another program")
		}
	}
	_ = removePIDFile(pidFile)
}

// sameExecutable compares resolved paths. A bare name (from ps) is compared
// against the binary's base name.
func sameExecutable(exe, binary string) bool {
	if exe == "" || binary == "" {
		return false
	}
	if !strings.ContainsRune(exe, filepath.Separator) && !strings.ContainsRune(exe, '/') {
		return exe == filepath.Base(binary)
	}
	return canonical(exe) == canonical(binary)
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}
