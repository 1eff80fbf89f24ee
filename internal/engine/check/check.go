// Package check runs the engine's self-test against a generated profile
// before the engine is started for real.
package check

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/containerd/log"
)

// DefaultTimeout bounds a self-test run.
const DefaultTimeout = 30 * time.Second

// Reason classifies a failed self-test.
type Reason int

const (
	// Invalid: the engine rejected the profile.
	Invalid Reason = iota
	// MissingBinary: the engine executable does not exist.
	MissingBinary
	// NotExecutable: the engine executable lacks execute permission.
	NotExecutable
	// Killed: the OS killed the engine. Usually a build for the wrong
	// architecture or OS version.
	Killed
	// Timeout: the self-test did not finish in time.
	Timeout
)

func (r Reason) String() string {
	switch r {
	case Invalid:
		return "invalid profile"
	case MissingBinary:
		return "engine binary missing"
	case NotExecutable:
		return "engine binary not executable"
	case Killed:
		return "engine killed by the OS (incompatible build?)"
	case Timeout:
		return "self-test timed out"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Failure describes why the self-test failed.
type Failure struct {
	Reason Reason
	// Detail is the engine's error message when one could be extracted.
	Detail string
	Output string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("profile check: %s: %s", f.Reason, f.Detail)
	}
	if f.Err != nil {
		return fmt.Sprintf("profile check: %s: %v", f.Reason, f.Err)
	}
	return "profile check: " + f.Reason.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Gate runs `engine -t -f <profile> -d <workdir>`.
type Gate struct {
	Binary  string
	Timeout time.Duration
}

// Run executes the self-test. A nil error means the engine accepted the
// profile; otherwise the error is a *Failure.
func (g *Gate) Run(ctx context.Context, profilePath, workDir string) error {
	if f := g.checkBinary(); f != nil {
		return f
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return fmt.Errorf("create check directory: %w", err)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.Binary, "-t", "-f", profilePath, "-d", workDir)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err == nil {
		log.G(ctx).WithField("profile", profilePath).Debug("check: profile accepted")
		return nil
	}

	f := &Failure{Reason: Invalid, Output: string(out), Err: err}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		f.Reason = Timeout
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		f.Reason = MissingBinary
	case errors.Is(err, fs.ErrPermission):
		f.Reason = NotExecutable
	case errors.As(err, &exitErr) && exitErr.ExitCode() == -1:
		f.Reason = Killed
	default:
		f.Detail = ErrorDetail(out)
	}

	log.G(ctx).WithFields(log.Fields{
		"profile": profilePath,
		"reason":  f.Reason.String(),
	}).WithError(err).Error("check: profile rejected")
	return f
}

func (g *Gate) checkBinary() *Failure {
	info, err := os.Stat(g.Binary)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Failure{Reason: MissingBinary, Err: err}
		}
		return &Failure{Reason: NotExecutable, Err: err}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return &Failure{Reason: NotExecutable, Err: fmt.Errorf("%s: mode %s", g.Binary, info.Mode().Perm())}
	}
	return nil
}

// ErrorDetail returns the message of the first level=error line in out, or
// the last non-empty line when there is none.
func ErrorDetail(out []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		last = line
		if !strings.Contains(line, "level=error") {
			continue
		}
		if i := strings.Index(line, `msg="`); i >= 0 {
			msg := line[i+len(`msg="`):]
			if j := strings.LastIndex(msg, `"`); j >= 0 {
				msg = msg[:j]
			}
			return strings.ReplaceAll(msg, `\"`, `"`)
		}
		return line
	}
	return last
}
