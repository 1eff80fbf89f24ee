package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/spin-stack/corevisor/internal/config"
)

const (
	// lineBuffer is the number of engine output lines buffered for the supervisor.
	lineBuffer = 256
	// maxLineSize bounds a single engine log line.
	maxLineSize = 1 << 20
)

// Process is a running engine.
type Process interface {
	Pid() int
	// Lines delivers merged stdout/stderr lines. It is closed at EOF.
	Lines() <-chan string
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is the wait error. Valid after Done is closed.
	ExitErr() error
	Signal(sig os.Signal) error
}

// SpawnSpec describes how to launch the engine.
type SpawnSpec struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

// Spawner launches engine processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// EngineArgs returns the engine command line: the working directory, the
// runtime profile and the control endpoint flag for this platform.
func EngineArgs(workDir, profilePath, endpoint string) []string {
	flag := "-ext-ctl-unix"
	if runtime.GOOS == "windows" {
		flag = "-ext-ctl-pipe"
	}
	return []string{"-d", workDir, "-f", profilePath, flag, endpoint}
}

// EngineEnv returns the parent environment plus the engine feature toggles.
func EngineEnv(cfg config.EngineConfig) []string {
	env := os.Environ()
	env = append(env,
		"DISABLE_LOOPBACK_DETECTOR="+strconv.FormatBool(cfg.DisableLoopbackDetector),
		"DISABLE_EMBED_CA="+strconv.FormatBool(cfg.DisableEmbedCA),
		"DISABLE_SYSTEM_CA="+strconv.FormatBool(cfg.DisableSystemCA),
		"DISABLE_NFTABLES="+strconv.FormatBool(cfg.DisableNFTables),
	)
	if len(cfg.SafePaths) > 0 {
		env = append(env, "SAFE_PATHS="+strings.Join(cfg.SafePaths, string(os.PathListSeparator)))
	}
	return env
}

// ExecSpawner runs the engine with os/exec.
type ExecSpawner struct{}

// Spawn starts the engine. Output is merged into one pipe, split into lines
// and appended to spec.LogPath when set. The process is not tied to ctx.
func (ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Binary: spec.Binary, Err: fmt.Errorf("create output pipe: %w", err)}
	}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0750); err == nil {
			logFile, _ = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		}
	}

	// Use WithoutCancel so request cancellation does not kill the engine.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), spec.Binary, spec.Args...) //nolint:gosec // binary is resolved from config or discovery
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = w
	cmd.Stderr = w
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, &SpawnError{Binary: spec.Binary, Err: err}
	}
	_ = w.Close()

	p := &execProcess{
		cmd:   cmd,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}
	go p.read(r, logFile)
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan string  { return p.lines }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Signal(sig os.Signal) error {
	var err error
	if sig == os.Kill {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(sig)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// read forwards lines until EOF. Lines nobody consumes after exit are only logged to file.
func (p *execProcess) read(r io.ReadCloser, logFile *os.File) {
	defer close(p.lines)
	defer func() { _ = r.Close() }()
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			_, _ = logFile.WriteString(line + "\n")
		}
		select {
		case p.lines <- line:
		case <-p.done:
		}
	}
	if scanner.Err() != nil {
		// Keep draining so the engine never blocks on a full pipe.
		var sink io.Writer = io.Discard
		if logFile != nil {
			sink = logFile
		}
		_, _ = io.Copy(sink, r)
	}
}
