// Package port checks TCP port availability on loopback and decides which
// port the engine binds when the configured one is taken.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/host/inspect"
	"github.com/spin-stack/corevisor/internal/retry"
)

const maxPort = 65535

// ErrNoPortAvailable is returned when no port up to 65535 can be bound.
var ErrNoPortAvailable = errors.New("no port available")

// IsAvailable binds a throwaway listener on loopback and reports whether it
// succeeded. The listener is closed immediately.
func IsAvailable(port int) bool {
	if port <= 0 || port > maxPort {
		return false
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailable returns start if it is available, otherwise the first free
// port above it.
func FindAvailable(start int) (int, error) {
	return findAvailable(start, IsAvailable)
}

func findAvailable(start int, probe func(int) bool) (int, error) {
	if start <= 0 {
		start = 1
	}
	for p := start; p <= maxPort; p++ {
		if probe(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("starting at %d: %w", start, ErrNoPortAvailable)
}

// Provenance records why the bound port is what it is.
type Provenance int

const (
	// Unchanged: the configured port was free.
	Unchanged Provenance = iota
	// Transient: the port had no listener and freed up on recheck (TIME_WAIT).
	Transient
	// SelfOwned: a stale engine held the port; it was killed and the port reused.
	SelfOwned
	// Foreign: another program holds the port; a different one was negotiated.
	Foreign
)

func (p Provenance) String() string {
	switch p {
	case Unchanged:
		return "unchanged"
	case Transient:
		return "transient"
	case SelfOwned:
		return "self-owned"
	case Foreign:
		return "foreign"
	default:
		return fmt.Sprintf("Provenance(%d)", int(p))
	}
}

// Binding is the outcome of negotiating the engine's mixed port.
type Binding struct {
	Desired    int        `json:"desired"`
	Actual     int        `json:"actual"`
	Provenance Provenance `json:"provenance"`
}

// Switched reports whether the profile must be rewritten to Actual.
func (b Binding) Switched() bool {
	return b.Actual != b.Desired
}

// Negotiator resolves the port the engine should bind.
type Negotiator struct {
	Inspector    inspect.Inspector
	EngineBinary string
	Clock        clock.Clock
	// Rechecks and RecheckWait bound the wait for a transient or freshly
	// killed holder to release the port.
	Rechecks    int
	RecheckWait time.Duration

	// probe defaults to IsAvailable.
	probe func(int) bool
}

// Resolve decides the port for desired. Only a holder whose executable is
// the engine binary is killed; anything else causes a switch.
func (n *Negotiator) Resolve(ctx context.Context, desired int) (Binding, error) {
	probe := n.probe
	if probe == nil {
		probe = IsAvailable
	}
	b := Binding{Desired: desired, Actual: desired, Provenance: Unchanged}
	if probe(desired) {
		return b, nil
	}

	logger := log.G(ctx).WithField("port", desired)

	holders, err := n.Inspector.PortListeners(ctx, desired)
	if err != nil {
		logger.WithError(err).Warn("port: cannot enumerate listeners, treating as foreign")
	}

	switch {
	case err == nil && len(holders) == 0:
		if n.recheck(ctx, desired, probe) {
			logger.Info("port: transient occupancy cleared")
			b.Provenance = Transient
			return b, nil
		}
	case err == nil && n.allSelf(ctx, holders):
		for _, pid := range holders {
			logger.WithField("pid", pid).Info("port: killing stale engine holding port")
			if serr := n.Inspector.Signal(pid, syscall.SIGKILL); serr != nil {
				logger.WithError(serr).WithField("pid", pid).Warn("port: failed to kill stale engine")
			}
		}
		if n.recheck(ctx, desired, probe) {
			b.Provenance = SelfOwned
			return b, nil
		}
		logger.Warn("port: still busy after killing stale engine")
	}

	actual, err := findAvailable(desired, probe)
	if err != nil {
		return b, err
	}
	logger.WithField("actual", actual).Info("port: configured port held by another program, switching")
	b.Actual = actual
	b.Provenance = Foreign
	return b, nil
}

func (n *Negotiator) recheck(ctx context.Context, port int, probe func(int) bool) bool {
	clk := n.Clock
	if clk == nil {
		clk = clock.Real()
	}
	attempts := n.Rechecks
	if attempts < 1 {
		attempts = 1
	}
	// The wait comes first: the caller already observed the port busy.
	p := retry.Fixed("port-recheck", attempts, 0, clk)
	err := p.Do(ctx, func(int) error {
		clk.Sleep(n.RecheckWait)
		if probe(port) {
			return nil
		}
		return fmt.Errorf("port %d busy", port)
	})
	return err == nil
}

func (n *Negotiator) allSelf(ctx context.Context, pids []int) bool {
	if len(pids) == 0 || n.EngineBinary == "" {
		return false
	}
	want := canonical(n.EngineBinary)
	for _, pid := range pids {
		exe, err := n.Inspector.Executable(ctx, pid)
		if err != nil || canonical(exe) != want {
			return false
		}
	}
	return true
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}
