// Package privilege grants the engine binary the elevated bit it needs to
// create a TUN device. Elevation prompts the user, so it is attempted at most
// once per application session.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// State is the grant state of the engine binary.
type State int

const (
	NotChecked State = iota
	Granted
	NeedsGrant
	Failed
	DevRestricted
)

func (s State) String() string {
	switch s {
	case NotChecked:
		return "NotChecked"
	case Granted:
		return "Granted"
	case NeedsGrant:
		return "NeedsGrant"
	case Failed:
		return "Failed"
	case DevRestricted:
		return "DevRestricted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrDevRestricted is returned for binaries outside an install location,
	// where the OS refuses the grant regardless of authorization.
	ErrDevRestricted = errors.New("engine binary is in a development location; elevation is not possible")
	// ErrAlreadyAttempted is returned once the session's single attempt is used.
	ErrAlreadyAttempted = errors.New("privilege elevation already attempted this session")
	// ErrGrantFailed is returned when elevation ran but the bit is still missing.
	ErrGrantFailed = errors.New("privilege elevation failed")
)

// Elevator performs the privileged ownership and mode change of binary.
type Elevator interface {
	Elevate(ctx context.Context, binary string) error
}

// Granter is the per-session grant state machine for one engine binary.
type Granter struct {
	mu sync.Mutex

	binary       string
	elevator     Elevator
	hasBit       func(string) (bool, error)
	installRoots []string
	devRoots     []string
	restrictDev  bool

	state     State
	attempted bool
}

// Option configures a Granter.
type Option func(*Granter)

// WithRoots sets where installed binaries live and which directories are
// development locations.
func WithRoots(install, dev []string) Option {
	return func(g *Granter) {
		g.installRoots = install
		g.devRoots = dev
	}
}

// WithDevRestriction enables the development location short circuit.
// It defaults to on for darwin, where system integrity protection applies.
func WithDevRestriction(on bool) Option {
	return func(g *Granter) { g.restrictDev = on }
}

// WithBitCheck replaces the elevated bit check.
func WithBitCheck(f func(string) (bool, error)) Option {
	return func(g *Granter) { g.hasBit = f }
}

// NewGranter returns a Granter for binary. A nil elevator means the
// platform cannot elevate.
func NewGranter(binary string, elevator Elevator, opts ...Option) *Granter {
	g := &Granter{
		binary:      binary,
		elevator:    elevator,
		hasBit:      HasElevatedBit,
		restrictDev: runtime.GOOS == "darwin",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current state.
func (g *Granter) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Attempted reports whether the session's elevation attempt was used.
func (g *Granter) Attempted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempted
}

// Check inspects the binary and moves NotChecked to Granted or NeedsGrant.
// Terminal states are left alone.
func (g *Granter) Check() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check()
}

func (g *Granter) check() (State, error) {
	if g.state == Failed || g.state == DevRestricted {
		return g.state, nil
	}
	ok, err := g.hasBit(g.binary)
	if err != nil {
		return g.state, fmt.Errorf("check %s: %w", g.binary, err)
	}
	if ok {
		g.state = Granted
	} else {
		g.state = NeedsGrant
	}
	return g.state, nil
}

// Grant makes sure the binary carries the elevated bit, prompting the user
// through the Elevator at most once per session.
func (g *Granter) Grant(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	logger := log.G(ctx).WithField("binary", g.binary)

	if g.state == DevRestricted {
		return ErrDevRestricted
	}
	if g.restrictDev && g.inDevLocation() {
		g.state = DevRestricted
		logger.Warn("privilege: binary in development location, not elevating")
		return ErrDevRestricted
	}

	if g.state == NotChecked || g.state == NeedsGrant {
		if _, err := g.check(); err != nil {
			logger.WithError(err).Warn("privilege: cannot read binary mode")
		}
	}
	if g.state == Granted {
		return nil
	}
	if g.attempted {
		g.state = Failed
		return ErrAlreadyAttempted
	}
	if g.elevator == nil {
		g.state = Failed
		return fmt.Errorf("elevation on %s: %w", runtime.GOOS, errdefs.ErrNotImplemented)
	}

	g.attempted = true
	logger.Info("privilege: requesting elevation")
	if err := g.elevator.Elevate(ctx, g.binary); err != nil {
		g.state = Failed
		return fmt.Errorf("%w: %w", ErrGrantFailed, err)
	}

	ok, err := g.hasBit(g.binary)
	if err != nil || !ok {
		g.state = Failed
		if err == nil {
			err = errors.New("elevated bit not set after grant")
		}
		return fmt.Errorf("%w: %w", ErrGrantFailed, err)
	}
	g.state = Granted
	logger.Info("privilege: elevation granted")
	return nil
}

func (g *Granter) inDevLocation() bool {
	for _, root := range g.installRoots {
		if within(g.binary, root) {
			return false
		}
	}
	for _, root := range g.devRoots {
		if within(g.binary, root) {
			return true
		}
	}
	return false
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
