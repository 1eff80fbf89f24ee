// Package dns substitutes the host resolver while TUN routing is active and
// puts the original servers back afterwards. The original is persisted so a
// relaunch after a crash can still restore it.
package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/host/inspect"
	"github.com/spin-stack/corevisor/internal/store"
)

// Empty is recorded when the service had no explicit DNS servers. Restoring
// it clears the override.
const Empty = "Empty"

// noServers is what networksetup prints for a service without servers.
const noServers = "There aren't any DNS Servers set"

const stateKey = "override"

// State is the persisted override record.
type State struct {
	Service  string `json:"service"`
	Original string `json:"original"`
}

// Manager engages and restores the DNS override. Methods are safe for
// concurrent use; both are idempotent.
type Manager struct {
	mu sync.Mutex

	runner   inspect.Runner
	clock    clock.Clock
	state    store.Store[State]
	resolver string
	service  string
	retry    time.Duration
	online   func(ctx context.Context) bool

	pending clock.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner sets the command runner.
func WithRunner(r inspect.Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithClock sets the clock used for offline rescheduling.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithService pins the network service instead of detecting it.
func WithService(name string) Option {
	return func(m *Manager) { m.service = name }
}

// WithOnline sets the connectivity check.
func WithOnline(f func(ctx context.Context) bool) Option {
	return func(m *Manager) { m.online = f }
}

// WithRetry sets the reschedule delay used while offline.
func WithRetry(d time.Duration) Option {
	return func(m *Manager) { m.retry = d }
}

// NewManager returns a Manager installing resolver and keeping its state in st.
func NewManager(st store.Store[State], resolver string, opts ...Option) *Manager {
	m := &Manager{
		runner:   inspect.ExecRunner{},
		clock:    clock.Real(),
		state:    st,
		resolver: resolver,
		retry:    5 * time.Second,
		online:   func(context.Context) bool { return true },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Overridden reports whether an original is recorded.
func (m *Manager) Overridden(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.load(ctx)
	return ok
}

// Pending reports whether an offline retry is scheduled.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Engage records the current servers and installs the resolver. While the
// host is offline the call is rescheduled instead of failing.
func (m *Manager) Engage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPending()

	logger := log.G(ctx).WithField("resolver", m.resolver)
	if _, ok := m.load(ctx); ok {
		return nil
	}
	if !m.online(ctx) {
		logger.Info("dns: offline, rescheduling override")
		m.schedule(ctx, m.Engage)
		return nil
	}

	service, err := m.activeService(ctx)
	if err != nil {
		return err
	}
	original, err := m.servers(ctx, service)
	if err != nil {
		return err
	}

	st := &State{Service: service, Original: original}
	if err := m.state.Set(ctx, stateKey, st); err != nil {
		return fmt.Errorf("persist dns state: %w", err)
	}
	if err := m.setServers(ctx, service, m.resolver); err != nil {
		_ = m.state.Delete(ctx, stateKey)
		return err
	}
	logger.WithFields(log.Fields{"service": service, "original": original}).Info("dns: override engaged")
	return nil
}

// Restore writes the recorded servers back and forgets them. It is a no-op
// when nothing is recorded.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPending()

	st, ok := m.load(ctx)
	if !ok {
		return nil
	}
	if !m.online(ctx) {
		log.G(ctx).Info("dns: offline, rescheduling restore")
		m.schedule(ctx, m.Restore)
		return nil
	}

	if err := m.setServers(ctx, st.Service, st.Original); err != nil {
		return err
	}
	if err := m.state.Delete(ctx, stateKey); err != nil {
		return fmt.Errorf("clear dns state: %w", err)
	}
	log.G(ctx).WithFields(log.Fields{"service": st.Service, "original": st.Original}).Info("dns: override restored")
	return nil
}

func (m *Manager) load(ctx context.Context) (*State, bool) {
	st, err := m.state.Get(ctx, stateKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.G(ctx).WithError(err).Warn("dns: cannot read state")
		}
		return nil, false
	}
	return st, true
}

func (m *Manager) schedule(ctx context.Context, op func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	var t clock.Timer
	t = m.clock.AfterFunc(m.retry, func() {
		m.mu.Lock()
		if m.pending == t {
			m.pending = nil
		}
		m.mu.Unlock()
		if err := op(ctx); err != nil {
			log.G(ctx).WithError(err).Error("dns: rescheduled operation failed")
		}
	})
	m.pending = t
}

func (m *Manager) cancelPending() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Manager) servers(ctx context.Context, service string) (string, error) {
	out, err := m.runner.Run(ctx, "networksetup", "-getdnsservers", service)
	if err != nil {
		return "", fmt.Errorf("read dns servers of %q: %w", service, err)
	}
	return ParseServers(out), nil
}

func (m *Manager) setServers(ctx context.Context, service, servers string) error {
	args := append([]string{"-setdnsservers", service}, strings.Fields(servers)...)
	if _, err := m.runner.Run(ctx, "networksetup", args...); err != nil {
		return fmt.Errorf("set dns servers of %q: %w", service, err)
	}
	return nil
}

// ParseServers normalizes `networksetup -getdnsservers` output to a space
// separated list, or Empty.
func ParseServers(out []byte) string {
	text := strings.TrimSpace(string(out))
	if text == "" || strings.HasPrefix(text, noServers) {
		return Empty
	}
	return strings.Join(strings.Fields(text), " ")
}
