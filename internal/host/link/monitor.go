// Package link watches host network interfaces and pauses the engine while
// the host has no usable link.
package link

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/corevisor/internal/clock"
)

// DefaultExclude holds interface name fragments that never count as a usable
// uplink: tunnels, bridges, container and hypervisor adapters. Point-to-point
// links such as ppp0 are real uplinks and are not listed.
var DefaultExclude = []string{
	"utun", "tun", "tap", "ipsec",
	"vmnet", "vboxnet", "veth", "docker", "br-", "bridge", "virbr",
	"awdl", "llw", "anpi", "gif", "stf",
}

// excludePrefixes only match at the start of a name.
var excludePrefixes = []string{"wg"}

// Interface is one host interface as seen by a Lister.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// Lister enumerates host interfaces.
type Lister interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// Engine is the part of the supervisor the monitor drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Proxy is the system proxy collaborator.
type Proxy interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Config holds the monitor settings.
type Config struct {
	// Interval between polls.
	Interval time.Duration
	// Exclude holds extra name fragments to ignore, such as the engine's
	// TUN device name.
	Exclude []string
	// Clock drives the poll interval. Defaults to clock.Real().
	Clock clock.Clock
}

// Monitor polls interfaces and reacts to link transitions. A sticky
// downHandled flag makes repeated down polls call Stop only once.
type Monitor struct {
	lister  Lister
	engine  Engine
	proxy   Proxy
	config  Config
	exclude []string

	pollMu      sync.Mutex
	downHandled bool

	// Lifecycle management
	mu        sync.Mutex
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// NewMonitor creates a Monitor.
func NewMonitor(lister Lister, engine Engine, proxy Proxy, config Config) *Monitor {
	exclude := make([]string, 0, len(DefaultExclude)+len(config.Exclude))
	for _, e := range append(append([]string(nil), DefaultExclude...), config.Exclude...) {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			exclude = append(exclude, e)
		}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Monitor{
		lister:  lister,
		engine:  engine,
		proxy:   proxy,
		config:  config,
		exclude: exclude,
	}
}

// Start begins polling in a goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	log.G(ctx).WithField("interval", m.config.Interval).Info("link: monitor started")

	go m.loop(ctx)
}

// Stop ends polling and waits for the loop to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopCh == nil {
		m.mu.Unlock()
		return
	}

	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return
	default:
		close(m.stopCh)
	}
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	<-stoppedCh
}

// DownHandled reports whether the monitor has paused the engine for a
// down link.
func (m *Monitor) DownHandled() bool {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.downHandled
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stoppedCh)

	for {
		select {
		case <-m.stopCh:
			log.G(ctx).Info("link: monitor stopped")
			return
		case <-ctx.Done():
			return
		case <-m.config.Clock.After(m.config.Interval):
			if err := m.Poll(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("link: poll failed")
			}
		}
	}
}

// Poll checks the link once and acts on a transition.
func (m *Monitor) Poll(ctx context.Context) error {
	ifaces, err := m.lister.Interfaces(ctx)
	if err != nil {
		return err
	}
	up := Usable(ifaces, m.exclude)

	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	logger := log.G(ctx)
	switch {
	case up && m.downHandled:
		logger.Info("link: network is back, resuming engine")
		if err := m.engine.Start(ctx); err != nil {
			// Stay in the down-handled state so the next up poll retries.
			return err
		}
		m.downHandled = false
		if err := m.proxy.Enable(ctx); err != nil {
			logger.WithError(err).Warn("link: failed to enable system proxy")
		}
	case !up && !m.downHandled:
		logger.Warn("link: network is down, pausing engine")
		m.downHandled = true
		if err := m.proxy.Disable(ctx); err != nil {
			logger.WithError(err).Warn("link: failed to disable system proxy")
		}
		if err := m.engine.Stop(ctx); err != nil {
			logger.WithError(err).Warn("link: failed to stop engine")
		}
	}
	return nil
}

// Usable reports whether any interface outside exclude is up with an address.
func Usable(ifaces []Interface, exclude []string) bool {
	for _, iface := range ifaces {
		if iface.Loopback || !iface.Up || !iface.HasAddr {
			continue
		}
		if excluded(iface.Name, exclude) {
			continue
		}
		return true
	}
	return false
}

func excluded(name string, exclude []string) bool {
	lower := strings.ToLower(name)
	if lower == "lo" || strings.HasPrefix(lower, "lo0") {
		return true
	}
	for _, p := range excludePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, e := range exclude {
		if e != "" && strings.Contains(lower, strings.ToLower(e)) {
			return true
		}
	}
	return false
}

// Online returns a connectivity check over lister using the default
// exclusions plus extra.
func Online(lister Lister, extra ...string) func(ctx context.Context) bool {
	exclude := append(append([]string(nil), DefaultExclude...), extra...)
	return func(ctx context.Context) bool {
		ifaces, err := lister.Interfaces(ctx)
		if err != nil {
			log.G(ctx).WithError(err).Debug("link: cannot list interfaces, assuming online")
			return true
		}
		return Usable(ifaces, exclude)
	}
}
