// Package testutil provides a scriptable Inspector for tests.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"syscall"

	"github.com/spin-stack/corevisor/internal/host/inspect"
)

// SignalCall records one delivered signal.
type SignalCall struct {
	PID    int
	Signal syscall.Signal
}

// MockInspector implements inspect.Inspector over in-memory tables. A pid
// disappears from every table once it receives SIGKILL, or SIGTERM unless it
// is listed in Stubborn.
type MockInspector struct {
	mu sync.Mutex

	HoldersByPath   map[string][]int
	ListenersByPort map[int][]int
	Executables     map[int]string
	Stubborn        map[int]bool
	HoldersErr      error

	// OnSignal runs after a signal is recorded, outside the lock.
	OnSignal func(pid int, sig syscall.Signal)

	holderCalls int
	signals     []SignalCall
	dead        map[int]bool
}

// Compile-time check that MockInspector implements inspect.Inspector
var _ inspect.Inspector = (*MockInspector)(nil)

// NewMockInspector returns an empty MockInspector.
func NewMockInspector() *MockInspector {
	return &MockInspector{
		HoldersByPath:   make(map[string][]int),
		ListenersByPort: make(map[int][]int),
		Executables:     make(map[int]string),
		Stubborn:        make(map[int]bool),
		dead:            make(map[int]bool),
	}
}

func (m *MockInspector) live(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if !m.dead[pid] {
			out = append(out, pid)
		}
	}
	return out
}

func (m *MockInspector) Holders(ctx context.Context, path string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holderCalls++
	if m.HoldersErr != nil {
		return nil, m.HoldersErr
	}
	return m.live(m.HoldersByPath[path]), nil
}

func (m *MockInspector) PortListeners(ctx context.Context, port int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(m.ListenersByPort[port]), nil
}

func (m *MockInspector) Executable(ctx context.Context, pid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exe, ok := m.Executables[pid]
	if !ok || m.dead[pid] {
		return "", fmt.Errorf("no such process %d", pid)
	}
	return exe, nil
}

func (m *MockInspector) Alive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead[pid] {
		return false
	}
	if _, ok := m.Executables[pid]; ok {
		return true
	}
	for _, pids := range m.HoldersByPath {
		if slices.Contains(pids, pid) {
			return true
		}
	}
	for _, pids := range m.ListenersByPort {
		if slices.Contains(pids, pid) {
			return true
		}
	}
	return false
}

func (m *MockInspector) Signal(pid int, sig syscall.Signal) error {
	m.mu.Lock()
	m.signals = append(m.signals, SignalCall{PID: pid, Signal: sig})
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !m.Stubborn[pid]) {
		m.dead[pid] = true
	}
	hook := m.OnSignal
	m.mu.Unlock()

	if hook != nil {
		hook(pid, sig)
	}
	return nil
}

// Kill marks pid as exited.
func (m *MockInspector) Kill(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[pid] = true
}

// Signals returns every recorded signal in delivery order.
func (m *MockInspector) Signals() []SignalCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.signals)
}

// HolderCalls returns how many times Holders was called.
func (m *MockInspector) HolderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holderCalls
}
