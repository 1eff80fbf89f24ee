package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spin-stack/corevisor/internal/host/port"
)

const (
	lineReady     = `time="2025-03-02T10:20:44.012+08:00" level=info msg="Start initial Compatible provider default"`
	lineListening = `time="2025-03-02T10:20:44.010+08:00" level=info msg="RESTful API unix listening at: /tmp/corevisor/engine.sock"`
	lineBind      = `time="2025-03-02T10:31:09.506+08:00" level=error msg="External controller unix listen error: listen unix /tmp/corevisor/engine.sock: bind: address already in use"`
	lineBindAgain = `time="2025-03-02T10:31:12.611+08:00" level=error msg="External controller unix listen error: listen unix /tmp/corevisor/engine.sock: bind: address already in use"`
	lineTUNDenied = `time="2025-03-02T10:40:12.015+08:00" level=error msg="Start TUN listening error: configure tun interface: operation not permitted"`
)

var errCrashed = errors.New("exit status 2")

// fakeProcess is a scripted engine. Lines are buffered up front; it exits
// on kill, or on interrupt and terminate unless stubborn.
type fakeProcess struct {
	pid      int
	lines    chan string
	done     chan struct{}
	stubborn bool
	once     sync.Once

	mu      sync.Mutex
	signals []os.Signal
	exitErr error
}

func newFakeProcess(pid int, lines ...string) *fakeProcess {
	p := &fakeProcess{
		pid:   pid,
		lines: make(chan string, len(lines)+1),
		done:  make(chan struct{}),
	}
	for _, l := range lines {
		p.lines <- l
	}
	return p
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Lines() <-chan string  { return p.lines }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	stubborn := p.stubborn
	p.mu.Unlock()

	if sig == os.Kill || !stubborn {
		p.exit(errors.New("signal: " + sig.String()))
	}
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.lines)
		close(p.done)
	})
}

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeSpawner builds the n-th process (0-based) with script.
type fakeSpawner struct {
	script func(n int) *fakeProcess
	err    error
	trace  *tracer

	mu      sync.Mutex
	spawned []*fakeProcess
	specs   []SpawnSpec
}

func (s *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	s.trace.add("spawn")
	if s.err != nil {
		return nil, s.err
	}
	p := s.script(len(s.spawned))
	s.spawned = append(s.spawned, p)
	return p, nil
}

func (s *fakeSpawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) Process(n int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[n]
}

// readyAlways spawns engines that become ready and keep running.
func readyAlways(n int) *fakeProcess {
	return newFakeProcess(1000+n, lineListening, lineReady)
}

// exitedImmediately returns an engine that dies before readiness.
func exitedImmediately(n int) *fakeProcess {
	p := newFakeProcess(1000+n, "panic: boom")
	p.exit(errCrashed)
	return p
}

type fakeJanitor struct {
	calls atomic.Int32
	err   error
	trace *tracer
}

func (j *fakeJanitor) Clear(context.Context, string) error {
	j.calls.Add(1)
	j.trace.add("janitor")
	return j.err
}

type fakeChecker struct {
	calls atomic.Int32
	err   error
	trace *tracer
}

func (c *fakeChecker) Run(context.Context, string, string) error {
	c.calls.Add(1)
	c.trace.add("check")
	return c.err
}

type fakePorts struct {
	binding port.Binding
	err     error
	trace   *tracer
}

func (p *fakePorts) Resolve(_ context.Context, desired int) (port.Binding, error) {
	p.trace.add("port")
	if p.err != nil {
		return port.Binding{}, p.err
	}
	if p.binding.Desired == 0 {
		return port.Binding{Desired: desired, Actual: desired, Provenance: port.Unchanged}, nil
	}
	return p.binding, nil
}

type fakeAPI struct {
	pingErr   error
	groupsErr error
	patchErr  error

	pings   atomic.Int32
	groups  atomic.Int32
	patches atomic.Int32

	mu      sync.Mutex
	patched map[string]any
}

func (a *fakeAPI) Ping(context.Context) error {
	a.pings.Add(1)
	return a.pingErr
}

func (a *fakeAPI) Groups(context.Context) error {
	a.groups.Add(1)
	return a.groupsErr
}

func (a *fakeAPI) PatchConfig(_ context.Context, fields map[string]any) error {
	a.patches.Add(1)
	a.mu.Lock()
	a.patched = fields
	a.mu.Unlock()
	return a.patchErr
}

type fakeTelemetry struct {
	attached atomic.Int32
	detached atomic.Int32
}

func (t *fakeTelemetry) Attach(context.Context) { t.attached.Add(1) }
func (t *fakeTelemetry) Detach()                { t.detached.Add(1) }

type fakeDNS struct {
	engaged  atomic.Int32
	restored atomic.Int32
	trace    *tracer
}

func (d *fakeDNS) Engage(context.Context) error {
	d.engaged.Add(1)
	d.trace.add("dns-engage")
	return nil
}

func (d *fakeDNS) Restore(context.Context) error {
	d.restored.Add(1)
	d.trace.add("dns-restore")
	return nil
}

type fakeElevator struct {
	calls   atomic.Int32
	granted atomic.Bool
	err     error
}

func (e *fakeElevator) Elevate(context.Context, string) error {
	e.calls.Add(1)
	if e.err != nil {
		return e.err
	}
	e.granted.Store(true)
	return nil
}

func (e *fakeElevator) hasBit(string) (bool, error) {
	return e.granted.Load(), nil
}

// tracer records the order of collaborator calls.
type tracer struct {
	mu     sync.Mutex
	events []string
}

func (t *tracer) add(ev string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *tracer) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}
