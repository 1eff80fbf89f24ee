// Package engine supervises the proxy engine process: it negotiates the
// mixed port, gates on the engine self-test, spawns the engine, watches its
// log for readiness and known failures, restarts it after crashes within a
// retry budget and stops it by escalating signals.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/config"
	"github.com/spin-stack/corevisor/internal/engine/readiness"
	"github.com/spin-stack/corevisor/internal/host/inspect"
	"github.com/spin-stack/corevisor/internal/host/port"
	"github.com/spin-stack/corevisor/internal/host/privilege"
	"github.com/spin-stack/corevisor/internal/paths"
	"github.com/spin-stack/corevisor/internal/profile"
	"github.com/spin-stack/corevisor/internal/retry"
	"github.com/spin-stack/corevisor/internal/store"
)

const (
	// bindingKey is the store key of the last port binding.
	bindingKey = "mixed-port"
	// tailLines is the number of engine output lines kept for early exits.
	tailLines = 20
)

// PortResolver decides the mixed port before spawn.
type PortResolver interface {
	Resolve(ctx context.Context, desired int) (port.Binding, error)
}

// EndpointCleaner removes a stale control endpoint.
type EndpointCleaner interface {
	Clear(ctx context.Context, endpoint string) error
}

// ProfileChecker runs the engine self-test against a profile.
type ProfileChecker interface {
	Run(ctx context.Context, profilePath, workDir string) error
}

// Granter elevates the engine for TUN.
type Granter interface {
	Grant(ctx context.Context) error
}

// ControlAPI is the engine control API surface used by the supervisor.
type ControlAPI interface {
	Ping(ctx context.Context) error
	Groups(ctx context.Context) error
	PatchConfig(ctx context.Context, fields map[string]any) error
}

// Telemetry follows the engine's streaming endpoints while it runs.
type Telemetry interface {
	Attach(ctx context.Context)
	Detach()
}

// DNSOverride substitutes the host resolver while TUN is active.
type DNSOverride interface {
	Engage(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Config holds the supervisor's paths and limits.
type Config struct {
	Binary    string
	WorkDir   string
	CheckDir  string
	Endpoint  string
	PIDFile   string
	EngineLog string
	Env       []string

	StopGrace         time.Duration
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	ReadyPolls        int
	CrashBudget       int
	BindRetries       int
}

// ConfigFrom derives the supervisor Config from the loaded configuration.
func ConfigFrom(cfg *config.Config, binary, endpoint string) Config {
	return Config{
		Binary:            binary,
		WorkDir:           cfg.Paths.WorkDir,
		CheckDir:          paths.CheckDir(cfg.Paths),
		Endpoint:          endpoint,
		PIDFile:           paths.PIDFile(cfg.Paths),
		EngineLog:         paths.EngineLog(cfg.Paths),
		Env:               EngineEnv(cfg.Engine),
		StopGrace:         cfg.Timeouts.GetStopGrace(),
		ReadyTimeout:      cfg.Timeouts.GetReady(),
		ReadyPollInterval: cfg.Timeouts.GetReadyPoll(),
		ReadyPolls:        cfg.Retry.ReadyPolls,
		CrashBudget:       cfg.Retry.CrashBudget,
		BindRetries:       cfg.Retry.BindRetries,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the os/exec spawner.
func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }

// WithPorts sets the mixed port negotiator.
func WithPorts(p PortResolver) Option { return func(s *Supervisor) { s.ports = p } }

// WithJanitor sets the control endpoint cleaner.
func WithJanitor(j EndpointCleaner) Option { return func(s *Supervisor) { s.janitor = j } }

// WithChecker sets the profile self-test gate.
func WithChecker(c ProfileChecker) Option { return func(s *Supervisor) { s.checker = c } }

// WithGranter sets the TUN privilege granter.
func WithGranter(g Granter) Option { return func(s *Supervisor) { s.granter = g } }

// WithAPI sets the control API used to confirm readiness and hot-reload.
func WithAPI(api ControlAPI) Option { return func(s *Supervisor) { s.api = api } }

// WithTelemetry sets the stream attacher.
func WithTelemetry(t Telemetry) Option { return func(s *Supervisor) { s.telemetry = t } }

// WithDNS enables the DNS override while TUN is active.
func WithDNS(d DNSOverride) Option { return func(s *Supervisor) { s.dns = d } }

// WithInspector enables orphan reaping from the pid file.
func WithInspector(ins inspect.Inspector) Option { return func(s *Supervisor) { s.inspector = ins } }

// WithBindings persists the negotiated port binding.
func WithBindings(st store.Store[port.Binding]) Option {
	return func(s *Supervisor) { s.bindings = st }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithFatalHandler receives terminal errors from automatic crash recovery.
// It is called on its own goroutine.
func WithFatalHandler(f func(error)) Option { return func(s *Supervisor) { s.onFatal = f } }

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State        `json:"state"`
	PID         int          `json:"pid,omitempty"`
	Binding     port.Binding `json:"binding"`
	Attempt     string       `json:"attempt,omitempty"`
	RetryBudget int          `json:"retry_budget"`
	LastError   string       `json:"last_error,omitempty"`
}

// Supervisor owns the engine process. Lifecycle operations are serialized;
// overlapping Start calls are rejected with ErrStartInProgress.
type Supervisor struct {
	cfg     Config
	profile *profile.File

	spawner   Spawner
	ports     PortResolver
	janitor   EndpointCleaner
	checker   ProfileChecker
	granter   Granter
	api       ControlAPI
	telemetry Telemetry
	dns       DNSOverride
	inspector inspect.Inspector
	bindings  store.Store[port.Binding]
	clock     clock.Clock
	onFatal   func(error)

	state    *StateMachine
	budget   *retry.Budget
	starting atomic.Bool
	reloads  singleflight.Group

	// mu serializes lifecycle operations.
	mu   sync.Mutex
	proc Process

	statusMu sync.Mutex
	status   Status
}

// New returns a Supervisor for the engine described by cfg, running the
// profile at prof.
func New(cfg Config, prof *profile.File, opts ...Option) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.CrashBudget <= 0 {
		cfg.CrashBudget = 10
	}
	if cfg.BindRetries < 0 {
		cfg.BindRetries = 0
	}
	s := &Supervisor{
		cfg:     cfg,
		profile: prof,
		spawner: ExecSpawner{},
		clock:   clock.Real(),
		state:   NewStateMachine(),
		budget:  retry.NewBudget(cfg.CrashBudget),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	return s.state.State()
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() Status {
	s.statusMu.Lock()
	st := s.status
	s.statusMu.Unlock()
	st.State = s.state.State()
	st.RetryBudget = s.budget.Remaining()
	return st
}

// Start launches the engine and returns once it is ready. Starting a
// running engine is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.starting.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}
	defer s.starting.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		log.G(ctx).Debug("engine: already running")
		return nil
	}
	return s.start(ctx)
}

// Stop shuts the engine down and cleans up after it. Stopping an engine
// that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx)
}

// Restart stops the engine if it runs and starts it again. Stop failures
// are logged and do not prevent the start.
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.starting.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}
	defer s.starting.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stop(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("engine: stop before restart reported errors")
	}
	return s.start(ctx)
}

// HotReloadOrStart applies the current profile to a live engine through
// the control API, falling back to a restart when that fails, or starts
// the engine when it is not running. Concurrent calls share one reload.
func (s *Supervisor) HotReloadOrStart(ctx context.Context) error {
	ch := s.reloads.DoChan("reload", func() (any, error) {
		return nil, s.reload(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) reload(ctx context.Context) error {
	s.mu.Lock()
	live := s.proc != nil && s.state.IsRunning()
	s.mu.Unlock()

	if !live || s.api == nil {
		return s.Start(ctx)
	}
	if err := s.api.Ping(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("engine: control API unreachable, restarting instead of hot reload")
		return s.Restart(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prof, err := s.profile.Load()
	if err != nil {
		return &ProfileInvalidError{Profile: s.profile.Path(), Err: err}
	}
	if s.checker != nil {
		if err := s.checker.Run(ctx, s.profile.Path(), s.cfg.CheckDir); err != nil {
			return &ProfileInvalidError{Profile: s.profile.Path(), Err: err}
		}
	}
	if err := s.api.PatchConfig(ctx, prof.HotPatch()); err != nil {
		log.G(ctx).WithError(err).Warn("engine: hot reload rejected, restarting")
		if err := s.stop(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("engine: stop before restart reported errors")
		}
		return s.start(ctx)
	}

	s.adjustDNS(ctx, prof)
	log.G(ctx).Info("engine: configuration hot-reloaded")
	return nil
}

func (s *Supervisor) start(ctx context.Context) (retErr error) {
	if err := s.state.BeginStart(); err != nil {
		return err
	}

	attempt := uuid.NewString()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("attempt", attempt))
	logger := log.G(ctx)
	s.updateStatus(func(st *Status) { st.Attempt = attempt })

	defer func() {
		if retErr != nil {
			s.state.ForceTransition(Stopped)
			s.recordError(retErr)
			logger.WithError(retErr).Error("engine: start failed")
		}
	}()

	logger.WithField("binary", s.cfg.Binary).Info("engine: starting")

	reapOrphan(ctx, s.inspector, s.cfg.PIDFile, s.cfg.Binary)

	prof, err := s.negotiatePort(ctx)
	if err != nil {
		return err
	}

	if s.checker != nil {
		if err := s.checker.Run(ctx, s.profile.Path(), s.cfg.CheckDir); err != nil {
			return &ProfileInvalidError{Profile: s.profile.Path(), Err: err}
		}
	}

	s.clearEndpoint(ctx)

	return s.launch(ctx, prof)
}

func (s *Supervisor) negotiatePort(ctx context.Context) (*profile.Profile, error) {
	prof, err := s.profile.Load()
	if err != nil {
		return nil, &ProfileInvalidError{Profile: s.profile.Path(), Err: err}
	}
	if s.ports == nil {
		return prof, nil
	}

	last := s.loadBinding(ctx)
	b, err := s.ports.Resolve(ctx, prof.MixedPort)
	if err != nil {
		return nil, fmt.Errorf("resolve mixed port %d: %w", prof.MixedPort, err)
	}
	if b.Switched() {
		log.G(ctx).WithFields(log.Fields{
			"desired":    b.Desired,
			"actual":     b.Actual,
			"provenance": b.Provenance.String(),
		}).Warn("engine: mixed port unavailable, switching")
		if err := s.profile.SetMixedPort(b.Actual); err != nil {
			return nil, fmt.Errorf("rewrite mixed port: %w", err)
		}
		prof.MixedPort = b.Actual
	}
	if last != nil && last.Actual != b.Actual {
		log.G(ctx).WithFields(log.Fields{
			"previous": last.Actual,
			"actual":   b.Actual,
		}).Info("engine: mixed port differs from last session")
	}

	s.updateStatus(func(st *Status) { st.Binding = b })
	if s.bindings != nil {
		if err := s.bindings.Set(ctx, bindingKey, &b); err != nil {
			log.G(ctx).WithError(err).Warn("engine: failed to persist port binding")
		}
	}
	return prof, nil
}

// loadBinding returns the binding persisted by an earlier start and exposes
// it in Status until a new one is negotiated.
func (s *Supervisor) loadBinding(ctx context.Context) *port.Binding {
	if s.bindings == nil {
		return nil
	}
	last, err := s.bindings.Get(ctx, bindingKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.G(ctx).WithError(err).Warn("engine: failed to load last port binding")
		}
		return nil
	}
	s.updateStatus(func(st *Status) { st.Binding = *last })
	return last
}

// launch spawns the engine until it is ready or fails terminally. A bind
// conflict is retried after an extra endpoint cleanup, and a TUN permission
// failure after one elevation.
func (s *Supervisor) launch(ctx context.Context, prof *profile.Profile) error {
	logger := log.G(ctx)

	var bindLines []string
	elevated := false

	for {
		proc, err := s.spawn(ctx)
		if err != nil {
			return err
		}

		out := s.awaitReady(ctx, proc, prof.Providers)
		switch out.kind {
		case outcomeReady:
			s.ready(ctx, proc, prof)
			return nil

		case outcomeBindConflict:
			bindLines = append(bindLines, out.line)
			logger.WithField("line", out.line).Warn("engine: control endpoint bind failed")
			if len(bindLines) > s.cfg.BindRetries {
				s.abort(ctx, proc)
				return &BindConflictError{Endpoint: s.cfg.Endpoint, Lines: bindLines}
			}
			s.clearEndpoint(ctx)
			s.abort(ctx, proc)

		case outcomePermissionDenied:
			logger.WithField("line", out.line).Warn("engine: TUN permission denied")
			s.abort(ctx, proc)
			if elevated {
				return s.denyTUN(ctx, out.line, nil)
			}
			if err := s.elevate(ctx); err != nil {
				return s.denyTUN(ctx, out.line, err)
			}
			elevated = true
			s.clearEndpoint(ctx)

		case outcomeExited:
			s.forget(ctx, proc)
			return &ExitedError{Err: proc.ExitErr(), Tail: out.tail}

		case outcomeTimeout:
			s.abort(ctx, proc)
			return ErrReadyTimeout

		case outcomeCancelled:
			s.abort(ctx, proc)
			return ctx.Err()
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context) (Process, error) {
	spec := SpawnSpec{
		Binary:  s.cfg.Binary,
		Args:    EngineArgs(s.cfg.WorkDir, s.profile.Path(), s.cfg.Endpoint),
		Dir:     s.cfg.WorkDir,
		Env:     s.cfg.Env,
		LogPath: s.cfg.EngineLog,
	}
	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		var se *SpawnError
		if !errors.As(err, &se) {
			err = &SpawnError{Binary: s.cfg.Binary, Err: err}
		}
		return nil, err
	}

	s.proc = proc
	if err := writePIDFile(s.cfg.PIDFile, proc.Pid()); err != nil {
		log.G(ctx).WithError(err).Warn("engine: failed to write pid file")
	}
	s.updateStatus(func(st *Status) { st.PID = proc.Pid() })
	log.G(ctx).WithField("pid", proc.Pid()).Info("engine: spawned")
	return proc, nil
}

type outcomeKind int

const (
	outcomeReady outcomeKind = iota
	outcomeBindConflict
	outcomePermissionDenied
	outcomeExited
	outcomeTimeout
	outcomeCancelled
)

type outcome struct {
	kind outcomeKind
	line string
	tail []string
}

// awaitReady reads engine output until it reports readiness, a known
// failure, exits, or the ready timeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, proc Process, providers []string) outcome {
	det := readiness.NewDetector(providers)

	timedOut := make(chan struct{})
	timer := s.clock.AfterFunc(s.cfg.ReadyTimeout, func() { close(timedOut) })
	defer timer.Stop()

	var tail []string
	observe := func(line string) (outcome, bool) {
		tail = appendTail(tail, line)
		ev := readiness.Translate(line)
		switch ev.Kind {
		case readiness.BindConflict:
			return outcome{kind: outcomeBindConflict, line: line}, true
		case readiness.PermissionDenied:
			return outcome{kind: outcomePermissionDenied, line: line}, true
		}
		if det.Observe(ev) {
			return outcome{kind: outcomeReady}, true
		}
		return outcome{}, false
	}

	lines := proc.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if out, done := observe(line); done {
				return out
			}
		case <-proc.Done():
			tail = drainTail(tail, lines)
			return outcome{kind: outcomeExited, tail: tail}
		case <-timedOut:
			log.G(ctx).WithField("pending", det.Pending()).Warn("engine: timed out waiting for readiness")
			return outcome{kind: outcomeTimeout, tail: tail}
		case <-ctx.Done():
			return outcome{kind: outcomeCancelled, tail: tail}
		}
	}
}

// drainTail appends the lines already buffered after the engine exited.
func drainTail(tail []string, lines <-chan string) []string {
	if lines == nil {
		return tail
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return tail
			}
			tail = appendTail(tail, line)
		default:
			return tail
		}
	}
}

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	return tail
}

func (s *Supervisor) ready(ctx context.Context, proc Process, prof *profile.Profile) {
	logger := log.G(ctx)

	if s.api != nil && s.cfg.ReadyPolls > 0 {
		if err := readiness.Confirm(ctx, s.api, s.cfg.ReadyPolls, s.cfg.ReadyPollInterval, s.clock); err != nil {
			logger.WithError(err).Warn("engine: control API did not confirm readiness, continuing")
		}
	}

	s.budget.Reset()
	if err := s.state.Transition(Starting, Running); err != nil {
		logger.WithError(err).Warn("engine: unexpected state on ready")
		s.state.ForceTransition(Running)
	}
	s.updateStatus(func(st *Status) { st.LastError = "" })
	logger.WithField("pid", proc.Pid()).Info("engine: ready")

	if s.telemetry != nil {
		s.telemetry.Attach(ctx)
	}
	s.adjustDNS(ctx, prof)

	go s.watch(context.WithoutCancel(ctx), proc)
}

func (s *Supervisor) adjustDNS(ctx context.Context, prof *profile.Profile) {
	if s.dns == nil {
		return
	}
	if prof.TUN.Enable {
		if err := s.dns.Engage(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("engine: failed to override DNS")
		}
		return
	}
	if err := s.dns.Restore(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("engine: failed to restore DNS")
	}
}

// watch waits for a ready engine to exit and hands unplanned exits to
// crash recovery.
func (s *Supervisor) watch(ctx context.Context, proc Process) {
	go func() {
		for line := range proc.Lines() {
			if ev := readiness.Translate(line); ev.Kind == readiness.PermissionDenied || ev.Kind == readiness.BindConflict {
				log.G(ctx).WithField("line", line).Warn("engine: reported failure while running")
			}
		}
	}()

	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		return
	}
	s.recoverCrash(ctx, proc)
}

// recoverCrash restarts a crashed engine until it becomes ready again or the
// retry budget runs out. Exits before readiness count as crashes.
func (s *Supervisor) recoverCrash(ctx context.Context, proc Process) {
	logger := log.G(ctx).WithField("pid", proc.Pid())

	cause := proc.ExitErr()
	if cause == nil {
		cause = errors.New("engine exited with status 0")
	}
	cause = fmt.Errorf("engine exited unexpectedly: %w", cause)
	logger.WithError(cause).Error("engine: crashed")

	s.proc = nil
	s.state.ForceTransition(Crashed)
	s.updateStatus(func(st *Status) { st.PID = 0 })
	s.recordError(cause)

	phases := s.stopPhases(nil)
	phases.DNS = nil
	NewCleanupOrchestrator(phases).Execute(ctx)

	for {
		remaining, ok := s.budget.Consume()
		if !ok {
			err := &CrashLoopExhaustedError{Crashes: s.budget.Initial(), Last: cause}
			// The process is gone; finish the stop from the endpoint phase.
			result := NewCleanupOrchestrator(s.stopPhases(nil)).ExecutePartial(ctx, PhaseEndpoint)
			if result.HasErrors() {
				logger.WithError(result.AsError()).Warn("engine: cleanup after crash loop reported errors")
			}
			s.state.ForceTransition(Stopped)
			s.fail(ctx, err)
			return
		}

		logger.WithField("remaining", remaining).Warn("engine: restarting after crash")
		err := s.start(ctx)
		if err == nil {
			return
		}
		var exited *ExitedError
		if !errors.As(err, &exited) {
			s.fail(ctx, err)
			return
		}
		cause = err
	}
}

func (s *Supervisor) fail(ctx context.Context, err error) {
	s.recordError(err)
	log.G(ctx).WithError(err).Error("engine: automatic recovery gave up")
	if s.onFatal != nil {
		go s.onFatal(err)
	}
}

func (s *Supervisor) stop(ctx context.Context) error {
	proc := s.proc
	if proc == nil {
		log.G(ctx).Debug("engine: stop requested but not running")
		return nil
	}
	s.proc = nil
	s.state.ForceTransition(Stopping)
	log.G(ctx).WithField("pid", proc.Pid()).Info("engine: stopping")

	result := NewCleanupOrchestrator(s.stopPhases(proc)).Execute(ctx)

	s.state.ForceTransition(Stopped)
	s.updateStatus(func(st *Status) { st.PID = 0 })
	return result.AsError()
}

// stopPhases returns the cleanup of a stop of proc. A nil proc has no
// process phase.
func (s *Supervisor) stopPhases(proc Process) CleanupPhases {
	phases := CleanupPhases{
		Telemetry: s.detachTelemetry,
		Endpoint: func(ctx context.Context) error {
			s.clearEndpoint(ctx)
			return nil
		},
		PIDFile: func(context.Context) error { return removePIDFile(s.cfg.PIDFile) },
		DNS:     s.restoreDNS,
	}
	if proc != nil {
		phases.Process = func(ctx context.Context) error {
			return terminate(ctx, s.clock, s.cfg.StopGrace, proc)
		}
	}
	return phases
}

// abort terminates a process that never became ready.
func (s *Supervisor) abort(ctx context.Context, proc Process) {
	if err := terminate(ctx, s.clock, s.cfg.StopGrace, proc); err != nil {
		log.G(ctx).WithError(err).Warn("engine: failed to stop engine cleanly")
	}
	s.forget(ctx, proc)
}

func (s *Supervisor) forget(ctx context.Context, proc Process) {
	if s.proc == proc {
		s.proc = nil
	}
	if err := removePIDFile(s.cfg.PIDFile); err != nil {
		log.G(ctx).WithError(err).Warn("engine: failed to remove pid file")
	}
	s.updateStatus(func(st *Status) { st.PID = 0 })
}

func (s *Supervisor) clearEndpoint(ctx context.Context) {
	if s.janitor == nil {
		return
	}
	if err := s.janitor.Clear(ctx, s.cfg.Endpoint); err != nil {
		log.G(ctx).WithError(err).Warn("engine: stale control endpoint not cleared, continuing")
	}
}

func (s *Supervisor) detachTelemetry(context.Context) error {
	if s.telemetry != nil {
		s.telemetry.Detach()
	}
	return nil
}

func (s *Supervisor) restoreDNS(ctx context.Context) error {
	if s.dns == nil {
		return nil
	}
	return s.dns.Restore(ctx)
}

func (s *Supervisor) elevate(ctx context.Context) error {
	if s.granter == nil {
		return fmt.Errorf("no privilege granter configured: %w", errdefs.ErrNotImplemented)
	}
	return s.granter.Grant(ctx)
}

// denyTUN turns TUN off in the profile and reports why it could not run.
func (s *Supervisor) denyTUN(ctx context.Context, line string, cause error) error {
	logger := log.G(ctx)
	if err := s.profile.DisableTUN(); err != nil {
		logger.WithError(err).Warn("engine: failed to disable TUN in profile")
	}
	if err := s.restoreDNS(ctx); err != nil {
		logger.WithError(err).Warn("engine: failed to restore DNS")
	}

	if errors.Is(cause, privilege.ErrDevRestricted) {
		return &DevRestrictedError{Binary: s.cfg.Binary, Remediation: devRemediation(s.cfg.Binary)}
	}
	return &PermissionDeniedError{
		Binary:      s.cfg.Binary,
		Line:        line,
		Remediation: remediation(s.cfg.Binary),
		Err:         cause,
	}
}

func remediation(binary string) string {
	switch runtime.GOOS {
	case "darwin":
		return fmt.Sprintf("TUN mode needs a setuid root engine: sudo chown root:admin %q && sudo chmod +sx %q", binary, binary)
	case "windows":
		return "TUN mode needs administrator rights: run corevisor as administrator or install the engine service"
	default:
		return fmt.Sprintf("TUN mode needs a setuid root engine: sudo chown root:root %q && sudo chmod +sx %q", binary, binary)
	}
}

func devRemediation(binary string) string {
	return fmt.Sprintf("%s is inside a development directory where elevated binaries are refused; install the application to enable TUN mode", binary)
}

func (s *Supervisor) recordError(err error) {
	s.updateStatus(func(st *Status) { st.LastError = err.Error() })
}

func (s *Supervisor) updateStatus(f func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	f(&s.status)
}
