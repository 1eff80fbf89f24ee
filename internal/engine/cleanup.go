package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/containerd/log"
)

// CleanupFunc performs one stop phase. It must be safe to call on an
// already cleaned-up engine.
type CleanupFunc func(ctx context.Context) error

type cleanupPhase struct {
	name StopPhase
	fn   CleanupFunc
	done bool
}

// phaseOrder is the canonical stop ordering:
//
//	telemetry -> process -> endpoint -> pid file -> dns
var phaseOrder = []StopPhase{
	PhaseTelemetry,
	PhaseProcess,
	PhaseEndpoint,
	PhasePIDFile,
	PhaseDNS,
}

// CleanupPhases configures the functions of each phase. Nil phases are skipped.
type CleanupPhases struct {
	Telemetry CleanupFunc
	Process   CleanupFunc
	Endpoint  CleanupFunc
	PIDFile   CleanupFunc
	DNS       CleanupFunc
}

// CleanupOrchestrator runs the stop sequence in order and collects every
// phase error. All phases run even if earlier ones fail.
type CleanupOrchestrator struct {
	mu     sync.Mutex
	phases []cleanupPhase
}

// NewCleanupOrchestrator creates an orchestrator for phases.
func NewCleanupOrchestrator(phases CleanupPhases) *CleanupOrchestrator {
	return &CleanupOrchestrator{
		phases: []cleanupPhase{
			{name: PhaseTelemetry, fn: phases.Telemetry},
			{name: PhaseProcess, fn: phases.Process},
			{name: PhaseEndpoint, fn: phases.Endpoint},
			{name: PhasePIDFile, fn: phases.PIDFile},
			{name: PhaseDNS, fn: phases.DNS},
		},
	}
}

// Execute runs every phase.
func (c *CleanupOrchestrator) Execute(ctx context.Context) *StopResult {
	return c.executeFrom(ctx, 0)
}

// ExecutePartial runs the phases from startPhase onwards.
func (c *CleanupOrchestrator) ExecutePartial(ctx context.Context, startPhase StopPhase) *StopResult {
	startIdx := slices.Index(phaseOrder, startPhase)
	if startIdx < 0 {
		startIdx = 0
	}
	return c.executeFrom(ctx, startIdx)
}

func (c *CleanupOrchestrator) executeFrom(ctx context.Context, startIdx int) *StopResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &StopResult{}
	logger := log.G(ctx)

	for i := startIdx; i < len(c.phases); i++ {
		phase := &c.phases[i]
		if phase.fn == nil || phase.done {
			continue
		}

		logger.WithField("phase", string(phase.name)).Debug("cleanup: executing phase")
		phase.done = true

		if err := phase.fn(ctx); err != nil {
			result.Add(phase.name, err)
		}
	}

	if result.HasErrors() {
		logger.WithField("failed_phases", result.FailedPhases()).Warn("cleanup completed with errors")
	} else {
		logger.Debug("cleanup completed successfully")
	}

	return result
}
