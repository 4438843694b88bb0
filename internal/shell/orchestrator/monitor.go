package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/core/monitoring"
	"github.com/artpar/convoy/internal/shell/docker"
)

// =============================================================================
// Health Monitor Task
// =============================================================================

// healthMonitor runs one service's probe loop for the service's whole
// lifetime. It folds probe results through the pure tracker and reports
// verdict changes to the orchestrator. Probe state has a single writer (the
// monitor goroutine); State() returns a snapshot.
type healthMonitor struct {
	service   string
	plan      deployment.ProbePlan
	cmd       []string
	substrate Substrate
	logger    *slog.Logger

	// onVerdict fires on every Healthy/Unhealthy verdict change.
	onVerdict func(state monitoring.ProbeState, output string)

	mu      sync.Mutex
	handle  docker.ProcessHandle
	tracker *monitoring.Tracker
	state   monitoring.ProbeState
}

// newHealthMonitor creates a monitor for one service. cmd must be the
// already-converted exec argv.
func newHealthMonitor(service string, handle docker.ProcessHandle, plan deployment.ProbePlan, cmd []string, substrate Substrate, onVerdict func(monitoring.ProbeState, string), logger *slog.Logger) *healthMonitor {
	m := &healthMonitor{
		service:   service,
		plan:      plan,
		cmd:       cmd,
		substrate: substrate,
		onVerdict: onVerdict,
		logger:    logger.With("component", "health_monitor", "service", service),
	}
	m.Rebind(handle)
	return m
}

// Rebind points the monitor at a fresh container and restarts the state
// machine, including the start period. Used after a restart.
func (m *healthMonitor) Rebind(handle docker.ProcessHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = handle
	m.tracker = monitoring.NewTracker(m.plan.StartPeriod, m.plan.Retries, time.Now())
	m.state = m.tracker.State()
}

// State returns the current probe verdict snapshot.
func (m *healthMonitor) State() monitoring.ProbeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run is the probe loop. It probes once immediately, then on a fixed
// interval until the context is cancelled.
func (m *healthMonitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.plan.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe executes a single probe and folds the result into the tracker.
// A probe that exceeds its timeout counts as a failure.
func (m *healthMonitor) probe(ctx context.Context) {
	m.mu.Lock()
	handle := m.handle
	tracker := m.tracker
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.plan.Timeout)
	exitCode, output, err := m.substrate.Probe(probeCtx, handle, m.cmd)
	cancel()

	if ctx.Err() != nil {
		return
	}

	success := err == nil && exitCode == 0
	if err != nil {
		m.logger.Debug("probe execution failed", "error", err)
	}

	m.mu.Lock()
	if m.tracker != tracker {
		// Rebound while we were probing; discard the stale result.
		m.mu.Unlock()
		return
	}
	before := m.state
	after := tracker.Observe(success, time.Now())
	m.state = after
	m.mu.Unlock()

	if after == before {
		return
	}

	m.logger.Info("probe verdict changed", "from", before, "to", after, "exit_code", exitCode)
	if m.onVerdict != nil && (after == monitoring.ProbeHealthy || after == monitoring.ProbeUnhealthy) {
		m.onVerdict(after, output)
	}
}
