// Package monitoring provides pure functions for service health logic.
// Following ADR-002: Values as Boundaries - this package contains NO I/O;
// probe execution and timing live in the shell.
package monitoring

import "time"

// =============================================================================
// Probe State Machine (Pure)
// =============================================================================

// ProbeState is the readiness state of one service's probe state machine.
type ProbeState string

const (
	// ProbeBooting means the service is within its start period; failures
	// are recorded but do not count toward the unhealthy threshold.
	ProbeBooting ProbeState = "booting"
	// ProbeProbing means normal operation with no verdict yet.
	ProbeProbing ProbeState = "probing"
	// ProbeHealthy means the most recent probe succeeded.
	ProbeHealthy ProbeState = "healthy"
	// ProbeUnhealthy means the consecutive-failure threshold was crossed
	// after the start period.
	ProbeUnhealthy ProbeState = "unhealthy"
)

// Tracker folds a stream of probe results into a ProbeState.
//
// Transitions:
//
//	Booting -(start period elapses)-> Probing
//	any state -(probe success)-> Healthy, failure counter reset
//	Probing/Healthy -(retries consecutive failures)-> Unhealthy
//
// The tracker is a plain value with no locking: it has exactly one writer,
// the health monitor task that owns the service's probe loop.
type Tracker struct {
	interval    time.Duration
	startPeriod time.Duration
	retries     int

	startedAt time.Time
	state     ProbeState

	consecutiveFailures int
	graceFailures       int // failures observed during the start period
	totalProbes         int
}

// NewTracker creates a tracker for a service started at startedAt.
func NewTracker(startPeriod time.Duration, retries int, startedAt time.Time) *Tracker {
	state := ProbeProbing
	if startPeriod > 0 {
		state = ProbeBooting
	}
	if retries <= 0 {
		retries = 1
	}
	return &Tracker{
		startPeriod: startPeriod,
		retries:     retries,
		startedAt:   startedAt,
		state:       state,
	}
}

// State returns the current probe state.
func (t *Tracker) State() ProbeState { return t.state }

// GraceFailures returns how many failures were recorded during the start
// period. They never counted toward the threshold.
func (t *Tracker) GraceFailures() int { return t.graceFailures }

// ConsecutiveFailures returns the current post-grace failure streak.
func (t *Tracker) ConsecutiveFailures() int { return t.consecutiveFailures }

// Observe folds one probe result observed at the given time and returns the
// resulting state. A probe that exceeded its timeout is a failure.
func (t *Tracker) Observe(success bool, at time.Time) ProbeState {
	t.totalProbes++

	if success {
		t.consecutiveFailures = 0
		t.state = ProbeHealthy
		return t.state
	}

	if t.startPeriod > 0 && at.Sub(t.startedAt) <= t.startPeriod {
		// Grace period, boundary inclusive: a failure at exactly
		// startPeriod still records without counting, so Unhealthy can
		// never fire before startPeriod + retries*interval.
		t.graceFailures++
		return t.state
	}

	if t.state == ProbeBooting {
		t.state = ProbeProbing
	}

	t.consecutiveFailures++
	if t.consecutiveFailures >= t.retries {
		t.state = ProbeUnhealthy
	}
	return t.state
}

// =============================================================================
// Stack Health Aggregation (Pure)
// =============================================================================

// StackHealth summarises the health of a whole stack.
type StackHealth string

const (
	StackHealthy   StackHealth = "healthy"
	StackDegraded  StackHealth = "degraded"
	StackUnhealthy StackHealth = "unhealthy"
	StackUnknown   StackHealth = "unknown"
)

// AggregateHealth determines overall stack health from per-service probe
// states. Services without a health check report ProbeHealthy once running.
func AggregateHealth(states []ProbeState) StackHealth {
	if len(states) == 0 {
		return StackUnknown
	}

	unhealthy := 0
	pending := 0
	for _, s := range states {
		switch s {
		case ProbeUnhealthy:
			unhealthy++
		case ProbeBooting, ProbeProbing:
			pending++
		}
	}

	if unhealthy == len(states) {
		return StackUnhealthy
	}
	if unhealthy > 0 || pending > 0 {
		return StackDegraded
	}
	return StackHealthy
}
