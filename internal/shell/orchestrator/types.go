// Package orchestrator drives stack startup, health monitoring, restart
// supervision, and shutdown. This is part of the Imperative Shell - it owns
// all service lifecycle concurrency and calls the pure core for decisions.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/core/monitoring"
	"github.com/artpar/convoy/internal/shell/docker"
)

// =============================================================================
// Runtime State
// =============================================================================

// RuntimeState is the lifecycle state of a service. The orchestrator is the
// only writer; everything else reads published snapshots.
type RuntimeState string

const (
	StatePending        RuntimeState = "pending"
	StateStarting       RuntimeState = "starting"
	StateRunning        RuntimeState = "running"
	StateHealthChecking RuntimeState = "health_checking"
	StateHealthy        RuntimeState = "healthy"
	StateUnhealthy      RuntimeState = "unhealthy"
	StateStopping       RuntimeState = "stopping"
	StateStopped        RuntimeState = "stopped"
	StateFailed         RuntimeState = "failed"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDependencyTimeout is returned when a service's dependencies do not
	// become ready within the configured window. The service never starts.
	ErrDependencyTimeout = errors.New("timed out waiting for dependencies")

	// ErrDependencyFailed is returned when a dependency failed outright, so
	// waiting out the timeout would be pointless.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrLaunchFailed is returned when the substrate could not start a
	// service's container.
	ErrLaunchFailed = errors.New("service launch failed")
)

// =============================================================================
// Interfaces over the substrate
// =============================================================================

// Substrate is the slice of the execution substrate the orchestrator needs.
// *docker.Launcher implements it.
type Substrate interface {
	Launch(ctx context.Context, plan deployment.ContainerPlan) (docker.ProcessHandle, error)
	Stop(ctx context.Context, h docker.ProcessHandle) error
	Remove(ctx context.Context, h docker.ProcessHandle) error
	Probe(ctx context.Context, h docker.ProcessHandle, cmd []string) (int, string, error)
	Inspect(ctx context.Context, h docker.ProcessHandle) (*docker.ContainerInfo, error)
	Lookup(ctx context.Context, service string) (docker.ProcessHandle, bool, error)
}

// Resources is the resource lifecycle surface the orchestrator needs.
// *docker.ResourceManager implements it.
type Resources interface {
	EnsureNetwork(ctx context.Context, net compose.Network) (docker.Handle, error)
	EnsureDefaultNetwork(ctx context.Context) (docker.Handle, error)
	EnsureVolume(ctx context.Context, vol compose.Volume) (docker.Handle, error)
	RemoveVolumes(ctx context.Context, volumes []compose.Volume) error
	RemoveNetworks(ctx context.Context, networks []compose.Network) error
}

// =============================================================================
// Configuration
// =============================================================================

// TransitionFunc receives every service state transition, in order.
type TransitionFunc func(service string, from, to RuntimeState, detail string)

// Config configures the orchestrator.
type Config struct {
	// Project is the stack's project name, used for resource namespacing.
	Project string

	// DependencyTimeout bounds how long a service waits for its
	// dependencies to become ready. Default: 2 minutes.
	DependencyTimeout time.Duration

	// RestartBackoffBase is the first restart delay; each consecutive
	// restart doubles it. Default: 1 second.
	RestartBackoffBase time.Duration

	// RestartBackoffMax caps the restart delay. Default: 1 minute.
	RestartBackoffMax time.Duration

	// MaxRestarts caps restart attempts for the on-failure policy.
	// unless-stopped is never capped. Default: 5.
	MaxRestarts int

	// SupervisePoll is the container state polling interval for restart
	// supervision. Default: 3 seconds.
	SupervisePoll time.Duration

	// StableAfter resets the restart backoff once a container has run this
	// long without exiting. Default: 30 seconds.
	StableAfter time.Duration

	// Notify, when set, receives every state transition.
	Notify TransitionFunc
}

// withDefaults fills zero values with defaults.
func (c Config) withDefaults() Config {
	if c.DependencyTimeout == 0 {
		c.DependencyTimeout = 2 * time.Minute
	}
	if c.RestartBackoffBase == 0 {
		c.RestartBackoffBase = time.Second
	}
	if c.RestartBackoffMax == 0 {
		c.RestartBackoffMax = time.Minute
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.SupervisePoll == 0 {
		c.SupervisePoll = 3 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 30 * time.Second
	}
	return c
}

// =============================================================================
// Status Snapshots
// =============================================================================

// ServiceStatus is a point-in-time snapshot of one service.
type ServiceStatus struct {
	Service     string
	Role        compose.ServiceRole
	State       RuntimeState
	ContainerID string
	Health      monitoring.ProbeState // empty when no healthcheck declared
	Restarts    int
	Detail      string
}

// UpResult summarizes a startup run, in start order.
type UpResult struct {
	Services []ServiceStatus
}

// Failed reports whether any service did not reach a ready state.
func (r *UpResult) Failed() bool {
	for _, s := range r.Services {
		switch s.State {
		case StateRunning, StateHealthy, StateHealthChecking:
		default:
			return true
		}
	}
	return false
}
