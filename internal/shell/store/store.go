package store

import (
	"context"
	"time"
)

// =============================================================================
// Records
// =============================================================================

// Run outcomes.
const (
	RunOutcomeStarted  = "started"
	RunOutcomeHealthy  = "healthy"
	RunOutcomeDegraded = "degraded"
	RunOutcomeFailed   = "failed"
	RunOutcomeStopped  = "stopped"
)

// Run records one invocation of bringing a stack up.
type Run struct {
	ID         string
	Project    string
	SpecDigest string // sha256 of the declaration file, for drift detection
	Outcome    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ServiceRecord is the last observed state of one service within a run.
type ServiceRecord struct {
	RunID       string
	Service     string
	Role        string
	ContainerID string
	State       string
	Detail      string // probe output or failure reason, when relevant
	UpdatedAt   time.Time
}

// Transition records one state change of a service, in order of occurrence.
type Transition struct {
	ID        int64
	RunID     string
	Service   string
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id, outcome string, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetLatestRun(ctx context.Context, project string) (*Run, error)
	ListRuns(ctx context.Context, project string, opts ListOptions) ([]Run, error)

	// Service state operations
	UpsertServiceState(ctx context.Context, rec *ServiceRecord) error
	ListServiceStates(ctx context.Context, runID string) ([]ServiceRecord, error)

	// Transition log
	RecordTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, runID, service string, opts ListOptions) ([]Transition, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
