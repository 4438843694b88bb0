package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/convoy/internal/shell/store"
)

// =============================================================================
// Run Recorder
// =============================================================================

// Recorder writes run history to the store. It is purely observational:
// recording failures are logged and swallowed, never surfaced to the
// orchestration path. A nil Recorder is a no-op.
type Recorder struct {
	store   store.Store
	project string
	runID   string
	logger  *slog.Logger
}

// NewRecorder starts a run record and returns a recorder bound to it.
func NewRecorder(ctx context.Context, s store.Store, project, specDigest string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   s,
		project: project,
		runID:   uuid.NewString(),
		logger:  logger.With("component", "recorder"),
	}
	run := &store.Run{
		ID:         r.runID,
		Project:    project,
		SpecDigest: specDigest,
		Outcome:    store.RunOutcomeStarted,
		StartedAt:  time.Now(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		r.logger.Warn("failed to record run", "error", err)
	}
	return r
}

// RunID returns the run's unique ID.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Transition records one service state change and refreshes the service's
// last observed state. Both rows land in one transaction so the transition
// log and the state snapshot never disagree.
func (r *Recorder) Transition(ctx context.Context, svc ServiceStatus, from, to RuntimeState, detail string) {
	if r == nil {
		return
	}
	now := time.Now()
	err := r.store.WithTx(ctx, func(s store.Store) error {
		if err := s.RecordTransition(ctx, &store.Transition{
			RunID:     r.runID,
			Service:   svc.Service,
			FromState: string(from),
			ToState:   string(to),
			Detail:    detail,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return s.UpsertServiceState(ctx, &store.ServiceRecord{
			RunID:       r.runID,
			Service:     svc.Service,
			Role:        string(svc.Role),
			ContainerID: svc.ContainerID,
			State:       string(to),
			Detail:      detail,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		r.logger.Warn("failed to record transition", "service", svc.Service, "error", err)
	}
}

// Finish closes the run record with an outcome.
func (r *Recorder) Finish(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	if err := r.store.FinishRun(ctx, r.runID, outcome, time.Now()); err != nil {
		r.logger.Warn("failed to finish run", "error", err)
	}
}
