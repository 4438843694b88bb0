package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestRun(t *testing.T, store Store, id, project string) *Run {
	t.Helper()
	run := &Run{
		ID:         id,
		Project:    project,
		SpecDigest: "sha256:abc",
		Outcome:    RunOutcomeStarted,
		StartedAt:  time.Now(),
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Run Tests
// =============================================================================

func TestCreateRun(t *testing.T) {
	store := setupTestStore(t)
	run := createTestRun(t, store, "run-1", "rag")

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "rag", got.Project)
	assert.Equal(t, "sha256:abc", got.SpecDigest)
	assert.Equal(t, RunOutcomeStarted, got.Outcome)
	assert.Nil(t, got.FinishedAt)
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	createTestRun(t, store, "run-1", "rag")

	err := store.CreateRun(context.Background(), &Run{
		ID:        "run-1",
		Project:   "rag",
		Outcome:   RunOutcomeStarted,
		StartedAt: time.Now(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetRun", storeErr.Op)
}

func TestFinishRun(t *testing.T) {
	store := setupTestStore(t)
	run := createTestRun(t, store, "run-1", "rag")

	finished := time.Now()
	require.NoError(t, store.FinishRun(context.Background(), run.ID, RunOutcomeHealthy, finished))

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunOutcomeHealthy, got.Outcome)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, finished, *got.FinishedAt, 2*time.Second)
}

func TestFinishRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.FinishRun(context.Background(), "nope", RunOutcomeHealthy, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetLatestRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := &Run{ID: "run-1", Project: "rag", Outcome: RunOutcomeStarted, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateRun(ctx, first))
	second := &Run{ID: "run-2", Project: "rag", Outcome: RunOutcomeStarted, StartedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, second))
	other := &Run{ID: "run-3", Project: "blog", Outcome: RunOutcomeStarted, StartedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, other))

	got, err := store.GetLatestRun(ctx, "rag")
	require.NoError(t, err)
	assert.Equal(t, "run-2", got.ID)
}

func TestGetLatestRun_NoRuns(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetLatestRun(context.Background(), "rag")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		run := &Run{
			ID:        id,
			Project:   "rag",
			Outcome:   RunOutcomeStarted,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateRun(ctx, run))
	}

	runs, err := store.ListRuns(ctx, "rag", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Newest first.
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-1", runs[2].ID)
}

func TestListRuns_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.CreateRun(ctx, &Run{
			ID:        id,
			Project:   "rag",
			Outcome:   RunOutcomeStarted,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(ctx, "rag", ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
}

// =============================================================================
// Service State Tests
// =============================================================================

func TestUpsertServiceState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-1", "rag")

	rec := &ServiceRecord{
		RunID:       run.ID,
		Service:     "db",
		Role:        "vector-db",
		ContainerID: "ctr-1",
		State:       "running",
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, store.UpsertServiceState(ctx, rec))

	states, err := store.ListServiceStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "db", states[0].Service)
	assert.Equal(t, "vector-db", states[0].Role)
	assert.Equal(t, "running", states[0].State)
}

func TestUpsertServiceState_OverwritesExisting(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-1", "rag")

	rec := &ServiceRecord{RunID: run.ID, Service: "db", State: "starting", UpdatedAt: time.Now()}
	require.NoError(t, store.UpsertServiceState(ctx, rec))

	rec.State = "healthy"
	rec.ContainerID = "ctr-2"
	require.NoError(t, store.UpsertServiceState(ctx, rec))

	states, err := store.ListServiceStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "healthy", states[0].State)
	assert.Equal(t, "ctr-2", states[0].ContainerID)
}

func TestListServiceStates_SortedByService(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-1", "rag")

	for _, name := range []string{"web", "api", "db"} {
		require.NoError(t, store.UpsertServiceState(ctx, &ServiceRecord{
			RunID: run.ID, Service: name, State: "running", UpdatedAt: time.Now(),
		}))
	}

	states, err := store.ListServiceStates(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "api", states[0].Service)
	assert.Equal(t, "db", states[1].Service)
	assert.Equal(t, "web", states[2].Service)
}

// =============================================================================
// Transition Tests
// =============================================================================

func TestRecordTransition_AssignsOrderedIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-1", "rag")

	states := []string{"starting", "running", "health_checking", "healthy"}
	prev := "pending"
	for _, to := range states {
		tr := &Transition{RunID: run.ID, Service: "db", FromState: prev, ToState: to, CreatedAt: time.Now()}
		require.NoError(t, store.RecordTransition(ctx, tr))
		assert.Greater(t, tr.ID, int64(0))
		prev = to
	}

	transitions, err := store.ListTransitions(ctx, run.ID, "", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	assert.Equal(t, "starting", transitions[0].ToState)
	assert.Equal(t, "healthy", transitions[3].ToState)
}

func TestListTransitions_FilterByService(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-1", "rag")

	require.NoError(t, store.RecordTransition(ctx, &Transition{
		RunID: run.ID, Service: "db", FromState: "pending", ToState: "starting", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.RecordTransition(ctx, &Transition{
		RunID: run.ID, Service: "api", FromState: "pending", ToState: "starting", CreatedAt: time.Now(),
	}))

	transitions, err := store.ListTransitions(ctx, run.ID, "db", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "db", transitions[0].Service)
}

func TestTransitions_CascadeWithRun(t *testing.T) {
	s := setupTestStore(t)
	sqlite := s.(*SQLiteStore)
	ctx := context.Background()
	run := createTestRun(t, s, "run-1", "rag")

	require.NoError(t, s.RecordTransition(ctx, &Transition{
		RunID: run.ID, Service: "db", FromState: "pending", ToState: "starting", CreatedAt: time.Now(),
	}))

	_, err := sqlite.db.Exec("DELETE FROM runs WHERE id = ?", run.ID)
	require.NoError(t, err)

	transitions, err := s.ListTransitions(ctx, run.ID, "", DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRun(ctx, &Run{ID: "run-1", Project: "rag", Outcome: RunOutcomeStarted, StartedAt: time.Now()}); err != nil {
			return err
		}
		return tx.UpsertServiceState(ctx, &ServiceRecord{
			RunID: "run-1", Service: "db", State: "starting", UpdatedAt: time.Now(),
		})
	})
	require.NoError(t, err)

	_, err = store.GetRun(ctx, "run-1")
	assert.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRun(ctx, &Run{ID: "run-1", Project: "rag", Outcome: RunOutcomeStarted, StartedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRun(ctx, &Run{ID: "run-1", Project: "rag", Outcome: RunOutcomeStarted, StartedAt: time.Now()}); err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, "run-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "rag", run.Project)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// Options Tests
// =============================================================================

func TestListOptionsNormalize(t *testing.T) {
	opts := ListOptions{}.Normalize()
	assert.Equal(t, 100, opts.Limit)
	assert.Equal(t, 0, opts.Offset)

	opts = ListOptions{Limit: 5000, Offset: -3}.Normalize()
	assert.Equal(t, 1000, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}
