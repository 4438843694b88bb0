package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

type runRow struct {
	ID         string  `db:"id"`
	Project    string  `db:"project"`
	SpecDigest string  `db:"spec_digest"`
	Outcome    string  `db:"outcome"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

type serviceStateRow struct {
	RunID       string `db:"run_id"`
	Service     string `db:"service"`
	Role        string `db:"role"`
	ContainerID string `db:"container_id"`
	State       string `db:"state"`
	Detail      string `db:"detail"`
	UpdatedAt   string `db:"updated_at"`
}

type transitionRow struct {
	ID        int64  `db:"id"`
	RunID     string `db:"run_id"`
	Service   string `db:"service"`
	FromState string `db:"from_state"`
	ToState   string `db:"to_state"`
	Detail    string `db:"detail"`
	CreatedAt string `db:"created_at"`
}

// =============================================================================
// Run Operations
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id, outcome string, finishedAt time.Time) error {
	return finishRun(ctx, s.db, id, outcome, finishedAt)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) GetLatestRun(ctx context.Context, project string) (*Run, error) {
	return getLatestRun(ctx, s.db, project)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, project string, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, project, opts)
}

func (s *SQLiteStore) UpsertServiceState(ctx context.Context, rec *ServiceRecord) error {
	return upsertServiceState(ctx, s.db, rec)
}

func (s *SQLiteStore) ListServiceStates(ctx context.Context, runID string) ([]ServiceRecord, error) {
	return listServiceStates(ctx, s.db, runID)
}

func (s *SQLiteStore) RecordTransition(ctx context.Context, t *Transition) error {
	return recordTransition(ctx, s.db, t)
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, runID, service string, opts ListOptions) ([]Transition, error) {
	return listTransitions(ctx, s.db, runID, service, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// txSQLiteStore runs store operations inside an open transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, id, outcome string, finishedAt time.Time) error {
	return finishRun(ctx, s.tx, id, outcome, finishedAt)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetLatestRun(ctx context.Context, project string) (*Run, error) {
	return getLatestRun(ctx, s.tx, project)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, project string, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.tx, project, opts)
}

func (s *txSQLiteStore) UpsertServiceState(ctx context.Context, rec *ServiceRecord) error {
	return upsertServiceState(ctx, s.tx, rec)
}

func (s *txSQLiteStore) ListServiceStates(ctx context.Context, runID string) ([]ServiceRecord, error) {
	return listServiceStates(ctx, s.tx, runID)
}

func (s *txSQLiteStore) RecordTransition(ctx context.Context, t *Transition) error {
	return recordTransition(ctx, s.tx, t)
}

func (s *txSQLiteStore) ListTransitions(ctx context.Context, runID, service string, opts ListOptions) ([]Transition, error) {
	return listTransitions(ctx, s.tx, runID, service, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createRun(ctx context.Context, exec executor, run *Run) error {
	query := `
		INSERT INTO runs (id, project, spec_digest, outcome, started_at, finished_at)
		VALUES (:id, :project, :spec_digest, :outcome, :started_at, :finished_at)`

	row := map[string]any{
		"id":          run.ID,
		"project":     run.Project,
		"spec_digest": run.SpecDigest,
		"outcome":     run.Outcome,
		"started_at":  run.StartedAt.UTC().Format(time.RFC3339),
		"finished_at": formatTimePtr(run.FinishedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}

	return nil
}

func finishRun(ctx context.Context, exec executor, id, outcome string, finishedAt time.Time) error {
	query := `UPDATE runs SET outcome = ?, finished_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, outcome, finishedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return NewStoreError("FinishRun", "run", id, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("FinishRun", "run", id, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("FinishRun", "run", id, "run not found", ErrNotFound)
	}

	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	return rowToRun(&row)
}

func getLatestRun(ctx context.Context, exec executor, project string) (*Run, error) {
	query := `SELECT * FROM runs WHERE project = ? ORDER BY started_at DESC, id DESC LIMIT 1`

	var row runRow
	err := exec.GetContext(ctx, &row, query, project)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetLatestRun", "run", project, "no runs recorded for project", ErrNotFound)
		}
		return nil, NewStoreError("GetLatestRun", "run", project, err.Error(), err)
	}

	return rowToRun(&row)
}

func listRuns(ctx context.Context, exec executor, project string, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs WHERE project = ? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query, project, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", project, err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func upsertServiceState(ctx context.Context, exec executor, rec *ServiceRecord) error {
	query := `
		INSERT INTO service_states (run_id, service, role, container_id, state, detail, updated_at)
		VALUES (:run_id, :service, :role, :container_id, :state, :detail, :updated_at)
		ON CONFLICT(run_id, service) DO UPDATE SET
			role = excluded.role,
			container_id = excluded.container_id,
			state = excluded.state,
			detail = excluded.detail,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"run_id":       rec.RunID,
		"service":      rec.Service,
		"role":         rec.Role,
		"container_id": rec.ContainerID,
		"state":        rec.State,
		"detail":       rec.Detail,
		"updated_at":   rec.UpdatedAt.UTC().Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpsertServiceState", "service_state", rec.Service, err.Error(), err)
	}

	return nil
}

func listServiceStates(ctx context.Context, exec executor, runID string) ([]ServiceRecord, error) {
	query := `SELECT * FROM service_states WHERE run_id = ? ORDER BY service`

	var rows []serviceStateRow
	err := exec.SelectContext(ctx, &rows, query, runID)
	if err != nil {
		return nil, NewStoreError("ListServiceStates", "service_state", runID, err.Error(), err)
	}

	records := make([]ServiceRecord, 0, len(rows))
	for i := range rows {
		rec, err := rowToServiceRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func recordTransition(ctx context.Context, exec executor, t *Transition) error {
	query := `
		INSERT INTO transitions (run_id, service, from_state, to_state, detail, created_at)
		VALUES (:run_id, :service, :from_state, :to_state, :detail, :created_at)`

	row := map[string]any{
		"run_id":     t.RunID,
		"service":    t.Service,
		"from_state": t.FromState,
		"to_state":   t.ToState,
		"detail":     t.Detail,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("RecordTransition", "transition", t.Service, err.Error(), err)
	}
	if id, err := result.LastInsertId(); err == nil {
		t.ID = id
	}

	return nil
}

func listTransitions(ctx context.Context, exec executor, runID, service string, opts ListOptions) ([]Transition, error) {
	opts = opts.Normalize()

	var rows []transitionRow
	var err error
	if service != "" {
		query := `SELECT * FROM transitions WHERE run_id = ? AND service = ? ORDER BY id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, runID, service, opts.Limit, opts.Offset)
	} else {
		query := `SELECT * FROM transitions WHERE run_id = ? ORDER BY id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, runID, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListTransitions", "transition", runID, err.Error(), err)
	}

	transitions := make([]Transition, 0, len(rows))
	for i := range rows {
		t, err := rowToTransition(&rows[i])
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, *t)
	}
	return transitions, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row *runRow) (*Run, error) {
	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "invalid started_at", err)
	}
	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "invalid finished_at", err)
		}
		finishedAt = &t
	}

	return &Run{
		ID:         row.ID,
		Project:    row.Project,
		SpecDigest: row.SpecDigest,
		Outcome:    row.Outcome,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

func rowToServiceRecord(row *serviceStateRow) (*ServiceRecord, error) {
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToServiceRecord", "service_state", row.Service, "invalid updated_at", err)
	}

	return &ServiceRecord{
		RunID:       row.RunID,
		Service:     row.Service,
		Role:        row.Role,
		ContainerID: row.ContainerID,
		State:       row.State,
		Detail:      row.Detail,
		UpdatedAt:   updatedAt,
	}, nil
}

func rowToTransition(row *transitionRow) (*Transition, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToTransition", "transition", row.Service, "invalid created_at", err)
	}

	return &Transition{
		ID:        row.ID,
		RunID:     row.RunID,
		Service:   row.Service,
		FromState: row.FromState,
		ToState:   row.ToState,
		Detail:    row.Detail,
		CreatedAt: createdAt,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
