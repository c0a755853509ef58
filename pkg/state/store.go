// Package state persists provisioning progress in a SQLite database on the
// controller: which steps have been applied to the host and the history of
// runs. Applied-step rows let a re-run distinguish "already converged" from
// "never attempted" even when a host-level probe is ambiguous.
package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one row of the run history.
type Run struct {
	ID          string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Summary     engine.RunSummary
	Error       string
}

// AppliedStep is one row of the applied-steps ledger.
type AppliedStep struct {
	StepID    engine.StepID
	AppliedAt time.Time
}

// Store is the SQLite-backed state store. It implements engine.Recorder.
type Store struct {
	db   *sql.DB
	path string

	// legacySentinel, when set, is a marker file earlier provisioner
	// generations dropped after their bootstrap phase. A present sentinel
	// counts as the bootstrap step being applied.
	legacySentinel string
}

// Open opens (creating if needed) the state database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, engine.NewInvalidArgument("state database path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// Provisioning is single-flight; one connection avoids SQLite write
	// contention entirely.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HonorLegacySentinel treats the marker file at path as evidence that the
// bootstrap step was applied by an earlier provisioner generation.
func (s *Store) HonorLegacySentinel(path string) {
	s.legacySentinel = path
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MarkApplied records the step as applied. Re-marking an applied step is a
// no-op.
func (s *Store) MarkApplied(ctx context.Context, id engine.StepID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_steps (step_id, applied_at) VALUES (?, ?)
		 ON CONFLICT (step_id) DO NOTHING`,
		string(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark step %s applied: %w", id, err)
	}
	return nil
}

// IsApplied reports whether the step is recorded as applied. For the
// bootstrap step a legacy sentinel file also counts.
func (s *Store) IsApplied(ctx context.Context, id engine.StepID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM applied_steps WHERE step_id = ?`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query applied step %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	if id == engine.StepOSBootstrap && s.legacySentinel != "" {
		if _, err := os.Stat(s.legacySentinel); err == nil {
			log.Debug().Str("sentinel", s.legacySentinel).Msg("honoring legacy bootstrap sentinel")
			return true, nil
		}
	}
	return false, nil
}

// ListApplied returns the applied-steps ledger in application order.
func (s *Store) ListApplied(ctx context.Context) ([]AppliedStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, applied_at FROM applied_steps ORDER BY applied_at, step_id`)
	if err != nil {
		return nil, fmt.Errorf("list applied steps: %w", err)
	}
	defer rows.Close()

	var applied []AppliedStep
	for rows.Next() {
		var a AppliedStep
		var id string
		if err := rows.Scan(&id, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied step: %w", err)
		}
		a.StepID = engine.StepID(id)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// RunStarted opens a run-history row.
func (s *Store) RunStarted(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		runID, RunStatusRunning, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// StepRecorded appends a step record to the run's history.
func (s *Store) StepRecorded(ctx context.Context, runID string, rec engine.Record) error {
	var errMsg *string
	if rec.Err != nil {
		msg := rec.Err.Error()
		errMsg = &msg
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, step_id, outcome, recorded_at, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(rec.StepID), string(rec.Outcome), rec.Timestamp.UTC(),
		rec.Duration.Milliseconds(), errMsg)
	if err != nil {
		return fmt.Errorf("record step %s: %w", rec.StepID, err)
	}
	return nil
}

// RunCompleted closes the run-history row with its summary.
func (s *Store) RunCompleted(ctx context.Context, runID string, summary engine.RunSummary, runErr error) error {
	status := RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, completed_at = ?, total = ?, succeeded = ?, skipped = ?, failed = ?, error = ?
		 WHERE id = ?`,
		status, time.Now().UTC(), summary.Total, summary.Succeeded, summary.Skipped,
		summary.Failed, errMsg, runID)
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, completed_at, total, succeeded, skipped, failed, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &status, &r.StartedAt, &r.CompletedAt,
			&r.Summary.Total, &r.Summary.Succeeded, &r.Summary.Skipped,
			&r.Summary.Failed, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

var _ engine.Recorder = (*Store)(nil)
