package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses recorded in the ledger.
const (
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunJobsFailed  = "jobs-failed"
	RunAborted     = "aborted"
	RunSpawnFailed = "spawn-failed"
)

// Store is a SQLite-backed run ledger.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	JobCount   int
	Command    string
	Mode       Mode
	WorkDir    string
	Status     string
}

// JobRecord is one row of the jobs table.
type JobRecord struct {
	RunID    string
	Subset   string
	ExitCode int
	Duration time.Duration
	Error    string
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// BeginRun inserts a running run and returns its new id.
func (s *Store) BeginRun(ctx context.Context, cfg *JobConfig) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, job_count, command, mode, work_dir, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UnixMilli(), cfg.JobCount, cfg.Command, string(cfg.Mode), cfg.WorkDir, RunRunning)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

func (s *Store) RecordJob(ctx context.Context, runID string, r JobResult) error {
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (run_id, subset, exit_code, duration_ms, error) VALUES (?, ?, ?, ?, ?)`,
		runID, r.Subset, r.ExitCode, r.Duration.Milliseconds(), msg)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", r.Subset, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UnixMilli(), status, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, job_count, command, mode, work_dir, status
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			started  int64
			finished sql.NullInt64
			mode     string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.JobCount, &r.Command, &mode, &r.WorkDir, &r.Status); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		r.Mode = Mode(mode)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListJobs returns a run's jobs ordered by subset.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, subset, exit_code, duration_ms, error FROM jobs WHERE run_id = ? ORDER BY subset`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		var (
			j  JobRecord
			ms int64
		)
		if err := rows.Scan(&j.RunID, &j.Subset, &j.ExitCode, &ms, &j.Error); err != nil {
			return nil, err
		}
		j.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}
