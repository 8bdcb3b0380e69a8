package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime accepts any RFC 3339 fraction width, so rows read back through
// a driver that trims trailing zeros still parse.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, workspace, options, status, started_at, completed_at, error`

// CreateRun creates a new pipeline run.
func (s *SQLiteStore) CreateRun(workspace string, options string) (*core.Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	if options == "" {
		options = "{}"
	}

	run := &core.Run{
		ID:        generateID(),
		Workspace: workspace,
		Options:   options,
		Status:    core.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Debug("creating run", slog.String("id", run.ID), slog.String("workspace", workspace))

	_, err := s.db.Exec(
		`INSERT INTO runs (id, workspace, options, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Workspace, run.Options, string(run.Status), formatTime(run.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(id string) (*core.Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run as finished with the given status.
func (s *SQLiteStore) CompleteRun(id string, status core.RunStatus, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), nullString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %w: %s", ErrNotFound, id)
	}
	return nil
}

// GetLatestRun retrieves the most recent run for a workspace.
func (s *SQLiteStore) GetLatestRun(workspace string) (*core.Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run, err := scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE workspace = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		workspace,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No runs found, return nil without error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs up to the given limit.
func (s *SQLiteStore) ListRuns(limit int) ([]*core.Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*core.Run, error) {
	var (
		run                 core.Run
		status, startedAt   string
		completedAt, errCol sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Workspace, &run.Options, &status, &startedAt, &completedAt, &errCol); err != nil {
		return nil, err
	}
	run.Status = core.RunStatus(status)
	run.Error = errCol.String

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// RecordTaskRun inserts a task run. An empty ID is filled in.
func (s *SQLiteStore) RecordTaskRun(tr *core.TaskRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if tr.ID == "" {
		tr.ID = generateID()
	}
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO task_runs (id, run_id, task_key, stage, tfa, status, started_at, completed_at, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RunID, tr.TaskKey, tr.Stage, tr.TFA, string(tr.Status),
		formatTime(tr.StartedAt), formatTimePtr(tr.CompletedAt), nullString(tr.Error), tr.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record task run %s: %w", tr.TaskKey, err)
	}
	return nil
}

// UpdateTaskRun sets the final status of a task run. Terminal statuses
// also stamp completed_at.
func (s *SQLiteStore) UpdateTaskRun(id string, status core.TaskRunStatus, errMsg string, durationMS int64) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var completed sql.NullString
	if status.Done() {
		completed = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}
	res, err := s.db.Exec(
		`UPDATE task_runs SET status = ?, completed_at = ?, error = ?, duration_ms = ? WHERE id = ?`,
		string(status), completed, nullString(errMsg), durationMS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task run %w: %s", ErrNotFound, id)
	}
	return nil
}

// GetTaskRunsForRun returns the task runs of a run in the order they were
// recorded.
func (s *SQLiteStore) GetTaskRunsForRun(runID string) ([]*core.TaskRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, task_key, stage, tfa, status, started_at, completed_at, error, duration_ms
		 FROM task_runs WHERE run_id = ? ORDER BY rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get task runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.TaskRun
	for rows.Next() {
		var (
			tr                  core.TaskRun
			status, startedAt   string
			completedAt, errCol sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.TaskKey, &tr.Stage, &tr.TFA, &status,
			&startedAt, &completedAt, &errCol, &tr.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		tr.Status = core.TaskRunStatus(status)
		tr.Error = errCol.String
		if tr.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if tr.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}
