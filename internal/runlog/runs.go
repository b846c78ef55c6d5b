package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status of a recorded run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded job execution.
type Run struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	AssignmentID string          `json:"assignment_id"`
	JobType      string          `json:"job_type"`
	Status       Status          `json:"status"`
	FailedStage  string          `json:"failed_stage,omitempty"`
	Error        string          `json:"error,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Completion is the terminal state of a run.
type Completion struct {
	Status      Status
	FailedStage string
	Error       string
	Output      json.RawMessage
}

// Start records a running job and returns its run id.
func (s *Store) Start(ctx context.Context, jobID, assignmentID, jobType string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job id is empty")
	}
	if jobType == "" {
		return "", fmt.Errorf("job type is empty")
	}

	id := ulid.Make().String()
	now := s.now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_runs(id, job_id, assignment_id, job_type, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, jobID, assignmentID, jobType, StatusRunning, now)
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// Complete records the terminal state of runID.
func (s *Store) Complete(ctx context.Context, runID string, c Completion) error {
	if c.Status != StatusSucceeded && c.Status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", c.Status)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	var output any
	if len(c.Output) > 0 {
		output = string(c.Output)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE job_runs
SET status = ?, failed_stage = ?, last_error = ?, output = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, c.Status, nullString(c.FailedStage), nullString(c.Error), output, now, runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run completion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Get returns a single run.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, job_id, assignment_id, job_type, status, failed_stage, last_error, output, started_at, completed_at
FROM job_runs
WHERE id = ?;
`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, assignment_id, job_type, status, failed_stage, last_error, output, started_at, completed_at
FROM job_runs
ORDER BY started_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r            Run
		status       string
		failedStage  sql.NullString
		lastError    sql.NullString
		output       sql.NullString
		startedAtS   string
		completedAtS sql.NullString
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.AssignmentID, &r.JobType, &status,
		&failedStage, &lastError, &output, &startedAtS, &completedAtS); err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.FailedStage = failedStage.String
	r.Error = lastError.String
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
