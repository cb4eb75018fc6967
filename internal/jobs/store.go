// Package jobs owns job lifecycle: the persistent job store, the
// manager with its worker pool, and the stale-job sweeper.
//
// Only this package mutates job status. Every status change is a
// conditional write (WHERE status = expected) so a worker completing a
// job and the stale sweeper expiring it can never both win.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/types"
)

// ErrInvalidTransition is returned when a requested status change is
// not allowed from the job's current state.
var ErrInvalidTransition = errors.New("invalid job transition")

// timeFormat is how timestamps are stored: RFC3339 with fixed
// nanosecond precision, so UTC stamps compare correctly as strings.
// The stale sweep's cutoff comparison relies on that. RFC3339Nano
// would not do; it trims trailing fractional zeros, putting
// whole-second stamps after sub-second ones within the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the sqlite-backed persistence for jobs, events, watermarks,
// and conflicts. It also implements adapter.AuditSink so pipeline
// events land in the same database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the job database at path. ":memory:" gives an
// isolated in-memory store for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isMemory := path == ":memory:"
	if isMemory {
		connStr = "file:jobsdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("jobs: create db directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("jobs: open database: %w", err)
	}
	if isMemory {
		// In-memory databases are per-connection; force a single one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("jobs: enable WAL: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("jobs: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("jobs: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateJob persists a new job row.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	params, err := marshalJSON(job.Params)
	if err != nil {
		return fmt.Errorf("jobs: marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, status, created_at, params_json, error)
		VALUES (?, ?, ?, ?, ?, ?, '')`,
		job.ID, string(job.Kind), job.TenantID, string(job.Status),
		job.CreatedAt.UTC().Format(timeFormat), params)
	if err != nil {
		return fmt.Errorf("jobs: insert job: %w", err)
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, tenant_id, status, created_at, started_at, completed_at,
		       params_json, result_json, error
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, tenant_id, status, created_at, started_at, completed_at,
		       params_json, result_json, error
		FROM jobs`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Transition holds the optional field updates applied with a status
// change.
type Transition struct {
	SetStartedAt   *time.Time
	SetCompletedAt *time.Time
	Result         *types.SyncSummary
	Error          string
}

// TransitionJob performs a compare-and-set status change: the update
// applies only if the job is currently in from. Returns false when the
// job was in some other state (lost the race or invalid call).
func (s *Store) TransitionJob(ctx context.Context, id string, from, to types.JobStatus, tr Transition) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("jobs: %s -> %s: %w", from, to, ErrInvalidTransition)
	}

	set := []string{"status = ?"}
	args := []interface{}{string(to)}
	if tr.SetStartedAt != nil {
		// COALESCE keeps the first start time if RUNNING is re-entered.
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, tr.SetStartedAt.UTC().Format(timeFormat))
	}
	if tr.SetCompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, tr.SetCompletedAt.UTC().Format(timeFormat))
	}
	if tr.Result != nil {
		result, err := marshalJSON(tr.Result)
		if err != nil {
			return false, fmt.Errorf("jobs: marshal result: %w", err)
		}
		set = append(set, "result_json = ?")
		args = append(args, result)
	}
	if tr.Error != "" {
		set = append(set, "error = ?")
		args = append(args, tr.Error)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(set, ", ")+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, fmt.Errorf("jobs: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleRunning returns RUNNING jobs whose started_at is older than
// cutoff.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tenant_id, status, created_at, started_at, completed_at,
		       params_json, result_json, error
		FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(types.JobRunning), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("jobs: stale query: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Watermark returns the last successful cutoff for (tenant, entity),
// or nil when no incremental sync has completed yet.
func (s *Store) Watermark(ctx context.Context, tenant string, entity types.EntityType) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT last_cutoff_ts FROM watermarks WHERE tenant_id = ? AND entity_type = ?",
		tenant, string(entity)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: watermark: %w", err)
	}
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse watermark: %w", err)
	}
	return &t, nil
}

// AdvanceWatermark upserts the cutoff for (tenant, entity).
func (s *Store) AdvanceWatermark(ctx context.Context, tenant string, entity types.EntityType, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (tenant_id, entity_type, last_cutoff_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, entity_type) DO UPDATE SET last_cutoff_ts = excluded.last_cutoff_ts`,
		tenant, string(entity), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("jobs: advance watermark: %w", err)
	}
	return nil
}

// AuditSink implementation.

// RecordJob logs a job status snapshot as an event.
func (s *Store) RecordJob(ctx context.Context, job *types.Job) error {
	return s.RecordEvent(ctx, job.ID, "job_status", map[string]interface{}{
		"status": string(job.Status),
		"kind":   string(job.Kind),
		"error":  job.Error,
	})
}

// RecordEvent appends one job event.
func (s *Store) RecordEvent(ctx context.Context, jobID, kind string, payload map[string]interface{}) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("jobs: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, ts, kind, payload_json) VALUES (?, ?, ?, ?)",
		jobID, time.Now().UTC().Format(timeFormat), kind, data)
	if err != nil {
		return fmt.Errorf("jobs: insert event: %w", err)
	}
	return nil
}

// RecordConflict persists one resolved conflict.
func (s *Store) RecordConflict(ctx context.Context, jobID string, c *types.Conflict) error {
	sv, err := marshalJSON(c.SourceValue)
	if err != nil {
		return err
	}
	tv, err := marshalJSON(c.TargetValue)
	if err != nil {
		return err
	}
	rv, err := marshalJSON(c.ResolvedValue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (job_id, entity_type, source_id, field,
		                       source_value_json, target_value_json, strategy, resolved_value_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, string(c.EntityType), c.SourceID, c.Field, sv, tv,
		string(c.Resolution), rv, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("jobs: insert conflict: %w", err)
	}
	return nil
}

// Event is one audit row, surfaced on the status endpoint and in tests.
type Event struct {
	JobID   string                 `json:"job_id"`
	TS      time.Time              `json:"ts"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Events returns the audit events for a job, oldest first.
func (s *Store) Events(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, ts, kind, payload_json FROM job_events WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, fmt.Errorf("jobs: events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			rawTS   string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.JobID, &rawTS, &ev.Kind, &payload); err != nil {
			return nil, err
		}
		if ev.TS, err = time.Parse(timeFormat, rawTS); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ConflictCount returns how many conflicts a job persisted.
func (s *Store) ConflictCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conflicts WHERE job_id = ?", jobID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                  types.Job
		kind, status         string
		createdAt            string
		startedAt, completed sql.NullString
		params, result       sql.NullString
	)
	err := row.Scan(&job.ID, &kind, &job.TenantID, &status, &createdAt,
		&startedAt, &completed, &params, &result, &job.Error)
	if err != nil {
		return nil, err
	}
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	if job.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("jobs: parse created_at: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(timeFormat, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if completed.Valid {
		t, err := time.Parse(timeFormat, completed.String)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, fmt.Errorf("jobs: parse params: %w", err)
		}
	}
	if result.Valid && result.String != "" && result.String != "null" {
		var summary types.SyncSummary
		if err := json.Unmarshal([]byte(result.String), &summary); err != nil {
			return nil, fmt.Errorf("jobs: parse result: %w", err)
		}
		job.Result = &summary
	}
	return &job, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
