// Package store persists pulse schedules and their run history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/dork/dork/internal/db"
)

// Schedule lifecycle states.
const (
	StatusActive          = "active"
	StatusPendingApproval = "pending_approval"
	StatusDisabled        = "disabled"
)

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// restartError marks runs orphaned by a crash or restart.
const restartError = "Interrupted by server restart"

var ErrNotFound = errors.New("not found")

// Schedule is a cron job definition.
type Schedule struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	Cron           string `json:"cron"`
	Timezone       string `json:"timezone,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Enabled        bool   `json:"enabled"`
	Status         string `json:"status"`
	PermissionMode string `json:"permissionMode"`
	// MaxRuntime bounds a run in seconds; 0 defers to the configured default.
	MaxRuntime int    `json:"maxRuntime,omitempty"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// Run is one execution of a schedule.
type Run struct {
	ID            string `json:"id"`
	ScheduleID    string `json:"scheduleId"`
	Status        string `json:"status"`
	StartedAt     string `json:"startedAt"`
	FinishedAt    string `json:"finishedAt,omitempty"`
	DurationMs    int64  `json:"durationMs,omitempty"`
	OutputSummary string `json:"outputSummary,omitempty"`
	Error         string `json:"error,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Trigger       string `json:"trigger"`
	CreatedAt     string `json:"createdAt"`
}

// ScheduleInput carries the caller-supplied fields for CreateSchedule.
type ScheduleInput struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	Cron           string `json:"cron"`
	Timezone       string `json:"timezone"`
	Cwd            string `json:"cwd"`
	PermissionMode string `json:"permissionMode"`
	MaxRuntime     int    `json:"maxRuntime"`
	Status         string `json:"status"`
}

// ScheduleUpdate patches a schedule; nil fields are left unchanged.
type ScheduleUpdate struct {
	Name           *string `json:"name"`
	Prompt         *string `json:"prompt"`
	Cron           *string `json:"cron"`
	Timezone       *string `json:"timezone"`
	Cwd            *string `json:"cwd"`
	Enabled        *bool   `json:"enabled"`
	Status         *string `json:"status"`
	PermissionMode *string `json:"permissionMode"`
	MaxRuntime     *int    `json:"maxRuntime"`
}

// RunPatch patches a run; nil fields are left unchanged.
type RunPatch struct {
	Status        *string
	FinishedAt    *string
	DurationMs    *int64
	OutputSummary *string
	Error         *string
	SessionID     *string
}

// ListRunsOptions filter and page ListRuns.
type ListRunsOptions struct {
	ScheduleID string
	Status     string
	Limit      int
	Offset     int
}

// Store wraps the pulse tables on the shared database.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates the store and its schema.
func NewStore(database *db.Database) (*Store, error) {
	s := &Store{db: database.Writer, ro: database.Reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pulse schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pulse_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		cron TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		permission_mode TEXT NOT NULL DEFAULT 'default',
		max_runtime INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pulse_runs (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		output_summary TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		run_trigger TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pulse_runs_schedule ON pulse_runs(schedule_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_pulse_runs_status ON pulse_runs(status);
	`)
	return err
}

// CreateSchedule inserts a new schedule. Status defaults to active and
// enabled to true unless the input says otherwise.
func (s *Store) CreateSchedule(ctx context.Context, input ScheduleInput) (*Schedule, error) {
	now := NowISO()
	sched := Schedule{
		ID:             ulid.Make().String(),
		Name:           input.Name,
		Prompt:         input.Prompt,
		Cron:           input.Cron,
		Timezone:       input.Timezone,
		Cwd:            input.Cwd,
		Enabled:        true,
		Status:         input.Status,
		PermissionMode: input.PermissionMode,
		MaxRuntime:     input.MaxRuntime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sched.Status == "" {
		sched.Status = StatusActive
	}
	if sched.PermissionMode == "" {
		sched.PermissionMode = "default"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_schedules (id, name, prompt, cron, timezone, cwd, enabled, status, permission_mode, max_runtime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Prompt, sched.Cron, sched.Timezone, sched.Cwd,
		boolToInt(sched.Enabled), sched.Status, sched.PermissionMode, sched.MaxRuntime,
		sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return &sched, nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT id, name, prompt, cron, timezone, cwd, enabled, status, permission_mode, max_runtime, created_at, updated_at
		FROM pulse_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return sched, err
}

// ListSchedules returns every schedule ordered by creation.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, prompt, cron, timezone, cwd, enabled, status, permission_mode, max_runtime, created_at, updated_at
		FROM pulse_schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}

// UpdateSchedule applies a partial update and returns the new row.
func (s *Store) UpdateSchedule(ctx context.Context, id string, upd ScheduleUpdate) (*Schedule, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{NowISO()}

	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *upd.Prompt)
	}
	if upd.Cron != nil {
		sets = append(sets, "cron = ?")
		args = append(args, *upd.Cron)
	}
	if upd.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *upd.Timezone)
	}
	if upd.Cwd != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, *upd.Cwd)
	}
	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*upd.Enabled))
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.PermissionMode != nil {
		sets = append(sets, "permission_mode = ?")
		args = append(args, *upd.PermissionMode)
	}
	if upd.MaxRuntime != nil {
		sets = append(sets, "max_runtime = ?")
		args = append(args, *upd.MaxRuntime)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE pulse_schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return s.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule and its run history.
func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pulse_schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pulse_runs WHERE schedule_id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to delete schedule runs: %w", err)
	}
	return true, tx.Commit()
}

// CreateRun inserts a running run for the schedule, stamped now.
func (s *Store) CreateRun(ctx context.Context, scheduleID, trigger string) (*Run, error) {
	now := NowISO()
	run := Run{
		ID:         ulid.Make().String(),
		ScheduleID: scheduleID,
		Status:     RunRunning,
		StartedAt:  now,
		Trigger:    trigger,
		CreatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_runs (id, schedule_id, status, started_at, run_trigger, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.Status, run.StartedAt, run.Trigger, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &run, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT id, schedule_id, status, started_at, finished_at, duration_ms, output_summary, error, session_id, run_trigger, created_at
		FROM pulse_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

// UpdateRun applies a partial update and returns the new row.
func (s *Store) UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error) {
	sets := []string{}
	args := []interface{}{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *patch.FinishedAt)
	}
	if patch.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *patch.DurationMs)
	}
	if patch.OutputSummary != nil {
		sets = append(sets, "output_summary = ?")
		args = append(args, *patch.OutputSummary)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	if len(sets) == 0 {
		return s.GetRun(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE pulse_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return s.GetRun(ctx, id)
}

// ListRuns returns runs newest first, optionally filtered by schedule
// and status.
func (s *Store) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := `
		SELECT id, schedule_id, status, started_at, finished_at, duration_ms, output_summary, error, session_id, run_trigger, created_at
		FROM pulse_runs`
	var conds []string
	var args []interface{}

	if opts.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, opts.ScheduleID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// PruneRuns deletes the schedule's oldest runs beyond the most recent
// keep, returning the deleted count.
func (s *Store) PruneRuns(ctx context.Context, scheduleID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_runs WHERE schedule_id = ? AND id NOT IN (
			SELECT id FROM pulse_runs WHERE schedule_id = ?
			ORDER BY started_at DESC, id DESC LIMIT ?
		)`, scheduleID, scheduleID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// MarkRunningAsFailed fails every run still marked running. Called once
// at startup: such runs were orphaned by a previous crash.
func (s *Store) MarkRunningAsFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?`,
		RunFailed, restartError, NowISO(), RunRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark running runs as failed: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var enabled int
	err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.Cron, &sched.Timezone,
		&sched.Cwd, &enabled, &sched.Status, &sched.PermissionMode, &sched.MaxRuntime,
		&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	return &sched, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.ScheduleID, &run.Status, &run.StartedAt, &run.FinishedAt,
		&run.DurationMs, &run.OutputSummary, &run.Error, &run.SessionID, &run.Trigger,
		&run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NowISO is the timestamp format stored in the pulse tables.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
