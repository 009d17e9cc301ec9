package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dagrun/dagrun/internal/jobs"
)

// SQLite is the durable Store implementation.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.recoverStuckJobs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 5,
		dependencies TEXT NOT NULL DEFAULT '[]',
		parent_job_id TEXT NOT NULL DEFAULT '',
		execution_mode TEXT NOT NULL DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		timeout_ns INTEGER NOT NULL DEFAULT 0,
		scheduled_for TIMESTAMP,
		scheduled_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_priority_created
		ON jobs(status, priority ASC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_job_id);

	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT PRIMARY KEY,
		success INTEGER NOT NULL,
		output BLOB,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		template BLOB,
		steps BLOB,
		mode TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 5,
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run_at TIMESTAMP,
		last_run_at TIMESTAMP,
		run_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		max_consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// recoverStuckJobs resets jobs left queued or running by a crash so a
// restarted dispatcher picks them up again.
func (s *SQLite) recoverStuckJobs() error {
	query := `UPDATE jobs SET status = 'pending', updated_at = ? WHERE status IN ('queued', 'running')`
	_, err := s.db.Exec(query, time.Now().UTC())
	return err
}

const jobColumns = `id, name, type, payload, priority, dependencies, parent_job_id, execution_mode,
	max_retries, retry_count, timeout_ns, scheduled_for, scheduled_by, status, last_error,
	created_at, updated_at, started_at, finished_at`

func (s *SQLite) CreateJob(ctx context.Context, job *jobs.Job) error {
	return s.insertJob(ctx, s.db, job)
}

func (s *SQLite) CreateJobs(ctx context.Context, batch []*jobs.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, job := range batch {
		if err := s.insertJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) insertJob(ctx context.Context, db execer, job *jobs.Job) error {
	deps, err := json.Marshal(job.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Type,
		[]byte(job.Payload),
		job.Priority,
		string(deps),
		job.ParentJobID,
		job.ExecutionMode,
		job.MaxRetries,
		job.RetryCount,
		int64(job.Timeout),
		nullTime(job.ScheduledFor),
		job.ScheduledBy,
		job.Status,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	return err
}

func (s *SQLite) GetJob(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func (s *SQLite) ListByStatus(ctx context.Context, status jobs.JobStatus) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY priority ASC, created_at ASC, rowid ASC`
	return s.queryJobs(ctx, query, status)
}

func (s *SQLite) ListActive(ctx context.Context) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'queued', 'running')
		ORDER BY priority ASC, created_at ASC, rowid ASC`
	return s.queryJobs(ctx, query)
}

func (s *SQLite) DuePending(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'queued')
		AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY priority ASC, created_at ASC, rowid ASC`
	return s.queryJobs(ctx, query, now.UTC())
}

func (s *SQLite) Children(ctx context.Context, parent jobs.JobID) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE parent_job_id = ? ORDER BY created_at ASC, rowid ASC`
	return s.queryJobs(ctx, query, parent)
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) Transition(ctx context.Context, id jobs.JobID, from, to jobs.JobStatus, errMsg string) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch {
	case to == jobs.StatusRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = '', updated_at = ?, started_at = ? WHERE id = ? AND status = ?`,
			to, now, now, id, from)
	case to.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, finished_at = ? WHERE id = ? AND status = ?`,
			to, errMsg, now, now, id, from)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, errMsg, now, id, from)
	}
	if err != nil {
		return err
	}

	return s.checkClaim(ctx, res, id)
}

func (s *SQLite) ScheduleRetry(ctx context.Context, id jobs.JobID, retryCount int, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = ?, scheduled_for = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		retryCount, runAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	return s.checkClaim(ctx, res, id)
}

// checkClaim distinguishes a lost conditional update from a missing row.
func (s *SQLite) checkClaim(ctx context.Context, res sql.Result, id jobs.JobID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", id, ErrConflict)
}

func (s *SQLite) SaveResult(ctx context.Context, result *jobs.JobResult) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results (job_id, success, output, error, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		result.JobID, result.Success, []byte(result.Output), result.Error, result.CreatedAt)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", result.JobID, ErrDuplicateResult)
	}
	return nil
}

func (s *SQLite) GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error) {
	var result jobs.JobResult
	var output []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, success, output, error, created_at FROM job_results WHERE job_id = ?`, id).
		Scan(&result.JobID, &result.Success, &output, &result.Error, &result.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	result.Output = json.RawMessage(output)
	return &result, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[jobs.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[jobs.JobStatus]int)
	for rows.Next() {
		var status jobs.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const scheduleColumns = `id, name, cron_expr, template, steps, mode, priority, enabled,
	next_run_at, last_run_at, run_count, consecutive_failures, max_consecutive_failures,
	last_error, created_at, updated_at`

func (s *SQLite) CreateSchedule(ctx context.Context, sched *jobs.Schedule) error {
	template, steps, err := encodeTemplates(sched)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sched.ID,
		sched.Name,
		sched.CronExpr,
		template,
		steps,
		sched.Mode,
		sched.Priority,
		sched.Enabled,
		nullTime(sched.NextRunAt),
		nullTime(sched.LastRunAt),
		sched.RunCount,
		sched.ConsecutiveFailures,
		sched.MaxConsecutiveFailures,
		sched.LastError,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	return err
}

func (s *SQLite) GetSchedule(ctx context.Context, id jobs.ScheduleID) (*jobs.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sched, err
}

func (s *SQLite) ListSchedules(ctx context.Context) ([]*jobs.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
}

func (s *SQLite) DueSchedules(ctx context.Context, now time.Time) ([]*jobs.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`
	return s.querySchedules(ctx, query, now.UTC())
}

func (s *SQLite) querySchedules(ctx context.Context, query string, args ...any) ([]*jobs.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateSchedule(ctx context.Context, sched *jobs.Schedule) error {
	template, steps, err := encodeTemplates(sched)
	if err != nil {
		return err
	}

	query := `
		UPDATE schedules SET name = ?, cron_expr = ?, template = ?, steps = ?, mode = ?,
			priority = ?, enabled = ?, next_run_at = ?, consecutive_failures = ?,
			max_consecutive_failures = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		sched.Name,
		sched.CronExpr,
		template,
		steps,
		sched.Mode,
		sched.Priority,
		sched.Enabled,
		nullTime(sched.NextRunAt),
		sched.ConsecutiveFailures,
		sched.MaxConsecutiveFailures,
		sched.LastError,
		time.Now().UTC(),
		sched.ID,
	)
	if err != nil {
		return err
	}
	return s.checkScheduleFound(res, sched.ID)
}

func (s *SQLite) DeleteSchedule(ctx context.Context, id jobs.ScheduleID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return s.checkScheduleFound(res, id)
}

func (s *SQLite) SetNextRun(ctx context.Context, id jobs.ScheduleID, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.checkScheduleFound(res, id)
}

func (s *SQLite) MarkTriggered(ctx context.Context, id jobs.ScheduleID, ranAt, next time.Time) error {
	query := `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1,
			consecutive_failures = 0, last_error = '', updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, ranAt.UTC(), next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.checkScheduleFound(res, id)
}

func (s *SQLite) MarkTriggerFailed(ctx context.Context, id jobs.ScheduleID, errMsg string) error {
	// Disabling clears next_run_at: a disabled schedule is inert until it
	// is re-enabled and its next run recomputed.
	query := `
		UPDATE schedules SET
			consecutive_failures = consecutive_failures + 1,
			last_error = ?,
			updated_at = ?,
			enabled = CASE
				WHEN max_consecutive_failures > 0 AND consecutive_failures + 1 >= max_consecutive_failures THEN 0
				ELSE enabled
			END,
			next_run_at = CASE
				WHEN max_consecutive_failures > 0 AND consecutive_failures + 1 >= max_consecutive_failures THEN NULL
				ELSE next_run_at
			END
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.checkScheduleFound(res, id)
}

func (s *SQLite) checkScheduleFound(res sql.Result, id jobs.ScheduleID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*jobs.Job, error) {
	var job jobs.Job
	var payload, deps []byte
	var scheduledFor, startedAt, finishedAt sql.NullTime
	var timeoutNs int64

	err := sc.Scan(
		&job.ID,
		&job.Name,
		&job.Type,
		&payload,
		&job.Priority,
		&deps,
		&job.ParentJobID,
		&job.ExecutionMode,
		&job.MaxRetries,
		&job.RetryCount,
		&timeoutNs,
		&scheduledFor,
		&job.ScheduledBy,
		&job.Status,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Timeout = time.Duration(timeoutNs)
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &job.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for job %s: %w", job.ID, err)
		}
	}
	job.ScheduledFor = timePtr(scheduledFor)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

func scanSchedule(sc scanner) (*jobs.Schedule, error) {
	var sched jobs.Schedule
	var template, steps []byte
	var nextRun, lastRun sql.NullTime

	err := sc.Scan(
		&sched.ID,
		&sched.Name,
		&sched.CronExpr,
		&template,
		&steps,
		&sched.Mode,
		&sched.Priority,
		&sched.Enabled,
		&nextRun,
		&lastRun,
		&sched.RunCount,
		&sched.ConsecutiveFailures,
		&sched.MaxConsecutiveFailures,
		&sched.LastError,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(template) > 0 {
		sched.Template = &jobs.TaskTemplate{}
		if err := json.Unmarshal(template, sched.Template); err != nil {
			return nil, fmt.Errorf("failed to decode template for schedule %s: %w", sched.ID, err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &sched.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps for schedule %s: %w", sched.ID, err)
		}
	}
	sched.NextRunAt = timePtr(nextRun)
	sched.LastRunAt = timePtr(lastRun)
	return &sched, nil
}

func encodeTemplates(sched *jobs.Schedule) ([]byte, []byte, error) {
	var template, steps []byte
	var err error
	if sched.Template != nil {
		template, err = json.Marshal(sched.Template)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode template: %w", err)
		}
	}
	if len(sched.Steps) > 0 {
		steps, err = json.Marshal(sched.Steps)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode steps: %w", err)
		}
	}
	return template, steps, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
