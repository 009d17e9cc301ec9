package store

import (
	"context"
	"errors"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict means a conditional status update matched zero rows:
	// another dispatch cycle got there first. Callers treat it as a lost
	// race, never as a failure.
	ErrConflict = errors.New("status conflict")

	ErrDuplicateResult = errors.New("result already recorded")
)

// Store is the single source of truth for jobs, results and schedules.
// Every status-changing write is conditioned on the previously observed
// status so concurrent dispatch cycles cannot double-claim a job.
type Store interface {
	JobStore
	ScheduleStore
	Close() error
}

type JobStore interface {
	CreateJob(ctx context.Context, job *jobs.Job) error
	// CreateJobs persists a batch atomically; used for workflows so a
	// partially written step set never becomes visible.
	CreateJobs(ctx context.Context, batch []*jobs.Job) error
	GetJob(ctx context.Context, id jobs.JobID) (*jobs.Job, error)
	ListByStatus(ctx context.Context, status jobs.JobStatus) ([]*jobs.Job, error)
	// ListActive returns pending, queued and running jobs.
	ListActive(ctx context.Context) ([]*jobs.Job, error)
	// DuePending returns pending and queued jobs whose scheduled_for has
	// passed (or is unset), ordered by priority ascending then created_at.
	DuePending(ctx context.Context, now time.Time) ([]*jobs.Job, error)
	Children(ctx context.Context, parent jobs.JobID) ([]*jobs.Job, error)

	// Transition moves a job from an expected status to a new one,
	// returning ErrConflict when the job is no longer in the expected
	// status. errMsg is recorded on the job for failure transitions.
	Transition(ctx context.Context, id jobs.JobID, from, to jobs.JobStatus, errMsg string) error
	// ScheduleRetry moves a running job back to pending with an updated
	// retry count and an earliest-run time for backoff.
	ScheduleRetry(ctx context.Context, id jobs.JobID, retryCount int, runAt time.Time) error

	SaveResult(ctx context.Context, result *jobs.JobResult) error
	GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error)

	CountByStatus(ctx context.Context) (map[jobs.JobStatus]int, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *jobs.Schedule) error
	GetSchedule(ctx context.Context, id jobs.ScheduleID) (*jobs.Schedule, error)
	ListSchedules(ctx context.Context) ([]*jobs.Schedule, error)
	// DueSchedules returns enabled schedules with next_run_at <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*jobs.Schedule, error)
	UpdateSchedule(ctx context.Context, sched *jobs.Schedule) error
	DeleteSchedule(ctx context.Context, id jobs.ScheduleID) error

	// SetNextRun initializes or recomputes a schedule's next trigger.
	SetNextRun(ctx context.Context, id jobs.ScheduleID, next time.Time) error
	// MarkTriggered records a successful materialization: bumps the run
	// count, resets consecutive failures and advances next_run_at.
	MarkTriggered(ctx context.Context, id jobs.ScheduleID, ranAt, next time.Time) error
	// MarkTriggerFailed records a failed materialization and disables the
	// schedule once consecutive failures reach the configured maximum. A
	// disabled schedule keeps no next_run_at.
	MarkTriggerFailed(ctx context.Context, id jobs.ScheduleID, errMsg string) error
}
