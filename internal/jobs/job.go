package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobID string

type ScheduleID string

type WorkerID string

// JobType identifies how a job's payload is interpreted by an executor.
type JobType string

const (
	TypePrompt    JobType = "prompt"
	TypeTool      JobType = "tool"
	TypeComposite JobType = "composite"
	TypeWorkflow  JobType = "workflow"
)

func (t JobType) Valid() bool {
	switch t {
	case TypePrompt, TypeTool, TypeComposite, TypeWorkflow:
		return true
	}
	return false
}

// Container reports whether jobs of this type have children instead of a
// directly executable payload.
func (t JobType) Container() bool {
	return t == TypeComposite || t == TypeWorkflow
}

// ExecutionMode controls how workflow steps are released.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeBatch      ExecutionMode = "batch"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeBatch:
		return true
	}
	return false
}

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active is the complement of Terminal over valid statuses. Active jobs
// participate in dependency resolution and cycle detection.
func (s JobStatus) Active() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request may claim the job. Running
// jobs are cancelled optimistically by the dispatcher, not through this path.
func (s JobStatus) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

// Priority 0 is the highest, 10 the lowest. Ready jobs are offered to
// workers in ascending priority order, FIFO within a priority.
const (
	PriorityHighest = 0
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Job is a single schedulable unit of work.
type Job struct {
	ID            JobID           `json:"id"`
	Name          string          `json:"name"`
	Type          JobType         `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Dependencies  []JobID         `json:"dependencies,omitempty"`
	ParentJobID   JobID           `json:"parent_job_id,omitempty"`
	ExecutionMode ExecutionMode   `json:"execution_mode,omitempty"`
	MaxRetries    int             `json:"max_retries"`
	RetryCount    int             `json:"retry_count"`
	Timeout       time.Duration   `json:"timeout"`
	ScheduledFor  *time.Time      `json:"scheduled_for,omitempty"`
	ScheduledBy   ScheduleID      `json:"scheduled_by,omitempty"`
	Status        JobStatus       `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

func (j *Job) DependsOn(id JobID) bool {
	for _, dep := range j.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Due reports whether the job's earliest run time has passed.
func (j *Job) Due(now time.Time) bool {
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// JobSpec is the submission input for a single job.
type JobSpec struct {
	Name         string
	Type         JobType
	Payload      json.RawMessage
	Priority     int
	Dependencies []JobID
	ParentJobID  JobID
	MaxRetries   int
	Timeout      time.Duration
	ScheduledFor *time.Time
	ScheduledBy  ScheduleID
}

func (s JobSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidSpec, s.Type)
	}
	if s.Priority < PriorityHighest || s.Priority > PriorityLowest {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidSpec, s.Priority, PriorityHighest, PriorityLowest)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max retries", ErrInvalidSpec)
	}
	seen := make(map[JobID]struct{}, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if dep == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalidSpec)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: duplicate dependency %s", ErrInvalidSpec, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// New materializes a pending Job from a spec. The spec must already be
// validated.
func New(spec JobSpec) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           JobID(uuid.NewString()),
		Name:         spec.Name,
		Type:         spec.Type,
		Payload:      spec.Payload,
		Priority:     spec.Priority,
		Dependencies: spec.Dependencies,
		ParentJobID:  spec.ParentJobID,
		MaxRetries:   spec.MaxRetries,
		Timeout:      spec.Timeout,
		ScheduledFor: spec.ScheduledFor,
		ScheduledBy:  spec.ScheduledBy,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WorkflowSpec is the submission input for a multi-step workflow.
type WorkflowSpec struct {
	Name        string
	Steps       []WorkflowStep
	Mode        ExecutionMode
	ScheduledBy ScheduleID
}

func (s WorkflowSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidSpec)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: unknown execution mode %q", ErrInvalidSpec, s.Mode)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrInvalidSpec)
	}
	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidSpec, i)
		}
		if !step.Type.Valid() || step.Type.Container() {
			return fmt.Errorf("%w: step %q has invalid type %q", ErrInvalidSpec, step.Name, step.Type)
		}
		if step.Priority < PriorityHighest || step.Priority > PriorityLowest {
			return fmt.Errorf("%w: step %q priority %d outside %d..%d", ErrInvalidSpec, step.Name, step.Priority, PriorityHighest, PriorityLowest)
		}
	}
	return nil
}

// WorkflowStep describes one job of a multi-step submission. Dependency
// wiring between steps is derived from the workflow's execution mode, not
// declared on the step.
type WorkflowStep struct {
	Name       string          `json:"name"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Timeout    time.Duration   `json:"timeout"`
}

// JobResult is written exactly once, when a job reaches a terminal status.
type JobResult struct {
	JobID     JobID           `json:"job_id"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskTemplate holds the job fields a schedule stamps onto each run.
type TaskTemplate struct {
	Name       string          `json:"name"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	Timeout    time.Duration   `json:"timeout"`
}

// Schedule is a recurring template with a lifecycle independent of any
// single job it materializes.
type Schedule struct {
	ID                     ScheduleID     `json:"id"`
	Name                   string         `json:"name"`
	CronExpr               string         `json:"cron_expr"`
	Template               *TaskTemplate  `json:"template,omitempty"`
	Steps                  []WorkflowStep `json:"steps,omitempty"`
	Mode                   ExecutionMode  `json:"mode,omitempty"`
	Priority               int            `json:"priority"`
	Enabled                bool           `json:"enabled"`
	NextRunAt              *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt              *time.Time     `json:"last_run_at,omitempty"`
	RunCount               int            `json:"run_count"`
	ConsecutiveFailures    int            `json:"consecutive_failures"`
	MaxConsecutiveFailures int            `json:"max_consecutive_failures"`
	LastError              string         `json:"last_error,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

func NewScheduleID() ScheduleID {
	return ScheduleID(uuid.NewString())
}

// Worker is the in-memory registration of an execution agent.
type Worker struct {
	ID            WorkerID  `json:"id"`
	Capabilities  []JobType `json:"capabilities"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ActiveJobs    int       `json:"active_jobs"`
}

func (w *Worker) CanExecute(t JobType) bool {
	for _, c := range w.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

func NewWorkerID() WorkerID {
	return WorkerID(uuid.NewString())
}
