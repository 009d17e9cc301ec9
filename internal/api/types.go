package api

import (
	"encoding/json"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
)

type SubmitJobRequest struct {
	Name           string          `json:"name" validate:"required"`
	Type           string          `json:"type" validate:"required,jobtype"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority" validate:"omitempty,min=0,max=10"`
	Dependencies   []string        `json:"dependencies" validate:"dive,required"`
	MaxRetries     int             `json:"max_retries" validate:"min=0"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"min=0"`
	ScheduledFor   *time.Time      `json:"scheduled_for"`
}

func (r SubmitJobRequest) toSpec() jobs.JobSpec {
	priority := jobs.PriorityDefault
	if r.Priority != nil {
		priority = *r.Priority
	}

	deps := make([]jobs.JobID, 0, len(r.Dependencies))
	for _, dep := range r.Dependencies {
		deps = append(deps, jobs.JobID(dep))
	}

	return jobs.JobSpec{
		Name:         r.Name,
		Type:         jobs.JobType(r.Type),
		Payload:      r.Payload,
		Priority:     priority,
		Dependencies: deps,
		MaxRetries:   r.MaxRetries,
		Timeout:      time.Duration(r.TimeoutSeconds) * time.Second,
		ScheduledFor: r.ScheduledFor,
	}
}

type WorkflowStepRequest struct {
	Name           string          `json:"name" validate:"required"`
	Type           string          `json:"type" validate:"required,steptype"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority" validate:"omitempty,min=0,max=10"`
	MaxRetries     int             `json:"max_retries" validate:"min=0"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"min=0"`
}

type SubmitWorkflowRequest struct {
	Name  string                `json:"name" validate:"required"`
	Mode  string                `json:"mode" validate:"required,execmode"`
	Steps []WorkflowStepRequest `json:"steps" validate:"required,min=1,dive"`
}

func (r SubmitWorkflowRequest) toSpec() jobs.WorkflowSpec {
	steps := make([]jobs.WorkflowStep, 0, len(r.Steps))
	for _, step := range r.Steps {
		priority := jobs.PriorityDefault
		if step.Priority != nil {
			priority = *step.Priority
		}
		steps = append(steps, jobs.WorkflowStep{
			Name:       step.Name,
			Type:       jobs.JobType(step.Type),
			Payload:    step.Payload,
			Priority:   priority,
			MaxRetries: step.MaxRetries,
			Timeout:    time.Duration(step.TimeoutSeconds) * time.Second,
		})
	}

	return jobs.WorkflowSpec{
		Name:  r.Name,
		Steps: steps,
		Mode:  jobs.ExecutionMode(r.Mode),
	}
}

type SubmitJobResponse struct {
	JobID  jobs.JobID     `json:"job_id"`
	Status jobs.JobStatus `json:"status"`
}

type SubmitWorkflowResponse struct {
	WorkflowID jobs.JobID     `json:"workflow_id"`
	StepIDs    []jobs.JobID   `json:"step_ids"`
	Status     jobs.JobStatus `json:"status"`
}

type CancelResponse struct {
	JobID     jobs.JobID `json:"job_id"`
	Cancelled bool       `json:"cancelled"`
}

type ChainResponse struct {
	JobID jobs.JobID   `json:"job_id"`
	Chain []jobs.JobID `json:"chain"`
}

type CreateScheduleRequest struct {
	Name                   string                `json:"name" validate:"required"`
	CronExpr               string                `json:"cron_expr" validate:"required,cronexpr"`
	Template               *ScheduleTemplate     `json:"template" validate:"omitempty"`
	Steps                  []WorkflowStepRequest `json:"steps" validate:"omitempty,dive"`
	Mode                   string                `json:"mode" validate:"omitempty,execmode"`
	Priority               *int                  `json:"priority" validate:"omitempty,min=0,max=10"`
	Enabled                *bool                 `json:"enabled"`
	MaxConsecutiveFailures int                   `json:"max_consecutive_failures" validate:"min=0"`
}

type ScheduleTemplate struct {
	Name           string          `json:"name"`
	Type           string          `json:"type" validate:"required,steptype"`
	Payload        json.RawMessage `json:"payload"`
	MaxRetries     int             `json:"max_retries" validate:"min=0"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"min=0"`
}

type UpdateScheduleRequest struct {
	CronExpr *string `json:"cron_expr" validate:"omitempty,cronexpr"`
	Enabled  *bool   `json:"enabled"`
	Priority *int    `json:"priority" validate:"omitempty,min=0,max=10"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
