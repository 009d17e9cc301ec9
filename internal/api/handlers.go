package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	cronx "github.com/dagrun/dagrun/internal/cron"
	"github.com/dagrun/dagrun/internal/dispatch"
	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeAndValidate parses the request body strictly and runs struct
// validation. A false return means the error response was already written.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse request body: %s", err))
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeError(w, http.StatusBadRequest, formatValidationErrors(verrs))
			return false
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func formatValidationErrors(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("field %s failed rule %q", fe.Field(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// submissionStatus maps a submission error to an HTTP status.
func submissionStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidSpec),
		errors.Is(err, jobs.ErrUnknownDependency),
		errors.Is(err, dispatch.ErrCycleDetected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	job, err := s.dispatcher.SubmitJob(r.Context(), req.toSpec())
	if err != nil {
		s.writeError(w, submissionStatus(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, SubmitJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req SubmitWorkflowRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	parent, children, err := s.dispatcher.SubmitWorkflow(r.Context(), req.toSpec())
	if err != nil {
		s.writeError(w, submissionStatus(err), err.Error())
		return
	}

	stepIDs := make([]jobs.JobID, 0, len(children))
	for _, child := range children {
		stepIDs = append(stepIDs, child.ID)
	}
	s.writeJSON(w, http.StatusCreated, SubmitWorkflowResponse{
		WorkflowID: parent.ID,
		StepIDs:    stepIDs,
		Status:     parent.Status,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(mux.Vars(r)["id"])

	view, err := s.dispatcher.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		list []*jobs.Job
		err  error
	)
	if filter := r.URL.Query().Get("status"); filter != "" {
		status := jobs.JobStatus(filter)
		if !status.Active() && !status.Terminal() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter))
			return
		}
		list, err = s.store.ListByStatus(ctx, status)
	} else {
		list, err = s.store.ListActive(ctx)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(mux.Vars(r)["id"])

	cancelled, err := s.dispatcher.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job %s is not cancellable", id))
		return
	}

	s.writeJSON(w, http.StatusOK, CancelResponse{JobID: id, Cancelled: true})
}

func (s *Server) handleDependencyChain(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(mux.Vars(r)["id"])

	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	chain, err := s.dispatcher.DependencyChain(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, ChainResponse{JobID: id, Chain: chain})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if req.Template == nil && len(req.Steps) == 0 {
		s.writeError(w, http.StatusBadRequest, "schedule needs a template or workflow steps")
		return
	}
	if req.Template != nil && len(req.Steps) > 0 {
		s.writeError(w, http.StatusBadRequest, "schedule cannot have both a template and workflow steps")
		return
	}

	now := time.Now().UTC()
	sched := &jobs.Schedule{
		ID:                     jobs.NewScheduleID(),
		Name:                   req.Name,
		CronExpr:               req.CronExpr,
		Priority:               jobs.PriorityDefault,
		Enabled:                true,
		MaxConsecutiveFailures: req.MaxConsecutiveFailures,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if req.Priority != nil {
		sched.Priority = *req.Priority
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if req.Template != nil {
		name := req.Template.Name
		if name == "" {
			name = req.Name
		}
		sched.Template = &jobs.TaskTemplate{
			Name:       name,
			Type:       jobs.JobType(req.Template.Type),
			Payload:    req.Template.Payload,
			MaxRetries: req.Template.MaxRetries,
			Timeout:    time.Duration(req.Template.TimeoutSeconds) * time.Second,
		}
	}
	for _, step := range req.Steps {
		priority := jobs.PriorityDefault
		if step.Priority != nil {
			priority = *step.Priority
		}
		sched.Steps = append(sched.Steps, jobs.WorkflowStep{
			Name:       step.Name,
			Type:       jobs.JobType(step.Type),
			Payload:    step.Payload,
			Priority:   priority,
			MaxRetries: step.MaxRetries,
			Timeout:    time.Duration(step.TimeoutSeconds) * time.Second,
		})
	}
	if len(sched.Steps) > 0 {
		sched.Mode = jobs.ModeSequential
		if req.Mode != "" {
			sched.Mode = jobs.ExecutionMode(req.Mode)
		}
	}

	if sched.Enabled {
		next, err := cronx.Next(sched.CronExpr, now)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sched.NextRunAt = &next
	}

	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("schedule created",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"cron_expr", sched.CronExpr)
	s.writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := jobs.ScheduleID(mux.Vars(r)["id"])

	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("schedule %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := jobs.ScheduleID(mux.Vars(r)["id"])

	var req UpdateScheduleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("schedule %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
		sched.NextRunAt = nil
	}
	if req.Priority != nil {
		sched.Priority = *req.Priority
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
		if *req.Enabled {
			// Re-enabling clears the failure streak and resumes the cadence.
			sched.ConsecutiveFailures = 0
			sched.LastError = ""
			sched.NextRunAt = nil
		}
	}

	if sched.Enabled && sched.NextRunAt == nil {
		next, err := cronx.Next(sched.CronExpr, time.Now().UTC())
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sched.NextRunAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := jobs.ScheduleID(mux.Vars(r)["id"])

	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("schedule %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("schedule deleted", "schedule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := jobs.ScheduleID(mux.Vars(r)["id"])

	if err := s.scheduler.TriggerNow(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("schedule %s not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.workers.List())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
