package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
)

// Memory is a non-durable Store for tests and ephemeral runs. It keeps the
// same conditional-update semantics as SQLite so dispatcher behavior is
// identical against either implementation.
type Memory struct {
	mu        sync.Mutex
	jobs      map[jobs.JobID]*jobs.Job
	order     map[jobs.JobID]int64
	results   map[jobs.JobID]*jobs.JobResult
	schedules map[jobs.ScheduleID]*jobs.Schedule
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[jobs.JobID]*jobs.Job),
		order:     make(map[jobs.JobID]int64),
		results:   make(map[jobs.JobID]*jobs.JobResult),
		schedules: make(map[jobs.ScheduleID]*jobs.Schedule),
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertJobLocked(job)
}

func (m *Memory) CreateJobs(ctx context.Context, batch []*jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range batch {
		if _, exists := m.jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
	}
	for _, job := range batch {
		if err := m.insertJobLocked(job); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) insertJobLocked(job *jobs.Job) error {
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	// Insertion order breaks FIFO ties between jobs created within one
	// clock granule; the stored record itself is untouched.
	m.seq++
	m.order[job.ID] = m.seq
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListByStatus(ctx context.Context, status jobs.JobStatus) ([]*jobs.Job, error) {
	return m.filterJobs(func(j *jobs.Job) bool { return j.Status == status }), nil
}

func (m *Memory) ListActive(ctx context.Context) ([]*jobs.Job, error) {
	return m.filterJobs(func(j *jobs.Job) bool { return j.Status.Active() }), nil
}

func (m *Memory) DuePending(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	return m.filterJobs(func(j *jobs.Job) bool {
		return (j.Status == jobs.StatusPending || j.Status == jobs.StatusQueued) && j.Due(now)
	}), nil
}

func (m *Memory) Children(ctx context.Context, parent jobs.JobID) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*jobs.Job
	for _, job := range m.jobs {
		if job.ParentJobID == parent {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, k int) bool { return m.order[out[i].ID] < m.order[out[k].ID] })
	return out, nil
}

func (m *Memory) filterJobs(keep func(*jobs.Job) bool) []*jobs.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*jobs.Job
	for _, job := range m.jobs {
		if keep(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return m.order[out[i].ID] < m.order[out[k].ID]
	})
	return out
}

func (m *Memory) Transition(ctx context.Context, id jobs.JobID, from, to jobs.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != from {
		return fmt.Errorf("job %s: %w", id, ErrConflict)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	switch {
	case to == jobs.StatusRunning:
		job.LastError = ""
		job.StartedAt = &now
	case to.Terminal():
		job.LastError = errMsg
		job.FinishedAt = &now
	default:
		job.LastError = errMsg
	}
	return nil
}

func (m *Memory) ScheduleRetry(ctx context.Context, id jobs.JobID, retryCount int, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != jobs.StatusRunning {
		return fmt.Errorf("job %s: %w", id, ErrConflict)
	}

	runAt = runAt.UTC()
	job.Status = jobs.StatusPending
	job.RetryCount = retryCount
	job.ScheduledFor = &runAt
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SaveResult(ctx context.Context, result *jobs.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.results[result.JobID]; exists {
		return fmt.Errorf("job %s: %w", result.JobID, ErrDuplicateResult)
	}

	clone := *result
	m.results[result.JobID] = &clone
	return nil
}

func (m *Memory) GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, exists := m.results[id]
	if !exists {
		return nil, fmt.Errorf("result for job %s: %w", id, ErrNotFound)
	}
	clone := *result
	return &clone, nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[jobs.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[jobs.JobStatus]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *Memory) CreateSchedule(ctx context.Context, sched *jobs.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	m.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, id jobs.ScheduleID) (*jobs.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, exists := m.schedules[id]
	if !exists {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return cloneSchedule(sched), nil
}

func (m *Memory) ListSchedules(ctx context.Context) ([]*jobs.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*jobs.Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		out = append(out, cloneSchedule(sched))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) DueSchedules(ctx context.Context, now time.Time) ([]*jobs.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*jobs.Schedule
	for _, sched := range m.schedules {
		if sched.Enabled && sched.NextRunAt != nil && !sched.NextRunAt.After(now) {
			out = append(out, cloneSchedule(sched))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	return out, nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, sched *jobs.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.schedules[sched.ID]
	if !exists {
		return fmt.Errorf("schedule %s: %w", sched.ID, ErrNotFound)
	}

	existing.Name = sched.Name
	existing.CronExpr = sched.CronExpr
	existing.Template = sched.Template
	existing.Steps = sched.Steps
	existing.Mode = sched.Mode
	existing.Priority = sched.Priority
	existing.Enabled = sched.Enabled
	existing.NextRunAt = copyTime(sched.NextRunAt)
	existing.ConsecutiveFailures = sched.ConsecutiveFailures
	existing.MaxConsecutiveFailures = sched.MaxConsecutiveFailures
	existing.LastError = sched.LastError
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteSchedule(ctx context.Context, id jobs.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) SetNextRun(ctx context.Context, id jobs.ScheduleID, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, exists := m.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	next = next.UTC()
	sched.NextRunAt = &next
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkTriggered(ctx context.Context, id jobs.ScheduleID, ranAt, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, exists := m.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	ranAt, next = ranAt.UTC(), next.UTC()
	sched.LastRunAt = &ranAt
	sched.NextRunAt = &next
	sched.RunCount++
	sched.ConsecutiveFailures = 0
	sched.LastError = ""
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkTriggerFailed(ctx context.Context, id jobs.ScheduleID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, exists := m.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	sched.ConsecutiveFailures++
	sched.LastError = errMsg
	sched.UpdatedAt = time.Now().UTC()
	if sched.MaxConsecutiveFailures > 0 && sched.ConsecutiveFailures >= sched.MaxConsecutiveFailures {
		sched.Enabled = false
		sched.NextRunAt = nil
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func cloneJob(job *jobs.Job) *jobs.Job {
	clone := *job
	clone.Dependencies = append([]jobs.JobID(nil), job.Dependencies...)
	clone.ScheduledFor = copyTime(job.ScheduledFor)
	clone.StartedAt = copyTime(job.StartedAt)
	clone.FinishedAt = copyTime(job.FinishedAt)
	return &clone
}

func cloneSchedule(sched *jobs.Schedule) *jobs.Schedule {
	clone := *sched
	clone.Steps = append([]jobs.WorkflowStep(nil), sched.Steps...)
	clone.NextRunAt = copyTime(sched.NextRunAt)
	clone.LastRunAt = copyTime(sched.LastRunAt)
	if sched.Template != nil {
		t := *sched.Template
		clone.Template = &t
	}
	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
