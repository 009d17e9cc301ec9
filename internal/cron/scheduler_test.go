package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/store"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	specs     []jobs.JobSpec
	workflows []jobs.WorkflowSpec
	fail      bool
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, spec jobs.JobSpec) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("submission refused")
	}
	f.specs = append(f.specs, spec)
	return jobs.New(spec), nil
}

func (f *fakeSubmitter) SubmitWorkflow(ctx context.Context, spec jobs.WorkflowSpec) (*jobs.Job, []*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, nil, errors.New("submission refused")
	}
	f.workflows = append(f.workflows, spec)
	parent := jobs.New(jobs.JobSpec{Name: spec.Name, Type: jobs.TypeWorkflow})
	children := make([]*jobs.Job, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		children = append(children, jobs.New(jobs.JobSpec{Name: step.Name, Type: step.Type, ParentJobID: parent.ID}))
	}
	return parent, children, nil
}

var schedNow = time.Date(2026, 3, 2, 10, 7, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, submit Submitter) (*Scheduler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s := NewScheduler(mem, submit, nil, WithClock(func() time.Time { return schedNow }))
	return s, mem
}

func templateSchedule(id jobs.ScheduleID, nextRun time.Time, maxFailures int) *jobs.Schedule {
	next := nextRun
	return &jobs.Schedule{
		ID:       id,
		Name:     "nightly-report",
		CronExpr: "*/15 * * * *",
		Template: &jobs.TaskTemplate{
			Name: "nightly-report",
			Type: jobs.TypeTool,
		},
		Priority:               3,
		Enabled:                true,
		NextRunAt:              &next,
		MaxConsecutiveFailures: maxFailures,
		CreatedAt:              schedNow.Add(-time.Hour),
		UpdatedAt:              schedNow.Add(-time.Hour),
	}
}

func TestProcessDue(t *testing.T) {
	ctx := context.Background()

	t.Run("due schedule materializes a tagged job", func(t *testing.T) {
		submit := &fakeSubmitter{}
		s, mem := newTestScheduler(t, submit)

		sched := templateSchedule("sched-1", schedNow.Add(-time.Minute), 0)
		if err := mem.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}

		if len(submit.specs) != 1 {
			t.Fatalf("expected 1 materialized job, got %d", len(submit.specs))
		}
		spec := submit.specs[0]
		if spec.ScheduledBy != "sched-1" {
			t.Errorf("scheduled_by = %s, want sched-1", spec.ScheduledBy)
		}
		if spec.Priority != 3 {
			t.Errorf("priority = %d, want schedule priority 3", spec.Priority)
		}

		stored, err := mem.GetSchedule(ctx, "sched-1")
		if err != nil {
			t.Fatal(err)
		}
		if stored.RunCount != 1 {
			t.Errorf("run count = %d, want 1", stored.RunCount)
		}
		wantNext := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
		if stored.NextRunAt == nil || !stored.NextRunAt.Equal(wantNext) {
			t.Errorf("next_run_at = %v, want %v", stored.NextRunAt, wantNext)
		}
	})

	t.Run("future schedule is not triggered", func(t *testing.T) {
		submit := &fakeSubmitter{}
		s, mem := newTestScheduler(t, submit)

		sched := templateSchedule("sched-2", schedNow.Add(time.Hour), 0)
		if err := mem.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}
		if len(submit.specs) != 0 {
			t.Errorf("expected no materialized jobs, got %d", len(submit.specs))
		}
	})

	t.Run("disabled schedule is not triggered", func(t *testing.T) {
		submit := &fakeSubmitter{}
		s, mem := newTestScheduler(t, submit)

		sched := templateSchedule("sched-3", schedNow.Add(-time.Minute), 0)
		sched.Enabled = false
		if err := mem.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}
		if len(submit.specs) != 0 {
			t.Errorf("expected no materialized jobs, got %d", len(submit.specs))
		}
	})

	t.Run("workflow schedule materializes steps", func(t *testing.T) {
		submit := &fakeSubmitter{}
		s, mem := newTestScheduler(t, submit)

		next := schedNow.Add(-time.Minute)
		sched := &jobs.Schedule{
			ID:       "sched-wf",
			Name:     "etl",
			CronExpr: "0 3 * * *",
			Steps: []jobs.WorkflowStep{
				{Name: "extract", Type: jobs.TypeTool},
				{Name: "load", Type: jobs.TypeTool},
			},
			Enabled:   true,
			NextRunAt: &next,
			CreatedAt: schedNow.Add(-time.Hour),
		}
		if err := mem.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}

		if len(submit.workflows) != 1 {
			t.Fatalf("expected 1 materialized workflow, got %d", len(submit.workflows))
		}
		wf := submit.workflows[0]
		if wf.Mode != jobs.ModeSequential {
			t.Errorf("mode = %s, want default sequential", wf.Mode)
		}
		if wf.ScheduledBy != "sched-wf" {
			t.Errorf("scheduled_by = %s, want sched-wf", wf.ScheduledBy)
		}
	})
}

func TestTriggerFailureDisablesSchedule(t *testing.T) {
	ctx := context.Background()
	submit := &fakeSubmitter{fail: true}
	s, mem := newTestScheduler(t, submit)

	sched := templateSchedule("flaky", schedNow.Add(-time.Minute), 3)
	if err := mem.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}
		stored, err := mem.GetSchedule(ctx, "flaky")
		if err != nil {
			t.Fatal(err)
		}
		if stored.ConsecutiveFailures != i {
			t.Fatalf("after %d failures counter = %d", i, stored.ConsecutiveFailures)
		}
	}

	stored, err := mem.GetSchedule(ctx, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Enabled {
		t.Error("schedule must be disabled after reaching the failure threshold")
	}
	if stored.NextRunAt != nil {
		t.Error("disabled schedule must not keep a next run time")
	}
	if stored.LastError == "" {
		t.Error("expected last trigger error recorded")
	}

	// Disabled schedules no longer trigger.
	before := stored.ConsecutiveFailures
	if err := s.ProcessDue(ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ = mem.GetSchedule(ctx, "flaky")
	if stored.ConsecutiveFailures != before {
		t.Error("disabled schedule was triggered again")
	}
}

func TestTriggerSuccessResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	submit := &fakeSubmitter{fail: true}
	s, mem := newTestScheduler(t, submit)

	sched := templateSchedule("recovering", schedNow.Add(-time.Minute), 5)
	if err := mem.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ProcessDue(ctx); err != nil {
			t.Fatal(err)
		}
	}
	submit.fail = false
	if err := s.ProcessDue(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err := mem.GetSchedule(ctx, "recovering")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ConsecutiveFailures != 0 {
		t.Errorf("failure streak = %d after success, want 0", stored.ConsecutiveFailures)
	}
	if stored.RunCount != 1 {
		t.Errorf("run count = %d, want 1", stored.RunCount)
	}
	if stored.LastError != "" {
		t.Errorf("last error = %q, want cleared", stored.LastError)
	}
}

func TestTriggerNow(t *testing.T) {
	ctx := context.Background()
	submit := &fakeSubmitter{}
	s, mem := newTestScheduler(t, submit)

	// Not due for another hour; manual trigger ignores the cadence.
	sched := templateSchedule("manual", schedNow.Add(time.Hour), 0)
	if err := mem.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}

	if err := s.TriggerNow(ctx, "manual"); err != nil {
		t.Fatal(err)
	}
	if len(submit.specs) != 1 {
		t.Fatalf("expected 1 materialized job, got %d", len(submit.specs))
	}

	if err := s.TriggerNow(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown schedule, got %v", err)
	}
}

func TestStartInitializesNextRuns(t *testing.T) {
	ctx := context.Background()
	submit := &fakeSubmitter{}
	mem := store.NewMemory()
	s := NewScheduler(mem, submit, nil,
		WithClock(func() time.Time { return schedNow }),
		WithInterval(time.Hour))

	sched := templateSchedule("fresh", schedNow, 0)
	sched.NextRunAt = nil
	if err := mem.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	stored, err := mem.GetSchedule(ctx, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	wantNext := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(wantNext) {
		t.Errorf("next_run_at = %v, want %v", stored.NextRunAt, wantNext)
	}
}
