package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(id string, priority int, offset time.Duration) *jobs.Job {
	return &jobs.Job{
		ID:        jobs.JobID(id),
		Name:      id,
		Type:      jobs.TypeTool,
		Priority:  priority,
		Status:    jobs.StatusPending,
		CreatedAt: testBase.Add(offset),
		UpdatedAt: testBase.Add(offset),
	}
}

func testSchedule(id string) *jobs.Schedule {
	return &jobs.Schedule{
		ID:       jobs.ScheduleID(id),
		Name:     id,
		CronExpr: "*/5 * * * *",
		Template: &jobs.TaskTemplate{
			Name: id,
			Type: jobs.TypeTool,
		},
		Priority:  jobs.PriorityDefault,
		Enabled:   true,
		CreatedAt: testBase,
		UpdatedAt: testBase,
	}
}

func TestStoreImplementations(t *testing.T) {
	impls := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{
			name: "memory",
			open: func(t *testing.T) Store { return NewMemory() },
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
				if err != nil {
					t.Fatalf("failed to open sqlite store: %v", err)
				}
				t.Cleanup(func() { s.Close() })
				return s
			},
		},
	}

	for _, impl := range impls {
		t.Run(impl.name, func(t *testing.T) {
			testJobRoundtrip(t, impl.open)
			testJobLifecycle(t, impl.open)
			testDuePendingOrdering(t, impl.open)
			testRetryScheduling(t, impl.open)
			testResults(t, impl.open)
			testChildren(t, impl.open)
			testCounts(t, impl.open)
			testScheduleCRUD(t, impl.open)
			testScheduleTriggers(t, impl.open)
		})
	}
}

func testJobRoundtrip(t *testing.T, open func(t *testing.T) Store) {
	t.Run("job roundtrip", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		scheduledFor := testBase.Add(time.Hour)
		job := testJob("j1", 2, 0)
		job.Payload = json.RawMessage(`{"cmd":"ls"}`)
		job.Dependencies = []jobs.JobID{"d1", "d2"}
		job.ParentJobID = "parent-1"
		job.MaxRetries = 3
		job.Timeout = 45 * time.Second
		job.ScheduledFor = &scheduledFor
		job.ScheduledBy = "sched-1"

		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		got, err := st.GetJob(ctx, "j1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Name != "j1" || got.Type != jobs.TypeTool || got.Priority != 2 {
			t.Errorf("basic fields mangled: %+v", got)
		}
		if string(got.Payload) != `{"cmd":"ls"}` {
			t.Errorf("payload = %s", got.Payload)
		}
		if len(got.Dependencies) != 2 || got.Dependencies[0] != "d1" {
			t.Errorf("dependencies = %v", got.Dependencies)
		}
		if got.ParentJobID != "parent-1" || got.ScheduledBy != "sched-1" {
			t.Errorf("links mangled: parent=%s scheduled_by=%s", got.ParentJobID, got.ScheduledBy)
		}
		if got.Timeout != 45*time.Second {
			t.Errorf("timeout = %v", got.Timeout)
		}
		if got.ScheduledFor == nil || !got.ScheduledFor.Equal(scheduledFor) {
			t.Errorf("scheduled_for = %v, want %v", got.ScheduledFor, scheduledFor)
		}
		if !got.CreatedAt.Equal(job.CreatedAt) {
			t.Errorf("created_at = %v, want %v as submitted", got.CreatedAt, job.CreatedAt)
		}

		if err := st.CreateJob(ctx, testJob("j1", 2, 0)); err == nil {
			t.Error("duplicate create must fail")
		}
		if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func testJobLifecycle(t *testing.T, open func(t *testing.T) Store) {
	t.Run("conditional transitions", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		if err := st.CreateJob(ctx, testJob("j1", 5, 0)); err != nil {
			t.Fatal(err)
		}

		if err := st.Transition(ctx, "j1", jobs.StatusPending, jobs.StatusRunning, ""); err != nil {
			t.Fatalf("pending->running failed: %v", err)
		}
		got, _ := st.GetJob(ctx, "j1")
		if got.Status != jobs.StatusRunning {
			t.Errorf("status = %s", got.Status)
		}
		if got.StartedAt == nil {
			t.Error("started_at must be set on running")
		}

		// Stale writer: the expected status no longer matches.
		err := st.Transition(ctx, "j1", jobs.StatusPending, jobs.StatusCancelled, "")
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		if err := st.Transition(ctx, "j1", jobs.StatusRunning, jobs.StatusFailed, "exploded"); err != nil {
			t.Fatalf("running->failed failed: %v", err)
		}
		got, _ = st.GetJob(ctx, "j1")
		if got.Status != jobs.StatusFailed || got.LastError != "exploded" {
			t.Errorf("terminal state = %s/%q", got.Status, got.LastError)
		}
		if got.FinishedAt == nil {
			t.Error("finished_at must be set on terminal transition")
		}

		err = st.Transition(ctx, "missing", jobs.StatusPending, jobs.StatusRunning, "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func testDuePendingOrdering(t *testing.T, open func(t *testing.T) Store) {
	t.Run("due jobs ordered by priority then age", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		future := testBase.Add(time.Hour)
		later := testJob("later", 0, 3*time.Second)
		later.ScheduledFor = &future

		for _, j := range []*jobs.Job{
			testJob("low-old", 7, 0),
			testJob("high", 1, time.Second),
			testJob("low-new", 7, 2*time.Second),
			later,
		} {
			if err := st.CreateJob(ctx, j); err != nil {
				t.Fatal(err)
			}
		}
		// Queued jobs stay in the due set; they are waiting for a worker.
		if err := st.Transition(ctx, "high", jobs.StatusPending, jobs.StatusQueued, ""); err != nil {
			t.Fatal(err)
		}

		due, err := st.DuePending(ctx, testBase.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}

		want := []jobs.JobID{"high", "low-old", "low-new"}
		if len(due) != len(want) {
			t.Fatalf("due = %d jobs, want %d", len(due), len(want))
		}
		for i, id := range want {
			if due[i].ID != id {
				t.Errorf("due[%d] = %s, want %s", i, due[i].ID, id)
			}
		}
	})

	t.Run("creation order breaks same-timestamp ties", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		// Same priority, same created_at; insertion order decides.
		for _, id := range []string{"first", "second", "third"} {
			if err := st.CreateJob(ctx, testJob(id, 5, 0)); err != nil {
				t.Fatal(err)
			}
		}

		due, err := st.DuePending(ctx, testBase.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		want := []jobs.JobID{"first", "second", "third"}
		if len(due) != len(want) {
			t.Fatalf("due = %d jobs, want %d", len(due), len(want))
		}
		for i, id := range want {
			if due[i].ID != id {
				t.Errorf("due[%d] = %s, want %s", i, due[i].ID, id)
			}
		}
	})
}

func testRetryScheduling(t *testing.T, open func(t *testing.T) Store) {
	t.Run("retry scheduling", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		if err := st.CreateJob(ctx, testJob("j1", 5, 0)); err != nil {
			t.Fatal(err)
		}

		// Only running jobs can be rescheduled.
		runAt := testBase.Add(10 * time.Second)
		if err := st.ScheduleRetry(ctx, "j1", 1, runAt); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for pending job, got %v", err)
		}

		if err := st.Transition(ctx, "j1", jobs.StatusPending, jobs.StatusRunning, ""); err != nil {
			t.Fatal(err)
		}
		if err := st.ScheduleRetry(ctx, "j1", 1, runAt); err != nil {
			t.Fatalf("schedule retry failed: %v", err)
		}

		got, _ := st.GetJob(ctx, "j1")
		if got.Status != jobs.StatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		if got.ScheduledFor == nil || !got.ScheduledFor.Equal(runAt) {
			t.Errorf("scheduled_for = %v, want %v", got.ScheduledFor, runAt)
		}

		// Not due until the backoff elapses.
		due, err := st.DuePending(ctx, runAt.Add(-time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 0 {
			t.Errorf("job due before its retry time")
		}
		due, _ = st.DuePending(ctx, runAt)
		if len(due) != 1 {
			t.Errorf("job not due at its retry time")
		}
	})
}

func testResults(t *testing.T, open func(t *testing.T) Store) {
	t.Run("results are write-once", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		result := &jobs.JobResult{
			JobID:     "j1",
			Success:   true,
			Output:    json.RawMessage(`{"ok":true}`),
			CreatedAt: testBase,
		}
		if err := st.SaveResult(ctx, result); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		dup := &jobs.JobResult{JobID: "j1", Success: false, Error: "late duplicate", CreatedAt: testBase}
		if err := st.SaveResult(ctx, dup); !errors.Is(err, ErrDuplicateResult) {
			t.Errorf("expected ErrDuplicateResult, got %v", err)
		}

		got, err := st.GetResult(ctx, "j1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.Success || string(got.Output) != `{"ok":true}` {
			t.Errorf("first write must win, got %+v", got)
		}

		if _, err := st.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func testChildren(t *testing.T, open func(t *testing.T) Store) {
	t.Run("children lookup", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		parent := testJob("parent", 5, 0)
		parent.Type = jobs.TypeWorkflow
		step1 := testJob("step1", 5, time.Second)
		step1.ParentJobID = "parent"
		step2 := testJob("step2", 5, 2*time.Second)
		step2.ParentJobID = "parent"

		if err := st.CreateJobs(ctx, []*jobs.Job{parent, step1, step2}); err != nil {
			t.Fatal(err)
		}

		children, err := st.Children(ctx, "parent")
		if err != nil {
			t.Fatal(err)
		}
		if len(children) != 2 {
			t.Fatalf("children = %d, want 2", len(children))
		}
		if children[0].ID != "step1" || children[1].ID != "step2" {
			t.Errorf("children out of creation order: %s, %s", children[0].ID, children[1].ID)
		}
	})
}

func testCounts(t *testing.T, open func(t *testing.T) Store) {
	t.Run("status counts", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		for _, j := range []*jobs.Job{
			testJob("p1", 5, 0),
			testJob("p2", 5, time.Second),
			testJob("r1", 5, 2*time.Second),
		} {
			if err := st.CreateJob(ctx, j); err != nil {
				t.Fatal(err)
			}
		}
		if err := st.Transition(ctx, "r1", jobs.StatusPending, jobs.StatusRunning, ""); err != nil {
			t.Fatal(err)
		}

		counts, err := st.CountByStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if counts[jobs.StatusPending] != 2 || counts[jobs.StatusRunning] != 1 {
			t.Errorf("counts = %v", counts)
		}
	})
}

func testScheduleCRUD(t *testing.T, open func(t *testing.T) Store) {
	t.Run("schedule crud", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		sched := testSchedule("s1")
		sched.Steps = nil
		if err := st.CreateSchedule(ctx, sched); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		got, err := st.GetSchedule(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got.CronExpr != "*/5 * * * *" || got.Template == nil || got.Template.Type != jobs.TypeTool {
			t.Errorf("schedule mangled: %+v", got)
		}

		got.Enabled = false
		got.CronExpr = "0 4 * * *"
		if err := st.UpdateSchedule(ctx, got); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		got, _ = st.GetSchedule(ctx, "s1")
		if got.Enabled || got.CronExpr != "0 4 * * *" {
			t.Errorf("update not applied: %+v", got)
		}

		list, err := st.ListSchedules(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Errorf("list = %d schedules, want 1", len(list))
		}

		if err := st.DeleteSchedule(ctx, "s1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := st.GetSchedule(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := st.DeleteSchedule(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for double delete, got %v", err)
		}
	})
}

func testScheduleTriggers(t *testing.T, open func(t *testing.T) Store) {
	t.Run("trigger bookkeeping", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		sched := testSchedule("s1")
		sched.MaxConsecutiveFailures = 2
		if err := st.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		next := testBase.Add(5 * time.Minute)
		if err := st.SetNextRun(ctx, "s1", next); err != nil {
			t.Fatal(err)
		}

		due, err := st.DueSchedules(ctx, next)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 {
			t.Fatalf("expected schedule due at its next run time, got %d", len(due))
		}
		due, _ = st.DueSchedules(ctx, next.Add(-time.Second))
		if len(due) != 0 {
			t.Error("schedule due before its next run time")
		}

		if err := st.MarkTriggered(ctx, "s1", next, next.Add(5*time.Minute)); err != nil {
			t.Fatal(err)
		}
		got, _ := st.GetSchedule(ctx, "s1")
		if got.RunCount != 1 {
			t.Errorf("run count = %d, want 1", got.RunCount)
		}
		if got.LastRunAt == nil || !got.LastRunAt.Equal(next) {
			t.Errorf("last_run_at = %v", got.LastRunAt)
		}

		// Two consecutive failures hit the threshold and disable the schedule.
		if err := st.MarkTriggerFailed(ctx, "s1", "no workers"); err != nil {
			t.Fatal(err)
		}
		got, _ = st.GetSchedule(ctx, "s1")
		if !got.Enabled || got.ConsecutiveFailures != 1 {
			t.Errorf("after first failure: enabled=%v failures=%d", got.Enabled, got.ConsecutiveFailures)
		}

		if err := st.MarkTriggerFailed(ctx, "s1", "still no workers"); err != nil {
			t.Fatal(err)
		}
		got, _ = st.GetSchedule(ctx, "s1")
		if got.Enabled {
			t.Error("schedule must auto-disable at the failure threshold")
		}
		if got.NextRunAt != nil {
			t.Error("disabled schedule must not keep a next run time")
		}
		if got.LastError != "still no workers" {
			t.Errorf("last_error = %q", got.LastError)
		}
	})

	t.Run("re-enable persists a fresh failure streak", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		sched := testSchedule("s3")
		sched.MaxConsecutiveFailures = 2
		if err := st.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}
		if err := st.MarkTriggerFailed(ctx, "s3", "boom"); err != nil {
			t.Fatal(err)
		}
		if err := st.MarkTriggerFailed(ctx, "s3", "boom again"); err != nil {
			t.Fatal(err)
		}
		got, _ := st.GetSchedule(ctx, "s3")
		if got.Enabled {
			t.Fatal("schedule must be disabled at the threshold")
		}

		// Manual re-enable clears the streak; the update must stick.
		next := testBase.Add(5 * time.Minute)
		got.Enabled = true
		got.ConsecutiveFailures = 0
		got.LastError = ""
		got.NextRunAt = &next
		if err := st.UpdateSchedule(ctx, got); err != nil {
			t.Fatal(err)
		}
		got, _ = st.GetSchedule(ctx, "s3")
		if got.ConsecutiveFailures != 0 {
			t.Errorf("failures = %d after re-enable, want 0", got.ConsecutiveFailures)
		}
		if got.LastError != "" {
			t.Errorf("last_error = %q after re-enable, want cleared", got.LastError)
		}

		// One failure on the fresh streak must not re-disable it.
		if err := st.MarkTriggerFailed(ctx, "s3", "hiccup"); err != nil {
			t.Fatal(err)
		}
		got, _ = st.GetSchedule(ctx, "s3")
		if !got.Enabled || got.ConsecutiveFailures != 1 {
			t.Errorf("after one failure: enabled=%v failures=%d, want enabled with 1", got.Enabled, got.ConsecutiveFailures)
		}
	})

	t.Run("zero threshold never disables", func(t *testing.T) {
		ctx := context.Background()
		st := open(t)

		sched := testSchedule("s2")
		sched.MaxConsecutiveFailures = 0
		if err := st.CreateSchedule(ctx, sched); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 5; i++ {
			if err := st.MarkTriggerFailed(ctx, "s2", "flaky"); err != nil {
				t.Fatal(err)
			}
		}
		got, _ := st.GetSchedule(ctx, "s2")
		if !got.Enabled {
			t.Error("schedule with no threshold must never auto-disable")
		}
		if got.ConsecutiveFailures != 5 {
			t.Errorf("failures = %d, want 5", got.ConsecutiveFailures)
		}
	})
}

func TestSQLiteRecoversStuckJobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recover.db")

	st, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range []*jobs.Job{
		testJob("was-running", 5, 0),
		testJob("was-queued", 5, time.Second),
		testJob("was-done", 5, 2*time.Second),
	} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Transition(ctx, "was-running", jobs.StatusPending, jobs.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "was-queued", jobs.StatusPending, jobs.StatusQueued, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "was-done", jobs.StatusPending, jobs.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "was-done", jobs.StatusRunning, jobs.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// A restart must requeue work that was in flight when the process died.
	st, err = NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for _, id := range []jobs.JobID{"was-running", "was-queued"} {
		got, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != jobs.StatusPending {
			t.Errorf("%s status = %s, want pending after recovery", id, got.Status)
		}
	}
	got, err := st.GetJob(ctx, "was-done")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobs.StatusCompleted {
		t.Errorf("completed job must survive recovery untouched, got %s", got.Status)
	}
}
