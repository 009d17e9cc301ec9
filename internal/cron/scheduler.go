package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dagrun/dagrun/internal/jobs"
)

// ScheduleStore is the slice of the store the scheduler drives.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]*jobs.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*jobs.Schedule, error)
	GetSchedule(ctx context.Context, id jobs.ScheduleID) (*jobs.Schedule, error)
	SetNextRun(ctx context.Context, id jobs.ScheduleID, next time.Time) error
	MarkTriggered(ctx context.Context, id jobs.ScheduleID, ranAt, next time.Time) error
	MarkTriggerFailed(ctx context.Context, id jobs.ScheduleID, errMsg string) error
}

// Submitter materializes jobs from schedule templates. Implemented by the
// dispatcher; the scheduler and dispatcher otherwise interact only through
// the store.
type Submitter interface {
	SubmitJob(ctx context.Context, spec jobs.JobSpec) (*jobs.Job, error)
	SubmitWorkflow(ctx context.Context, spec jobs.WorkflowSpec) (*jobs.Job, []*jobs.Job, error)
}

const (
	defaultPollInterval  = time.Minute
	defaultMaxConcurrent = 8
)

// Scheduler polls the store on a fixed interval and materializes due
// schedules into jobs. Polling durable state (rather than in-memory timers)
// means a restarted process resumes correctly by re-querying the store.
type Scheduler struct {
	store         ScheduleStore
	submit        Submitter
	logger        *slog.Logger
	interval      time.Duration
	maxConcurrent int
	clock         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func NewScheduler(store ScheduleStore, submit Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:         store,
		submit:        submit,
		logger:        logger,
		interval:      defaultPollInterval,
		maxConcurrent: defaultMaxConcurrent,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes schedules missing a next-run time, then launches the
// poll loop. Stop (or ctx cancellation) terminates the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.initNextRuns(ctx); err != nil {
		return fmt.Errorf("failed to initialize schedule run times: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("cron scheduler started", "poll_interval", s.interval)
		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("cron scheduler stopped")
				return
			case <-ticker.C:
				// Store errors are logged and the cycle retried on the
				// next tick; nothing here is process-fatal.
				if err := s.ProcessDue(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("cron poll cycle failed", "error", err)
				}
			}
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// initNextRuns computes next_run_at for enabled schedules that lack one, so
// restarts never lose track of pending triggers.
func (s *Scheduler) initNextRuns(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	now := s.clock()
	for _, sched := range schedules {
		if !sched.Enabled || sched.NextRunAt != nil {
			continue
		}

		next, err := Next(sched.CronExpr, now)
		if err != nil {
			s.logger.Error("failed to compute next run for schedule",
				"schedule_id", sched.ID,
				"cron_expr", sched.CronExpr,
				"error", err)
			continue
		}

		if err := s.store.SetNextRun(ctx, sched.ID, next); err != nil {
			return err
		}
	}
	return nil
}

// ProcessDue triggers every due schedule. Each schedule is processed in its
// own goroutine so one failing trigger cannot block or delay the rest of
// the cycle; a schedule never triggers twice concurrently because the loop
// waits for the whole cycle before polling again.
func (s *Scheduler) ProcessDue(ctx context.Context) error {
	due, err := s.store.DueSchedules(ctx, s.clock())
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for _, sched := range due {
		sched := sched
		g.Go(func() error {
			s.trigger(ctx, sched)
			return nil
		})
	}
	return g.Wait()
}

// TriggerNow materializes a schedule immediately, outside its cron cadence.
func (s *Scheduler) TriggerNow(ctx context.Context, id jobs.ScheduleID) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.trigger(ctx, sched)
	return nil
}

func (s *Scheduler) trigger(ctx context.Context, sched *jobs.Schedule) {
	now := s.clock()

	if err := s.materialize(ctx, sched); err != nil {
		s.logger.Error("failed to materialize schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err)
		if markErr := s.store.MarkTriggerFailed(ctx, sched.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to record trigger failure", "schedule_id", sched.ID, "error", markErr)
		}
		return
	}

	// Next run is computed from the trigger instant, not from the stale
	// next_run_at, so a delayed poll never causes trigger pile-up.
	next, err := Next(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("failed to compute next run", "schedule_id", sched.ID, "error", err)
		if markErr := s.store.MarkTriggerFailed(ctx, sched.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to record trigger failure", "schedule_id", sched.ID, "error", markErr)
		}
		return
	}

	if err := s.store.MarkTriggered(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("failed to record trigger", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("schedule triggered",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"next_run", next)
}

func (s *Scheduler) materialize(ctx context.Context, sched *jobs.Schedule) error {
	switch {
	case sched.Template != nil:
		spec := jobs.JobSpec{
			Name:        sched.Template.Name,
			Type:        sched.Template.Type,
			Payload:     sched.Template.Payload,
			Priority:    sched.Priority,
			MaxRetries:  sched.Template.MaxRetries,
			Timeout:     sched.Template.Timeout,
			ScheduledBy: sched.ID,
		}
		if spec.Name == "" {
			spec.Name = sched.Name
		}
		job, err := s.submit.SubmitJob(ctx, spec)
		if err != nil {
			return err
		}
		s.logger.Info("job materialized from schedule",
			"schedule_id", sched.ID,
			"job_id", job.ID,
			"job_type", job.Type)
		return nil

	case len(sched.Steps) > 0:
		mode := sched.Mode
		if mode == "" {
			mode = jobs.ModeSequential
		}
		parent, children, err := s.submit.SubmitWorkflow(ctx, jobs.WorkflowSpec{
			Name:        sched.Name,
			Steps:       sched.Steps,
			Mode:        mode,
			ScheduledBy: sched.ID,
		})
		if err != nil {
			return err
		}
		s.logger.Info("workflow materialized from schedule",
			"schedule_id", sched.ID,
			"workflow_id", parent.ID,
			"steps", len(children))
		return nil

	default:
		return fmt.Errorf("schedule %s has neither a task template nor workflow steps", sched.ID)
	}
}
