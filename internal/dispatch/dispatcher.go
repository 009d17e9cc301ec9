package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/resolver"
	"github.com/dagrun/dagrun/internal/store"
	"github.com/dagrun/dagrun/internal/workers"
)

var ErrCycleDetected = errors.New("dependency cycle detected")

// Transport delivers an assignment to a worker. Delivery is asynchronous;
// the worker reports back through ReportResult.
type Transport interface {
	Assign(workerID jobs.WorkerID, job *jobs.Job) error
}

// BackoffFunc computes the retry delay for a given attempt number.
type BackoffFunc func(attempt int) time.Duration

const (
	defaultPollInterval     = 2 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
	defaultBatchSize        = 2
)

// assignment tracks an in-flight job. attempt is the job's retry count at
// dispatch time, so a late report from a reaped attempt cannot be mistaken
// for the current one. deadline is zero when the job has no timeout.
type assignment struct {
	workerID jobs.WorkerID
	attempt  int
	deadline time.Time
}

// Dispatcher owns every job status transition. It drives the
// pending->queued->running->terminal lifecycle from a single poll loop;
// all writes are conditioned on the previously read status, so a stale
// snapshot costs a skipped tick, never a double dispatch.
type Dispatcher struct {
	store     store.Store
	resolver  *resolver.Resolver
	registry  *workers.Registry
	transport Transport
	logger    *slog.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration
	batchSize        int
	clock            func() time.Time
	backoffFn        BackoffFunc

	mu      sync.Mutex
	running map[jobs.JobID]assignment

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Dispatcher)

func WithInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.interval = d }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.heartbeatTimeout = d }
}

// WithBatchSize sets the chunk size for batch-mode workflows.
func WithBatchSize(n int) Option {
	return func(disp *Dispatcher) { disp.batchSize = n }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(disp *Dispatcher) { disp.clock = clock }
}

func WithBackoff(fn BackoffFunc) Option {
	return func(disp *Dispatcher) { disp.backoffFn = fn }
}

func New(st store.Store, registry *workers.Registry, transport Transport, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		store:            st,
		resolver:         resolver.New(st),
		registry:         registry,
		transport:        transport,
		logger:           logger,
		interval:         defaultPollInterval,
		heartbeatTimeout: defaultHeartbeatTimeout,
		batchSize:        defaultBatchSize,
		clock:            time.Now,
		backoffFn:        calculateBackoff,
		running:          make(map[jobs.JobID]assignment),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SubmitJob validates and persists a single pending job. Unknown dependency
// ids are rejected here rather than at resolution time, so a typo fails
// fast instead of blocking forever.
func (d *Dispatcher) SubmitJob(ctx context.Context, spec jobs.JobSpec) (*jobs.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Type.Container() {
		return nil, fmt.Errorf("%w: %s jobs are created through workflow submission", jobs.ErrInvalidSpec, spec.Type)
	}

	for _, depID := range spec.Dependencies {
		if _, err := d.store.GetJob(ctx, depID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", jobs.ErrUnknownDependency, depID)
			}
			return nil, fmt.Errorf("failed to check dependency %s: %w", depID, err)
		}
	}

	job := jobs.New(spec)
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	d.logger.Info("job submitted",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_type", job.Type,
		"dependencies", len(job.Dependencies))
	return job, nil
}

// SubmitWorkflow creates one job per step plus a parent record, with
// dependencies wired by execution mode: sequential chains each step to the
// previous, parallel releases all steps at once, batch chains fixed-size
// chunks. The parent depends on every step, so it becomes ready exactly
// when the workflow is done and fails when any step fails.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, spec jobs.WorkflowSpec) (*jobs.Job, []*jobs.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}

	parent := jobs.New(jobs.JobSpec{
		Name:        spec.Name,
		Type:        jobs.TypeWorkflow,
		Priority:    jobs.PriorityDefault,
		ScheduledBy: spec.ScheduledBy,
	})
	parent.ExecutionMode = spec.Mode

	children := make([]*jobs.Job, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		child := jobs.New(jobs.JobSpec{
			Name:        step.Name,
			Type:        step.Type,
			Payload:     step.Payload,
			Priority:    step.Priority,
			ParentJobID: parent.ID,
			MaxRetries:  step.MaxRetries,
			Timeout:     step.Timeout,
			ScheduledBy: spec.ScheduledBy,
		})
		children = append(children, child)
	}

	wireSteps(children, spec.Mode, d.batchSize)

	for _, child := range children {
		parent.Dependencies = append(parent.Dependencies, child.ID)
	}

	if cycles := resolver.DetectCycles(children); len(cycles) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrCycleDetected, formatCycles(cycles))
	}

	batch := append(append([]*jobs.Job(nil), children...), parent)
	if err := d.store.CreateJobs(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	d.logger.Info("workflow submitted",
		"workflow_id", parent.ID,
		"workflow_name", parent.Name,
		"mode", spec.Mode,
		"steps", len(children))
	return parent, children, nil
}

func wireSteps(steps []*jobs.Job, mode jobs.ExecutionMode, batchSize int) {
	switch mode {
	case jobs.ModeSequential:
		for i := 1; i < len(steps); i++ {
			steps[i].Dependencies = []jobs.JobID{steps[i-1].ID}
		}
	case jobs.ModeParallel:
		// No inter-step edges.
	case jobs.ModeBatch:
		if batchSize < 1 {
			batchSize = 1
		}
		var prevChunk []jobs.JobID
		for start := 0; start < len(steps); start += batchSize {
			end := start + batchSize
			if end > len(steps) {
				end = len(steps)
			}
			chunk := make([]jobs.JobID, 0, end-start)
			for _, step := range steps[start:end] {
				step.Dependencies = append([]jobs.JobID(nil), prevChunk...)
				chunk = append(chunk, step.ID)
			}
			prevChunk = chunk
		}
	}
}

// CancelJob cancels a pending or queued job and cascades to everything that
// can no longer complete: transitive dependents, and for workflow parents
// their descendant steps. Returns false when the job is running or already
// terminal.
func (d *Dispatcher) CancelJob(ctx context.Context, id jobs.JobID) (bool, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if !job.Status.Cancellable() {
		return false, nil
	}

	if err := d.cancelOne(ctx, job, "cancelled by request"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	d.cascadeCancel(ctx, job, fmt.Sprintf("dependency %s cancelled", job.ID))
	return true, nil
}

func (d *Dispatcher) cancelOne(ctx context.Context, job *jobs.Job, reason string) error {
	if err := d.store.Transition(ctx, job.ID, job.Status, jobs.StatusCancelled, reason); err != nil {
		return err
	}

	result := &jobs.JobResult{
		JobID:     job.ID,
		Success:   false,
		Error:     reason,
		CreatedAt: d.clock().UTC(),
	}
	if err := d.store.SaveResult(ctx, result); err != nil && !errors.Is(err, store.ErrDuplicateResult) {
		d.logger.Error("failed to record cancellation result", "job_id", job.ID, "error", err)
	}

	d.logger.Info("job cancelled", "job_id", job.ID, "reason", reason)
	return nil
}

func (d *Dispatcher) cascadeCancel(ctx context.Context, root *jobs.Job, reason string) {
	targets := d.cascadeTargets(ctx, root)
	for _, target := range targets {
		if err := d.cancelOne(ctx, target, reason); err != nil && !errors.Is(err, store.ErrConflict) {
			d.logger.Error("failed to cancel dependent job", "job_id", target.ID, "error", err)
		}
	}
}

// cascadeTargets collects every active job reachable from root along
// reverse dependency edges or parent-child edges, breadth first.
func (d *Dispatcher) cascadeTargets(ctx context.Context, root *jobs.Job) []*jobs.Job {
	visited := map[jobs.JobID]bool{root.ID: true}
	frontier := []jobs.JobID{root.ID}
	var out []*jobs.Job

	for len(frontier) > 0 {
		var next []jobs.JobID
		for _, cur := range frontier {
			dependents, err := d.resolver.Dependents(ctx, cur)
			if err != nil {
				d.logger.Error("failed to list dependents", "job_id", cur, "error", err)
				continue
			}
			children, err := d.store.Children(ctx, cur)
			if err != nil {
				d.logger.Error("failed to list children", "job_id", cur, "error", err)
				continue
			}
			for _, j := range append(dependents, children...) {
				if visited[j.ID] || !j.Status.Active() {
					continue
				}
				visited[j.ID] = true
				out = append(out, j)
				next = append(next, j.ID)
			}
		}
		frontier = next
	}
	return out
}

// StatusView is the read-only snapshot returned to callers.
type StatusView struct {
	Job      *jobs.Job       `json:"job"`
	Result   *jobs.JobResult `json:"result,omitempty"`
	Children []*jobs.Job     `json:"children,omitempty"`
}

func (d *Dispatcher) Status(ctx context.Context, id jobs.JobID) (*StatusView, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{Job: job}

	result, err := d.store.GetResult(ctx, id)
	if err == nil {
		view.Result = result
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if job.Type.Container() {
		children, err := d.store.Children(ctx, id)
		if err != nil {
			return nil, err
		}
		view.Children = children
	}

	return view, nil
}

// DependencyChain exposes the resolver's transitive dependency closure for
// observability.
func (d *Dispatcher) DependencyChain(ctx context.Context, id jobs.JobID) ([]jobs.JobID, error) {
	return d.resolver.DependencyChain(ctx, id)
}

// Stats is the dispatcher's observability snapshot.
type Stats struct {
	Jobs          map[jobs.JobStatus]int `json:"jobs"`
	ActiveWorkers int                    `json:"active_workers"`
	InFlight      int                    `json:"in_flight"`
}

func (d *Dispatcher) Stats(ctx context.Context) (*Stats, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	inFlight := len(d.running)
	d.mu.Unlock()

	return &Stats{
		Jobs:          counts,
		ActiveWorkers: d.registry.Count(),
		InFlight:      inFlight,
	}, nil
}

// Start launches the dispatch poll loop.
func (d *Dispatcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.logger.Info("dispatcher started", "poll_interval", d.interval)
		for {
			select {
			case <-loopCtx.Done():
				d.logger.Info("dispatcher stopped")
				return
			case <-ticker.C:
				d.Tick(loopCtx)
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// Tick runs one dispatch cycle: recover lost and timed-out work, then
// classify due jobs and hand the ready ones to workers. Store errors are
// logged and retried next tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.clock()

	d.reapDeadWorkers(ctx)
	d.reapTimeouts(ctx, now)

	due, err := d.store.DuePending(ctx, now)
	if err != nil {
		d.logger.Error("failed to list due jobs", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	res, err := d.resolver.Resolve(ctx, due)
	if err != nil {
		d.logger.Error("failed to resolve dependencies", "error", err)
		return
	}

	byID := make(map[jobs.JobID]*jobs.Job, len(due))
	for _, j := range due {
		byID[j.ID] = j
	}

	// Jobs that jointly form a cycle (possible with concurrent submissions)
	// can never become ready; fail them all explicitly.
	for _, cycle := range res.Cycles {
		msg := fmt.Sprintf("%s: %s", ErrCycleDetected, joinIDs(cycle))
		for _, id := range cycle {
			if job, ok := byID[id]; ok {
				d.failJob(ctx, job, msg)
			}
		}
	}

	for id, failedIDs := range res.FailedDeps {
		if job, ok := byID[id]; ok {
			d.failJob(ctx, job, fmt.Sprintf("dependency failed: %s", joinIDs(failedIDs)))
		}
	}

	// Ready jobs arrive ordered by priority then creation time; the store
	// query guarantees it.
	for _, job := range res.Ready {
		if job.Type.Container() {
			d.finalizeParent(ctx, job)
			continue
		}
		d.assign(ctx, job, now)
	}
}

func (d *Dispatcher) assign(ctx context.Context, job *jobs.Job, now time.Time) {
	workerID, found := d.registry.Select(job.Type)
	if !found {
		// Ready but no eligible worker: park as queued until one shows up.
		if job.Status == jobs.StatusPending {
			if err := d.store.Transition(ctx, job.ID, jobs.StatusPending, jobs.StatusQueued, ""); err != nil && !errors.Is(err, store.ErrConflict) {
				d.logger.Error("failed to queue job", "job_id", job.ID, "error", err)
			}
		}
		return
	}

	if err := d.store.Transition(ctx, job.ID, job.Status, jobs.StatusRunning, ""); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := d.transport.Assign(workerID, job); err != nil {
		d.logger.Error("failed to deliver job to worker",
			"job_id", job.ID,
			"worker_id", workerID,
			"error", err)
		// Undelivered: return to pending without consuming a retry.
		if revertErr := d.store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.StatusPending, ""); revertErr != nil {
			d.logger.Error("failed to revert undelivered job", "job_id", job.ID, "error", revertErr)
		}
		return
	}

	var deadline time.Time
	if job.Timeout > 0 {
		deadline = now.Add(job.Timeout)
	}
	d.mu.Lock()
	d.running[job.ID] = assignment{workerID: workerID, attempt: job.RetryCount, deadline: deadline}
	d.mu.Unlock()
	d.registry.AddLoad(workerID, 1)

	d.logger.Info("job dispatched",
		"job_id", job.ID,
		"job_type", job.Type,
		"worker_id", workerID,
		"priority", job.Priority)
}

// finalizeParent completes a workflow parent whose children have all
// completed, folding their outputs into the parent's result.
func (d *Dispatcher) finalizeParent(ctx context.Context, parent *jobs.Job) {
	agg, err := d.resolver.AggregateResults(ctx, parent.ID)
	if err != nil {
		d.logger.Error("failed to aggregate workflow results", "workflow_id", parent.ID, "error", err)
		return
	}

	output, err := json.Marshal(agg)
	if err != nil {
		d.logger.Error("failed to encode workflow aggregate", "workflow_id", parent.ID, "error", err)
		return
	}

	if err := d.store.Transition(ctx, parent.ID, parent.Status, jobs.StatusCompleted, ""); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.logger.Error("failed to complete workflow", "workflow_id", parent.ID, "error", err)
		}
		return
	}

	result := &jobs.JobResult{
		JobID:     parent.ID,
		Success:   true,
		Output:    output,
		CreatedAt: d.clock().UTC(),
	}
	if err := d.store.SaveResult(ctx, result); err != nil && !errors.Is(err, store.ErrDuplicateResult) {
		d.logger.Error("failed to record workflow result", "workflow_id", parent.ID, "error", err)
	}

	d.logger.Info("workflow completed", "workflow_id", parent.ID, "steps", len(agg.Results))
}

// ReportResult is the asynchronous completion callback workers invoke.
// attempt is the job's retry count as dispatched to the worker. A report for
// a job no longer running (cancelled, timed out, reassigned) or for an
// attempt that has been superseded is discarded.
func (d *Dispatcher) ReportResult(ctx context.Context, jobID jobs.JobID, workerID jobs.WorkerID, attempt int, output json.RawMessage, execErr error) error {
	d.mu.Lock()
	asg, inFlight := d.running[jobID]
	matched := inFlight && asg.workerID == workerID && asg.attempt == attempt
	if matched {
		delete(d.running, jobID)
	}
	d.mu.Unlock()

	if inFlight && !matched {
		// A reaped attempt reporting late while its successor is still
		// executing; the successor's entry stays in place.
		d.logger.Warn("discarding report from superseded attempt",
			"job_id", jobID,
			"worker_id", workerID,
			"attempt", attempt)
		return nil
	}
	if matched {
		d.registry.AddLoad(asg.workerID, -1)
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusRunning {
		d.logger.Warn("discarding stale result report",
			"job_id", jobID,
			"worker_id", workerID,
			"status", job.Status)
		return nil
	}

	if execErr == nil {
		return d.completeJob(ctx, job, output)
	}

	d.handleExecutionFailure(ctx, job, execErr.Error())
	return nil
}

func (d *Dispatcher) completeJob(ctx context.Context, job *jobs.Job, output json.RawMessage) error {
	if err := d.store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.StatusCompleted, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			d.logger.Warn("discarding result for job no longer running", "job_id", job.ID)
			return nil
		}
		return err
	}

	result := &jobs.JobResult{
		JobID:     job.ID,
		Success:   true,
		Output:    output,
		CreatedAt: d.clock().UTC(),
	}
	if err := d.store.SaveResult(ctx, result); err != nil && !errors.Is(err, store.ErrDuplicateResult) {
		return err
	}

	d.logger.Info("job completed", "job_id", job.ID, "attempts", job.RetryCount+1)
	return nil
}

// handleExecutionFailure applies the retry policy: reschedule with backoff
// while attempts remain, otherwise fail permanently and cascade to
// dependents. Worker loss and timeouts funnel through here too.
func (d *Dispatcher) handleExecutionFailure(ctx context.Context, job *jobs.Job, msg string) {
	if job.RetryCount < job.MaxRetries {
		runAt := d.clock().Add(d.backoffFn(job.RetryCount))
		if err := d.store.ScheduleRetry(ctx, job.ID, job.RetryCount+1, runAt); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				d.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
			}
			return
		}
		d.logger.Warn("job failed, will retry",
			"job_id", job.ID,
			"attempt", job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"retry_at", runAt,
			"error", msg)
		return
	}

	d.failJob(ctx, job, msg)
}

// failJob marks a job failed, records its result and propagates failure to
// every dependent, transitively. Conditional transitions make the cascade
// idempotent when it races a concurrent cycle.
func (d *Dispatcher) failJob(ctx context.Context, job *jobs.Job, msg string) {
	if err := d.store.Transition(ctx, job.ID, job.Status, jobs.StatusFailed, msg); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	result := &jobs.JobResult{
		JobID:     job.ID,
		Success:   false,
		Error:     msg,
		CreatedAt: d.clock().UTC(),
	}
	if job.Type.Container() {
		if agg, err := d.resolver.AggregateResults(ctx, job.ID); err == nil {
			if output, mErr := json.Marshal(agg); mErr == nil {
				result.Output = output
			}
			if len(agg.Errors) > 0 {
				result.Error = fmt.Sprintf("%s; %s", msg, strings.Join(agg.Errors, "; "))
			}
		}
	}
	if err := d.store.SaveResult(ctx, result); err != nil && !errors.Is(err, store.ErrDuplicateResult) {
		d.logger.Error("failed to record failure result", "job_id", job.ID, "error", err)
	}

	d.logger.Error("job failed permanently", "job_id", job.ID, "error", result.Error)

	dependents, err := d.resolver.Dependents(ctx, job.ID)
	if err != nil {
		d.logger.Error("failed to list dependents for failure cascade", "job_id", job.ID, "error", err)
		return
	}
	for _, dep := range dependents {
		d.failJob(ctx, dep, fmt.Sprintf("dependency failed: %s", job.ID))
	}
}

// reapDeadWorkers fails over jobs running on workers that stopped
// heartbeating; the jobs are retryable, not lost.
func (d *Dispatcher) reapDeadWorkers(ctx context.Context) {
	dead := d.registry.Reap(d.heartbeatTimeout)
	if len(dead) == 0 {
		return
	}

	deadSet := make(map[jobs.WorkerID]bool, len(dead))
	for _, id := range dead {
		deadSet[id] = true
		d.logger.Warn("worker heartbeat timed out", "worker_id", id)
	}

	for _, jobID := range d.takeRunning(func(asg assignment) bool { return deadSet[asg.workerID] }) {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			d.logger.Error("failed to load job of dead worker", "job_id", jobID, "error", err)
			continue
		}
		d.handleExecutionFailure(ctx, job, "worker lost: heartbeat timed out")
	}
}

// reapTimeouts treats a running job whose timeout elapsed without a result
// like a worker-reported failure.
func (d *Dispatcher) reapTimeouts(ctx context.Context, now time.Time) {
	expired := d.takeRunning(func(asg assignment) bool {
		return !asg.deadline.IsZero() && asg.deadline.Before(now)
	})

	for _, jobID := range expired {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			d.logger.Error("failed to load timed-out job", "job_id", jobID, "error", err)
			continue
		}
		d.handleExecutionFailure(ctx, job, fmt.Sprintf("execution timed out after %s", job.Timeout))
	}
}

// takeRunning removes and returns the in-flight jobs matching the
// predicate, releasing their workers' load.
func (d *Dispatcher) takeRunning(match func(assignment) bool) []jobs.JobID {
	d.mu.Lock()
	var out []jobs.JobID
	var freed []jobs.WorkerID
	for id, asg := range d.running {
		if match(asg) {
			out = append(out, id)
			freed = append(freed, asg.workerID)
			delete(d.running, id)
		}
	}
	d.mu.Unlock()

	for _, workerID := range freed {
		d.registry.AddLoad(workerID, -1)
	}
	return out
}

func joinIDs(ids []jobs.JobID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func formatCycles(cycles [][]jobs.JobID) string {
	parts := make([]string, len(cycles))
	for i, cycle := range cycles {
		parts[i] = joinIDs(cycle)
	}
	return strings.Join(parts, "; ")
}

func calculateBackoff(attempt int) time.Duration {
	const (
		baseDelay = time.Second
		maxDelay  = 2 * time.Minute
	)

	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
