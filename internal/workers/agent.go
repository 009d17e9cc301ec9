package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dagrun/dagrun/internal/jobs"
)

var ErrAgentBusy = errors.New("agent assignment queue is full")

// ResultSink receives asynchronous execution reports. attempt echoes the
// job's retry count as assigned, so the sink can tell a live attempt from a
// superseded one. Implemented by the dispatcher.
type ResultSink interface {
	ReportResult(ctx context.Context, jobID jobs.JobID, workerID jobs.WorkerID, attempt int, output json.RawMessage, execErr error) error
}

const defaultHeartbeatInterval = 15 * time.Second

// Agent is an in-process execution worker: it registers itself with the
// registry, advertises the executor registry's types as capabilities,
// executes assigned payloads under their timeout and reports results back
// asynchronously. External worker fleets implement the same contract over
// whatever transport they like.
type Agent struct {
	id                jobs.WorkerID
	execs             *jobs.Registry
	registry          *Registry
	sink              ResultSink
	logger            *slog.Logger
	concurrency       int
	heartbeatInterval time.Duration

	assignments chan *jobs.Job
	cancel      context.CancelFunc
	done        chan struct{}
}

type AgentOption func(*Agent)

func WithConcurrency(n int) AgentOption {
	return func(a *Agent) { a.concurrency = n }
}

func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(a *Agent) { a.heartbeatInterval = d }
}

func NewAgent(execs *jobs.Registry, registry *Registry, sink ResultSink, logger *slog.Logger, opts ...AgentOption) *Agent {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		id:                jobs.NewWorkerID(),
		execs:             execs,
		registry:          registry,
		sink:              sink,
		logger:            logger,
		concurrency:       4,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.assignments = make(chan *jobs.Job, a.concurrency)
	a.logger = a.logger.With("worker_id", a.id)
	return a
}

func (a *Agent) ID() jobs.WorkerID {
	return a.id
}

func (a *Agent) Start(ctx context.Context) {
	a.registry.Register(a.id, a.execs.Types())

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)

		g := new(errgroup.Group)
		g.Go(func() error {
			a.heartbeatLoop(runCtx)
			return nil
		})
		for i := 0; i < a.concurrency; i++ {
			g.Go(func() error {
				a.executeLoop(runCtx)
				return nil
			})
		}
		g.Wait()
		a.registry.Unregister(a.id)
	}()

	a.logger.Info("worker agent started", "capabilities", a.execs.Types(), "concurrency", a.concurrency)
}

func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// Assign hands a job to the agent without blocking the dispatch loop.
func (a *Agent) Assign(job *jobs.Job) error {
	select {
	case a.assignments <- job:
		return nil
	default:
		return fmt.Errorf("worker %s: %w", a.id, ErrAgentBusy)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Heartbeat(a.id); err != nil {
				// Reaped while alive (e.g. a long stall); re-register.
				a.registry.Register(a.id, a.execs.Types())
			}
		}
	}
}

func (a *Agent) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.assignments:
			a.execute(ctx, job)
		}
	}
}

func (a *Agent) execute(ctx context.Context, job *jobs.Job) {
	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	started := time.Now()
	output, execErr := a.execs.Execute(jobCtx, job)
	if execErr != nil {
		a.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration", time.Since(started),
			"error", execErr)
	} else {
		a.logger.Info("job executed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration", time.Since(started))
	}

	if err := a.sink.ReportResult(ctx, job.ID, a.id, job.RetryCount, output, execErr); err != nil {
		a.logger.Error("failed to report job result", "job_id", job.ID, "error", err)
	}
}

// LocalTransport routes dispatcher assignments to in-process agents.
type LocalTransport struct {
	mu     sync.RWMutex
	agents map[jobs.WorkerID]*Agent
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		agents: make(map[jobs.WorkerID]*Agent),
	}
}

func (t *LocalTransport) Attach(a *Agent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[a.ID()] = a
}

func (t *LocalTransport) Detach(id jobs.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, id)
}

func (t *LocalTransport) Assign(workerID jobs.WorkerID, job *jobs.Job) error {
	t.mu.RLock()
	agent, exists := t.agents[workerID]
	t.mu.RUnlock()

	if !exists {
		return fmt.Errorf("worker %s: %w", workerID, ErrUnknownWorker)
	}
	return agent.Assign(job)
}
