package workers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dagrun/dagrun/internal/jobs"
)

var ErrUnknownWorker = errors.New("worker not registered")

// Registry tracks connected execution workers. It is purely in-memory:
// workers re-register on reconnect and the dispatcher treats jobs on
// vanished workers as failed-and-retryable, so nothing here needs to
// survive a restart.
type Registry struct {
	mu      sync.RWMutex
	workers map[jobs.WorkerID]*jobs.Worker
	clock   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[jobs.WorkerID]*jobs.Worker),
		clock:   time.Now,
	}
}

// SetClock injects a time source for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Register adds (or replaces) a worker. Re-registering resets load and
// heartbeat state.
func (r *Registry) Register(id jobs.WorkerID, capabilities []jobs.JobType) *jobs.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	w := &jobs.Worker{
		ID:            id,
		Capabilities:  append([]jobs.JobType(nil), capabilities...),
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	r.workers[id] = w
	return cloneWorker(w)
}

func (r *Registry) Heartbeat(id jobs.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}
	w.LastHeartbeat = r.clock()
	return nil
}

func (r *Registry) Unregister(id jobs.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

func (r *Registry) Get(id jobs.WorkerID) (*jobs.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, false
	}
	return cloneWorker(w), true
}

func (r *Registry) List() []*jobs.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*jobs.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Select picks the worker to offer a job of type t: capability match, then
// least loaded, then most recently heartbeated, then smallest id. The
// ordering is total, so selection is deterministic for a given registry
// state.
func (r *Registry) Select(t jobs.JobType) (jobs.WorkerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *jobs.Worker
	for _, w := range r.workers {
		if !w.CanExecute(t) {
			continue
		}
		if best == nil || better(w, best) {
			best = w
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func better(a, b *jobs.Worker) bool {
	if a.ActiveJobs != b.ActiveJobs {
		return a.ActiveJobs < b.ActiveJobs
	}
	if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
		return a.LastHeartbeat.After(b.LastHeartbeat)
	}
	return a.ID < b.ID
}

// AddLoad adjusts a worker's active-job count by delta (negative on job
// completion).
func (r *Registry) AddLoad(id jobs.WorkerID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, exists := r.workers[id]; exists {
		w.ActiveJobs += delta
		if w.ActiveJobs < 0 {
			w.ActiveJobs = 0
		}
	}
}

// Reap removes workers whose last heartbeat is older than timeout and
// returns their ids so the dispatcher can recover their jobs.
func (r *Registry) Reap(timeout time.Duration) []jobs.WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-timeout)
	var dead []jobs.WorkerID
	for id, w := range r.workers {
		if w.LastHeartbeat.Before(cutoff) {
			dead = append(dead, id)
			delete(r.workers, id)
		}
	}
	sort.Slice(dead, func(i, k int) bool { return dead[i] < dead[k] })
	return dead
}

func cloneWorker(w *jobs.Worker) *jobs.Worker {
	clone := *w
	clone.Capabilities = append([]jobs.JobType(nil), w.Capabilities...)
	return &clone
}
