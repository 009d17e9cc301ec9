package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/store"
)

// Reader is the slice of the store the resolver needs. The resolver never
// mutates jobs; it classifies them for the dispatcher to act on.
type Reader interface {
	GetJob(ctx context.Context, id jobs.JobID) (*jobs.Job, error)
	ListActive(ctx context.Context) ([]*jobs.Job, error)
	Children(ctx context.Context, parent jobs.JobID) ([]*jobs.Job, error)
	GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error)
}

// Resolution buckets a candidate set by dependency readiness.
type Resolution struct {
	// Ready jobs have every dependency completed.
	Ready []*jobs.Job
	// Blocked jobs wait on dependencies that are neither completed nor
	// failed, including dependencies whose status is unknown.
	Blocked []*jobs.Job
	// FailedDeps maps a candidate to the dependency ids that failed (or
	// were cancelled). The caller must fail these candidates explicitly;
	// they are never silently skipped.
	FailedDeps map[jobs.JobID][]jobs.JobID
	// Cycles lists dependency cycles found inside the candidate set.
	Cycles [][]jobs.JobID
}

// Resolver classifies jobs against current persisted state. It is
// deliberately stateless: every call re-derives the graph from the store,
// because jobs can be added or cancelled concurrently and a cached graph
// would misclassify readiness.
type Resolver struct {
	store Reader
}

func New(st Reader) *Resolver {
	return &Resolver{store: st}
}

// Resolve classifies each candidate as ready, blocked or failed-by-
// dependency. Dependency statuses come from the candidate set itself when
// present, otherwise from a store lookup; a dependency the store does not
// know is treated as "status unknown", which blocks the candidate.
func (r *Resolver) Resolve(ctx context.Context, candidates []*jobs.Job) (*Resolution, error) {
	res := &Resolution{FailedDeps: make(map[jobs.JobID][]jobs.JobID)}
	res.Cycles = DetectCycles(candidates)

	inCycle := make(map[jobs.JobID]struct{})
	for _, cycle := range res.Cycles {
		for _, id := range cycle {
			inCycle[id] = struct{}{}
		}
	}

	byID := make(map[jobs.JobID]*jobs.Job, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	statusCache := make(map[jobs.JobID]jobs.JobStatus)
	lookup := func(id jobs.JobID) (jobs.JobStatus, bool, error) {
		if dep, ok := byID[id]; ok {
			return dep.Status, true, nil
		}
		if status, ok := statusCache[id]; ok {
			return status, status != "", nil
		}
		dep, err := r.store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				statusCache[id] = ""
				return "", false, nil
			}
			return "", false, err
		}
		statusCache[id] = dep.Status
		return dep.Status, true, nil
	}

	for _, c := range candidates {
		if _, cyclic := inCycle[c.ID]; cyclic {
			continue
		}

		var failed []jobs.JobID
		completed := 0
		for _, depID := range c.Dependencies {
			status, known, err := lookup(depID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve dependency %s of job %s: %w", depID, c.ID, err)
			}
			if !known {
				continue
			}
			switch status {
			case jobs.StatusCompleted:
				completed++
			case jobs.StatusFailed, jobs.StatusCancelled:
				// A cancelled dependency can never complete, so it
				// fails its dependents the same way a failed one does.
				failed = append(failed, depID)
			}
		}

		switch {
		case len(failed) > 0:
			res.FailedDeps[c.ID] = failed
		case completed == len(c.Dependencies):
			res.Ready = append(res.Ready, c)
		default:
			res.Blocked = append(res.Blocked, c)
		}
	}

	return res, nil
}

// DetectCycles finds dependency cycles within the given set via depth-first
// search with a recursion stack. References to jobs outside the set are
// external dependencies and never form part of a cycle. Terminates on any
// finite input, dangling references included.
func DetectCycles(set []*jobs.Job) [][]jobs.JobID {
	byID := make(map[jobs.JobID]*jobs.Job, len(set))
	for _, j := range set {
		byID[j.ID] = j
	}

	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[jobs.JobID]int, len(set))
	var stack []jobs.JobID
	var cycles [][]jobs.JobID
	seen := make(map[string]struct{})

	var visit func(id jobs.JobID)
	visit = func(id jobs.JobID) {
		state[id] = inStack
		stack = append(stack, id)

		for _, depID := range byID[id].Dependencies {
			if _, known := byID[depID]; !known {
				continue
			}
			switch state[depID] {
			case unvisited:
				visit(depID)
			case inStack:
				// Back edge: the cycle is the current path from the
				// repeated node onward.
				for i, onPath := range stack {
					if onPath == depID {
						cycle := append([]jobs.JobID(nil), stack[i:]...)
						if key := cycleKey(cycle); key != "" {
							if _, dup := seen[key]; !dup {
								seen[key] = struct{}{}
								cycles = append(cycles, cycle)
							}
						}
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, j := range sortedByCreation(set) {
		if state[j.ID] == unvisited {
			visit(j.ID)
		}
	}

	return cycles
}

// cycleKey canonicalizes a cycle (rotated so its smallest id leads) so the
// same cycle discovered from different entry points is reported once.
func cycleKey(cycle []jobs.JobID) string {
	if len(cycle) == 0 {
		return ""
	}
	min := 0
	for i := range cycle {
		if cycle[i] < cycle[min] {
			min = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	for i := 0; i < len(cycle); i++ {
		rotated = append(rotated, string(cycle[(min+i)%len(cycle)]))
	}
	return strings.Join(rotated, "->")
}

// TopoSort orders the set dependencies-first via depth-first post-order.
// Stable for acyclic input; behavior on cyclic input is undefined by
// contract — run DetectCycles first.
func TopoSort(set []*jobs.Job) []*jobs.Job {
	byID := make(map[jobs.JobID]*jobs.Job, len(set))
	for _, j := range set {
		byID[j.ID] = j
	}

	visited := make(map[jobs.JobID]bool, len(set))
	out := make([]*jobs.Job, 0, len(set))

	var visit func(j *jobs.Job)
	visit = func(j *jobs.Job) {
		visited[j.ID] = true
		for _, depID := range j.Dependencies {
			if dep, known := byID[depID]; known && !visited[depID] {
				visit(dep)
			}
		}
		out = append(out, j)
	}

	for _, j := range sortedByCreation(set) {
		if !visited[j.ID] {
			visit(j)
		}
	}

	return out
}

// DependencyChain returns the transitive closure of dependencies reachable
// from id, deduplicated, dependencies before dependents. The root itself is
// not included. Ids the store does not know appear as leaves.
func (r *Resolver) DependencyChain(ctx context.Context, id jobs.JobID) ([]jobs.JobID, error) {
	root, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	visited := map[jobs.JobID]bool{id: true}
	var chain []jobs.JobID

	var visit func(depID jobs.JobID) error
	visit = func(depID jobs.JobID) error {
		visited[depID] = true
		dep, err := r.store.GetJob(ctx, depID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				chain = append(chain, depID)
				return nil
			}
			return err
		}
		for _, next := range dep.Dependencies {
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		chain = append(chain, depID)
		return nil
	}

	for _, depID := range root.Dependencies {
		if !visited[depID] {
			if err := visit(depID); err != nil {
				return nil, err
			}
		}
	}

	return chain, nil
}

// Dependents returns the active jobs that directly depend on id.
func (r *Resolver) Dependents(ctx context.Context, id jobs.JobID) ([]*jobs.Job, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var out []*jobs.Job
	for _, j := range active {
		if j.DependsOn(id) {
			out = append(out, j)
		}
	}
	return out, nil
}

// TransitiveDependents returns every active job reachable from id along
// reverse dependency edges, in breadth-first order. Used for cascading
// cancellation and failure.
func (r *Resolver) TransitiveDependents(ctx context.Context, id jobs.JobID) ([]*jobs.Job, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	frontier := []jobs.JobID{id}
	visited := map[jobs.JobID]bool{id: true}
	var out []*jobs.Job

	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, cur := range frontier {
			for _, j := range active {
				if !visited[j.ID] && j.DependsOn(cur) {
					visited[j.ID] = true
					out = append(out, j)
					next = append(next, j.ID)
				}
			}
		}
		frontier = next
	}

	return out, nil
}

// Aggregate folds the children of a workflow or composite parent into a
// single result view.
type Aggregate struct {
	Results    map[jobs.JobID]json.RawMessage `json:"results"`
	AllSuccess bool                           `json:"all_success"`
	Errors     []string                       `json:"errors,omitempty"`
}

// AggregateResults gathers every child's result. Overall success requires
// every child to have a successful result; each failed child contributes an
// error message. Calling it again without new child completions yields the
// same aggregate.
func (r *Resolver) AggregateResults(ctx context.Context, parent jobs.JobID) (*Aggregate, error) {
	children, err := r.store.Children(ctx, parent)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		Results:    make(map[jobs.JobID]json.RawMessage, len(children)),
		AllSuccess: true,
	}

	for _, child := range children {
		result, err := r.store.GetResult(ctx, child.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				agg.AllSuccess = false
				continue
			}
			return nil, err
		}

		agg.Results[child.ID] = result.Output
		if !result.Success {
			agg.AllSuccess = false
			agg.Errors = append(agg.Errors, fmt.Sprintf("step %s (%s): %s", child.Name, child.ID, result.Error))
		}
	}

	return agg, nil
}

func sortedByCreation(set []*jobs.Job) []*jobs.Job {
	sorted := append([]*jobs.Job(nil), set...)
	sort.Slice(sorted, func(i, k int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[k].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[k].CreatedAt)
		}
		return sorted[i].ID < sorted[k].ID
	})
	return sorted
}
