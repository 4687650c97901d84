package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DependentIDs names the wrappers that depend on a task being added.
// The zero value is the top-level marker: no task depends on this one.
// Top-level is distinct from an explicit empty list, which Add rejects
// as a caller bug.
type DependentIDs struct {
	ids           []string
	hasDependents bool
}

// TopLevel marks a task that no other task depends on. Top-level tasks
// are subject to the graph's admission limit.
func TopLevel() DependentIDs {
	return DependentIDs{}
}

// Dependents lists the ids of wrappers already in the graph that depend
// on the task being added.
func Dependents(ids ...string) DependentIDs {
	return DependentIDs{ids: ids, hasDependents: true}
}

func (d DependentIDs) IsTopLevel() bool { return !d.hasDependents }
func (d DependentIDs) IDs() []string    { return d.ids }

func (d DependentIDs) String() string {
	if d.IsTopLevel() {
		return "<top-level>"
	}
	return fmt.Sprintf("%v", d.ids)
}

// InvalidDependencyError is returned by Add when a dependent id does not
// name a wrapper in the graph, or when a non-top-level task is added with
// no dependent ids at all. Both indicate the surrounding orchestration
// built the graph incorrectly.
type InvalidDependencyError struct {
	DependentID string
	Reason      string
}

func (e *InvalidDependencyError) Error() string {
	if e.DependentID != "" {
		return fmt.Sprintf("invalid dependency: %s (dependent task id %q)", e.Reason, e.DependentID)
	}
	return "invalid dependency: " + e.Reason
}

// TaskWrapper embeds a Task in the dependency graph.
//
// DependencyCount is the wrapper's in-degree: the number of unretired
// wrappers that must finish before this task may run. IsSubmitted must be
// set by the executor before the wrapper is handed back to the graph via
// UpdateFromExecutedTask.
type TaskWrapper struct {
	ID              string
	Task            Task
	DependencyCount int
	DependentIDs    DependentIDs
	IsSubmitted     bool
}

// TaskGraph tracks dependencies between Task instances. All methods are
// safe for concurrent use.
//
// Adding a top-level task blocks while the graph already holds
// topLevelTaskLimit top-level tasks. This is the backpressure that keeps
// a fast producer (say, a directory listing fanning out copy tasks) from
// growing the graph without bound.
type TaskGraph struct {
	mu       sync.Mutex
	wrappers map[string]*TaskWrapper

	// Surrogate ids for tasks without a parallel processing key. An
	// entry lives exactly as long as the task's wrapper is in the
	// graph, so re-adding the same instance is caught as a duplicate.
	identities map[Task]string

	admission *semaphore.Weighted

	// Closed while the graph is empty; swapped for a fresh channel
	// whenever a wrapper is inserted into an empty graph.
	emptyCh chan struct{}
}

// NewTaskGraph creates an empty graph admitting at most topLevelTaskLimit
// resident top-level tasks.
func NewTaskGraph(topLevelTaskLimit int64) *TaskGraph {
	closed := make(chan struct{})
	close(closed)
	return &TaskGraph{
		wrappers:   make(map[string]*TaskWrapper),
		identities: make(map[Task]string),
		admission:  semaphore.NewWeighted(topLevelTaskLimit),
		emptyCh:    closed,
	}
}

// IsEmpty reports whether the graph currently holds no wrappers.
func (g *TaskGraph) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.wrappers) == 0
}

// Len returns the number of wrappers currently in the graph.
func (g *TaskGraph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.wrappers)
}

// WaitUntilEmpty blocks until the graph is empty or ctx is done.
func (g *TaskGraph) WaitUntilEmpty(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.emptyCh
		g.mu.Unlock()

		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Add registers task as a prerequisite of every wrapper named in deps.
//
// For top-level tasks this blocks until an admission slot is free or ctx
// is done. Returns (nil, nil) when the task is a duplicate of one already
// in the graph, identified by parallel processing key or, lacking one, by
// task instance identity.
func (g *TaskGraph) Add(ctx context.Context, task Task, deps DependentIDs) (*TaskWrapper, error) {
	if deps.IsTopLevel() {
		if err := g.admission.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	wrapper, err := g.addLocked(task, deps)
	if err != nil && deps.IsTopLevel() {
		g.admission.Release(1)
	}
	return wrapper, err
}

// addLocked implements Add under g.mu. The duplicate path releases the
// admission unit itself since it is not an error; error paths leave the
// release to the caller.
func (g *TaskGraph) addLocked(task Task, deps DependentIDs) (*TaskWrapper, error) {
	if !deps.IsTopLevel() && len(deps.IDs()) == 0 {
		// An empty dependent list would behave like a top-level task
		// that never releases an admission slot. Reject it instead.
		return nil, &InvalidDependencyError{Reason: "non-top-level task with no dependent ids"}
	}

	key := task.ParallelProcessingKey()
	var id string
	switch {
	case key != "":
		id = key
	default:
		if existing, ok := g.identities[task]; ok {
			id = existing
		} else {
			id = uuid.NewString()
		}
	}

	if _, exists := g.wrappers[id]; exists {
		if key != "" {
			log.Printf("Skipping %T for %q. This can occur when a copy results in multiple writes to the same resource.", task, key)
		} else {
			log.Printf("Skipping %T. This is probably due to a bug that caused it to be submitted for execution more than once.", task)
		}
		if deps.IsTopLevel() {
			g.admission.Release(1)
		}
		return nil, nil
	}

	// Validate every dependent id before mutating anything, so a bad id
	// midway through the list cannot leave counts partially bumped.
	for _, depID := range deps.IDs() {
		if _, ok := g.wrappers[depID]; !ok {
			return nil, &InvalidDependencyError{
				DependentID: depID,
				Reason:      "dependent task is not in the graph",
			}
		}
	}

	wrapper := &TaskWrapper{
		ID:           id,
		Task:         task,
		DependentIDs: deps,
	}

	for _, depID := range deps.IDs() {
		g.wrappers[depID].DependencyCount++
	}

	if key == "" {
		g.identities[task] = id
	}
	if len(g.wrappers) == 0 {
		g.emptyCh = make(chan struct{})
	}
	g.wrappers[id] = wrapper
	return wrapper, nil
}

// Complete retires wrapper from the graph if it is submitted and has no
// remaining dependencies, cascading the removal through its dependents.
// It returns every wrapper that became submittable as a result, in
// dependent-id order.
//
// A wrapper with zero dependencies that has never been submitted is not
// removed; it is returned as the task to submit.
func (g *TaskGraph) Complete(wrapper *TaskWrapper) []*TaskWrapper {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completeLocked(wrapper)
}

// completeLocked drains the completion cascade iteratively. The original
// formulation is recursive; an explicit stack keeps the lock plain and
// bounds goroutine stack growth on deep dependency chains.
func (g *TaskGraph) completeLocked(wrapper *TaskWrapper) []*TaskWrapper {
	var submittable []*TaskWrapper
	// A wrapper can be visited once per retired prerequisite; collect it
	// at most once.
	collected := make(map[string]bool)

	stack := []*TaskWrapper{wrapper}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.DependencyCount > 0 {
			// Still has unmet prerequisites; a later removal will
			// revisit it.
			continue
		}

		if !cur.IsSubmitted {
			// Dependency-free and never run: ready for its first
			// submission.
			if !collected[cur.ID] {
				collected[cur.ID] = true
				submittable = append(submittable, cur)
			}
			continue
		}

		// Dependency-free and already executed, so retire it.
		delete(g.wrappers, cur.ID)
		if cur.Task.ParallelProcessingKey() == "" {
			delete(g.identities, cur.Task)
		}

		if cur.DependentIDs.IsTopLevel() {
			g.admission.Release(1)
			if len(g.wrappers) == 0 {
				close(g.emptyCh)
			}
			continue
		}

		ids := cur.DependentIDs.IDs()
		for _, depID := range ids {
			if dep, ok := g.wrappers[depID]; ok {
				dep.DependencyCount--
			}
		}
		// Push in reverse so dependents are visited, and therefore
		// accumulated, in dependent-id order.
		for i := len(ids) - 1; i >= 0; i-- {
			if dep, ok := g.wrappers[ids[i]]; ok {
				stack = append(stack, dep)
			}
		}
	}
	return submittable
}

// UpdateFromExecutedTask folds the output of a finished task back into
// the graph: messages are delivered to the wrappers that depend on it,
// and any fan-out layers are wired in so that layer 0 runs next, then
// layer 1, and so on, with executed retiring only after all of them.
//
// Returns the wrappers that are ready for submission after the update.
func (g *TaskGraph) UpdateFromExecutedTask(executed *TaskWrapper, output *Output) ([]*TaskWrapper, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if output != nil && len(output.Messages) > 0 && !executed.DependentIDs.IsTopLevel() {
		for _, depID := range executed.DependentIDs.IDs() {
			if dep, ok := g.wrappers[depID]; ok {
				dep.Task.AppendReceivedMessages(output.Messages)
			}
		}
	}

	if output == nil || len(output.AdditionalTaskIterators) == 0 {
		// No new work spawned; the only newly runnable tasks are those
		// freed by retiring the executed one.
		return g.completeLocked(executed), nil
	}

	// Layers are presented in execution order but wired in reverse,
	// since a dependency edge can only point at a wrapper already in
	// the graph. Each added task lists the previous layer's wrappers
	// (or executed itself) as its dependents.
	parents := []*TaskWrapper{executed}
	spawned := false
	for i := len(output.AdditionalTaskIterators) - 1; i >= 0; i-- {
		ids := make([]string, len(parents))
		for j, p := range parents {
			ids[j] = p.ID
		}

		var next []*TaskWrapper
		iter := output.AdditionalTaskIterators[i]
		for {
			task, ok := iter.Next()
			if !ok {
				break
			}
			wrapper, err := g.addLocked(task, Dependents(ids...))
			if err != nil {
				return nil, err
			}
			if wrapper != nil {
				next = append(next, wrapper)
			}
		}

		// A layer whose tasks were all duplicates collapses out of the
		// chain: the next layer wires to the same parents this one
		// would have.
		if len(next) > 0 {
			parents = next
			spawned = true
		}
	}

	if !spawned {
		// Every spawned task was a duplicate, so executed has no live
		// descendants holding it in the graph. Retire it now.
		return g.completeLocked(executed), nil
	}
	return parents, nil
}
