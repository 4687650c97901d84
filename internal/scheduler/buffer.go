package scheduler

import (
	"fmt"
	"sync"
)

// TaskBuffer holds executable task wrappers between the graph and the
// worker queue. Prioritized wrappers (tasks spawned by other tasks) are
// handed out before unprioritized ones (tasks from the top-level
// iterator); this keeps memory bounded when a workload has a large
// branching factor, by draining fan-out before admitting new roots.
type TaskBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	prioritized   []*TaskWrapper
	unprioritized []*TaskWrapper
	closed        bool
}

// NewTaskBuffer creates an empty TaskBuffer.
func NewTaskBuffer() *TaskBuffer {
	b := &TaskBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Put appends wrapper to the buffer. Prioritized wrappers are dequeued
// before any unprioritized ones; within each class order is FIFO.
// Wrappers put after Close are dropped; that only happens when a run is
// being torn down early.
func (b *TaskBuffer) Put(wrapper *TaskWrapper, prioritize bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if prioritize {
		b.prioritized = append(b.prioritized, wrapper)
	} else {
		b.unprioritized = append(b.unprioritized, wrapper)
	}
	b.cond.Signal()
}

// Get blocks until a wrapper is available or the buffer is closed.
// The second return value is false once the buffer is closed and drained.
func (b *TaskBuffer) Get() (*TaskWrapper, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.prioritized) == 0 && len(b.unprioritized) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.prioritized) > 0 {
		w := b.prioritized[0]
		b.prioritized = b.prioritized[1:]
		return w, true
	}
	if len(b.unprioritized) > 0 {
		w := b.unprioritized[0]
		b.unprioritized = b.unprioritized[1:]
		return w, true
	}
	return nil, false
}

// Close wakes all blocked Get calls. Buffered wrappers are still handed
// out before Get starts reporting closure. Idempotent.
func (b *TaskBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// Size returns the number of buffered wrappers.
func (b *TaskBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prioritized) + len(b.unprioritized)
}

func (b *TaskBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("TaskBuffer: %d prioritized, %d unprioritized", len(b.prioritized), len(b.unprioritized))
}
