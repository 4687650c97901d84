package events

import (
	"sync"
)

// Tracker tallies task lifecycle events from a Bus subscription. It is
// the in-process analog of a progress display: callers read counters
// while the executor runs, or after Wait.
type Tracker struct {
	mu        sync.Mutex
	submitted int
	completed int
	failed    int
	skipped   int

	done chan struct{}
}

// Counts is a point-in-time snapshot of tracked totals.
type Counts struct {
	Submitted int
	Completed int
	Failed    int
	Skipped   int
}

// NewTracker subscribes to all topics on bus and starts consuming events
// until the bus is closed.
func NewTracker(bus *Bus) *Tracker {
	t := &Tracker{done: make(chan struct{})}
	ch := bus.SubscribeAll(0)
	go t.consume(ch)
	return t
}

func (t *Tracker) consume(ch <-chan Event) {
	defer close(t.done)
	for event := range ch {
		t.mu.Lock()
		switch event.(type) {
		case TaskSubmittedEvent:
			t.submitted++
		case TaskCompletedEvent:
			t.completed++
		case TaskFailedEvent:
			t.failed++
		case TaskSkippedEvent:
			t.skipped++
		}
		t.mu.Unlock()
	}
}

// Counts returns the current totals.
func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{
		Submitted: t.submitted,
		Completed: t.completed,
		Failed:    t.failed,
		Skipped:   t.skipped,
	}
}

// Wait blocks until the bus feeding this tracker has been closed and all
// pending events are counted.
func (t *Tracker) Wait() {
	<-t.done
}
