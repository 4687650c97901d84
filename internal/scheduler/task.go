package scheduler

import (
	"context"
	"sync"
)

// Topic identifies the kind of information carried by a Message.
type Topic int

const (
	TopicGeneric Topic = iota
	TopicChangeExitCode              // The run should exit non-zero, but keep going.
	TopicFatalError                  // The run should exit non-zero and stop accepting work.
)

// Message is a piece of information a task passes forward to the tasks
// that depend on it.
type Message struct {
	Topic   Topic
	Payload any
}

// TaskIterator lazily yields the tasks of one fan-out layer.
// Iterators are consumed exactly once, when the layer is wired into the
// graph, and are not restartable.
type TaskIterator interface {
	Next() (Task, bool)
}

// Output is what a task produces when it finishes executing: messages for
// its dependents, and zero or more ordered layers of follow-up tasks.
// Layer i+1 runs after layer i, and layer 0 runs after the task itself.
type Output struct {
	Messages                []Message
	AdditionalTaskIterators []TaskIterator
}

// Task is a unit of work executed by the worker pool.
//
// ParallelProcessingKey returns a deduplication key identifying the
// resource this task writes to, or "" if the task has no such key. Two
// tasks sharing a key target the same resource, and only the first one
// added to the graph executes.
type Task interface {
	Execute(ctx context.Context) (*Output, error)
	ParallelProcessingKey() string

	// AppendReceivedMessages delivers messages from an upstream task.
	// ReceivedMessages returns a snapshot of everything delivered so far.
	AppendReceivedMessages(msgs []Message)
	ReceivedMessages() []Message
}

// ExitCodeChanger is implemented by tasks whose execution errors should
// flip the run's exit code without aborting the whole operation.
type ExitCodeChanger interface {
	ChangeExitCodeOnError() bool
}

// BaseTask provides the message inbox and deduplication key plumbing so
// task implementations only need to define Execute.
type BaseTask struct {
	Key string // parallel processing key, "" if none

	mu       sync.Mutex
	received []Message
}

func (b *BaseTask) ParallelProcessingKey() string { return b.Key }

func (b *BaseTask) AppendReceivedMessages(msgs []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, msgs...)
}

func (b *BaseTask) ReceivedMessages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.received))
	copy(out, b.received)
	return out
}

// sliceIterator adapts a fixed slice of tasks to the TaskIterator
// interface.
type sliceIterator struct {
	tasks []Task
	next  int
}

// TasksFrom returns a TaskIterator over the given tasks.
func TasksFrom(tasks ...Task) TaskIterator {
	return &sliceIterator{tasks: tasks}
}

func (s *sliceIterator) Next() (Task, bool) {
	if s.next >= len(s.tasks) {
		return nil, false
	}
	t := s.tasks[s.next]
	s.next++
	return t, true
}

// FatalError marks a task execution failure that should abort the whole
// operation rather than just flipping the exit code.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }
