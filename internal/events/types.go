package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeProgress      = "progress"
)

// TaskSubmittedEvent is published when a task wrapper is handed to the
// worker pool.
type TaskSubmittedEvent struct {
	ID        string
	TopLevel  bool
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task is dropped as a duplicate of
// one already in the graph.
type TaskSkippedEvent struct {
	Key       string // parallel processing key, "" for identity collisions
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.Key }

// TaskCompletedEvent is published when a task finishes without error.
type TaskCompletedEvent struct {
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task's Execute returns an error.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Fatal     bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ProgressEvent is a periodic snapshot of executor progress.
type ProgressEvent struct {
	Submitted int
	Completed int
	Failed    int
	Skipped   int
	Resident  int // wrappers currently in the graph
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }
