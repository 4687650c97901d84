package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusTopicDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 4)
	progressCh := bus.Subscribe(TopicProgress, 4)

	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "a", Timestamp: time.Now()})

	got := recv(t, taskCh)
	if got.EventType() != EventTypeTaskSubmitted || got.TaskID() != "a" {
		t.Errorf("got %v, want task.submitted for a", got)
	}

	select {
	case e := <-progressCh:
		t.Errorf("progress subscriber received %v for a task topic event", e)
	default:
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(4)
	bus.Publish(TopicTask, TaskCompletedEvent{ID: "a", Timestamp: time.Now()})
	bus.Publish(TopicProgress, ProgressEvent{Completed: 1, Timestamp: time.Now()})

	if got := recv(t, all); got.EventType() != EventTypeTaskCompleted {
		t.Errorf("first event = %v, want task.completed", got)
	}
	if got := recv(t, all); got.EventType() != EventTypeProgress {
		t.Errorf("second event = %v, want progress", got)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	// Second publish must not block even though nothing drains ch.
	done := make(chan struct{})
	go func() {
		bus.Publish(TopicTask, TaskSubmittedEvent{ID: "a"})
		bus.Publish(TopicTask, TaskSubmittedEvent{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := recv(t, ch); got.TaskID() != "a" {
		t.Errorf("buffered event = %v, want a", got)
	}
	select {
	case e := <-ch:
		t.Errorf("overflow event %v should have been dropped", e)
	default:
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("topic channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("all-topics channel should be closed")
	}

	// Post-close operations are no-ops, not panics.
	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "a"})
	if _, ok := <-bus.Subscribe(TopicTask, 1); ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
}

func TestTrackerCounts(t *testing.T) {
	bus := NewBus()
	tracker := NewTracker(bus)

	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "a"})
	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "b"})
	bus.Publish(TopicTask, TaskCompletedEvent{ID: "a"})
	bus.Publish(TopicTask, TaskFailedEvent{ID: "b"})
	bus.Publish(TopicTask, TaskSkippedEvent{Key: "dest/file.txt"})
	bus.Publish(TopicProgress, ProgressEvent{}) // not counted

	bus.Close()
	tracker.Wait()

	got := tracker.Counts()
	want := Counts{Submitted: 2, Completed: 1, Failed: 1, Skipped: 1}
	if got != want {
		t.Errorf("Counts = %+v, want %+v", got, want)
	}
}
