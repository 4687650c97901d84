package scheduler

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storagekit/copytree/internal/events"
)

// ExecutorOptions configures a TaskGraphExecutor.
type ExecutorOptions struct {
	// Workers is the number of concurrent task executions. Defaults to
	// 4 per CPU.
	Workers int

	// TopLevelTaskLimit bounds how many top-level tasks may be resident
	// in the graph at once. Defaults to 2 * Workers.
	TopLevelTaskLimit int64

	// Bus, if non-nil, receives task lifecycle and progress events.
	Bus *events.Bus
}

// executedTask pairs a finished wrapper with the output its Execute
// produced (nil when the task failed without a synthesized output).
type executedTask struct {
	wrapper *TaskWrapper
	output  *Output
}

// TaskGraphExecutor runs tasks from an iterator channel in parallel,
// honoring the dependencies tracked by a TaskGraph. Tasks spawned by
// other tasks are scheduled ahead of fresh iterator tasks, and top-level
// admission backpressure keeps the graph's footprint bounded.
type TaskGraphExecutor struct {
	tasks   <-chan Task
	workers int
	bus     *events.Bus

	graph  *TaskGraph
	buffer *TaskBuffer

	workCh   chan *TaskWrapper
	outputCh chan executedTask

	accepting atomic.Bool

	// Written only by the output handler goroutine, read by Run after
	// the handler exits.
	exitCode int

	// First error stored by a management goroutine wins, matching a
	// run that aborts on the earliest failure.
	errMu     sync.Mutex
	storedErr error

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewTaskGraphExecutor creates an executor that will drain tasks from the
// given channel. No goroutines start until Run.
func NewTaskGraphExecutor(tasks <-chan Task, opts ExecutorOptions) *TaskGraphExecutor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4 * runtime.NumCPU()
	}
	limit := opts.TopLevelTaskLimit
	if limit <= 0 {
		limit = int64(2 * workers)
	}

	e := &TaskGraphExecutor{
		tasks:    tasks,
		workers:  workers,
		bus:      opts.Bus,
		graph:    NewTaskGraph(limit),
		buffer:   NewTaskBuffer(),
		workCh:   make(chan *TaskWrapper),
		outputCh: make(chan executedTask, workers),
	}
	e.accepting.Store(true)
	return e
}

// Graph exposes the underlying task graph, mainly for debug dumps.
func (e *TaskGraphExecutor) Graph() *TaskGraph { return e.graph }

// Run executes tasks until the iterator channel is drained and the graph
// empties. It returns the run's exit code: zero unless a task reported a
// fatal error or an exit-code-changing failure.
func (e *TaskGraphExecutor) Run(ctx context.Context) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerWG sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			e.worker(runCtx)
		}()
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		e.feedFromIterator(runCtx)
	}()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		e.bufferToQueue()
	}()

	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		e.handleTaskOutput(cancel)
	}()

	<-feederDone
	if err := e.graph.WaitUntilEmpty(runCtx); err != nil {
		e.storeErr(err)
	}

	// Shutdown: closing the buffer stops the queue feeder, which closes
	// the work channel; workers drain and exit, then the output channel
	// closes and the handler finishes.
	e.buffer.Close()
	<-queueDone
	workerWG.Wait()
	close(e.outputCh)
	<-handlerDone

	e.errMu.Lock()
	err := e.storedErr
	e.errMu.Unlock()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Internal cancellation after a stored failure; surface the
		// failure, not the cancellation.
		err = nil
	}
	return e.exitCode, err
}

func (e *TaskGraphExecutor) storeErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.storedErr == nil || errors.Is(e.storedErr, context.Canceled) {
		e.storedErr = err
	} else {
		log.Printf("executor: suppressing secondary error: %v", err)
	}
}

// feedFromIterator admits top-level tasks from the iterator channel,
// blocking on the graph's admission gate when the resident top-level set
// is full. This is the run's only backpressure point.
func (e *TaskGraphExecutor) feedFromIterator(ctx context.Context) {
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			if !e.accepting.Load() {
				return
			}
			wrapper, err := e.graph.Add(ctx, task, TopLevel())
			if err != nil {
				if ctx.Err() == nil {
					e.storeErr(err)
				}
				return
			}
			if wrapper == nil {
				e.skipped.Add(1)
				e.publish(events.TopicTask, events.TaskSkippedEvent{
					Key:       task.ParallelProcessingKey(),
					Timestamp: time.Now(),
				})
				continue
			}
			wrapper.IsSubmitted = true
			e.buffer.Put(wrapper, false)
			e.submitted.Add(1)
			e.publish(events.TopicTask, events.TaskSubmittedEvent{
				ID:        wrapper.ID,
				TopLevel:  true,
				Timestamp: time.Now(),
			})
		case <-ctx.Done():
			return
		}
	}
}

// bufferToQueue moves executable wrappers from the buffer to the worker
// queue, prioritized wrappers first.
func (e *TaskGraphExecutor) bufferToQueue() {
	defer close(e.workCh)
	for {
		wrapper, ok := e.buffer.Get()
		if !ok {
			return
		}
		e.workCh <- wrapper
	}
}

// worker executes wrappers from the work queue. Execution errors never
// stop the run directly; they are folded into messages so the output
// handler can adjust the exit code and, for fatal errors, stop admission.
func (e *TaskGraphExecutor) worker(ctx context.Context) {
	for wrapper := range e.workCh {
		start := time.Now()
		output, err := wrapper.Task.Execute(ctx)
		if err != nil {
			log.Printf("task %s: %v", wrapper.ID, err)
			output = e.outputForError(wrapper.Task, err)
			e.failed.Add(1)
			var fatal *FatalError
			e.publish(events.TopicTask, events.TaskFailedEvent{
				ID:        wrapper.ID,
				Err:       err,
				Fatal:     errors.As(err, &fatal),
				Duration:  time.Since(start),
				Timestamp: time.Now(),
			})
		} else {
			e.completed.Add(1)
			e.publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        wrapper.ID,
				Duration:  time.Since(start),
				Timestamp: time.Now(),
			})
		}
		e.outputCh <- executedTask{wrapper: wrapper, output: output}
	}
}

// outputForError synthesizes the output for a failed task: fatal errors
// abort the run, tasks that opt in flip the exit code, and anything else
// is logged and dropped.
func (e *TaskGraphExecutor) outputForError(task Task, err error) *Output {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return &Output{Messages: []Message{{Topic: TopicFatalError, Payload: err}}}
	}
	if changer, ok := task.(ExitCodeChanger); ok && changer.ChangeExitCodeOnError() {
		return &Output{Messages: []Message{{Topic: TopicChangeExitCode, Payload: err}}}
	}
	return nil
}

// handleTaskOutput folds executed-task results back into the graph and
// resubmits whatever the update frees up, at high priority.
func (e *TaskGraphExecutor) handleTaskOutput(cancel context.CancelFunc) {
	for executed := range e.outputCh {
		if executed.output != nil {
			for _, msg := range executed.output.Messages {
				switch msg.Topic {
				case TopicFatalError:
					e.exitCode = 1
					e.accepting.Store(false)
				case TopicChangeExitCode:
					e.exitCode = 1
				}
			}
		}

		submittable, err := e.graph.UpdateFromExecutedTask(executed.wrapper, executed.output)
		if err != nil {
			// The graph was built incorrectly; nothing downstream of
			// this wrapper can make progress. Abort the run.
			e.storeErr(err)
			cancel()
			continue
		}

		for _, wrapper := range submittable {
			wrapper.IsSubmitted = true
			e.buffer.Put(wrapper, true)
			e.submitted.Add(1)
			e.publish(events.TopicTask, events.TaskSubmittedEvent{
				ID:        wrapper.ID,
				Timestamp: time.Now(),
			})
		}

		e.publish(events.TopicProgress, events.ProgressEvent{
			Submitted: int(e.submitted.Load()),
			Completed: int(e.completed.Load()),
			Failed:    int(e.failed.Load()),
			Skipped:   int(e.skipped.Load()),
			Resident:  e.graph.Len(),
			Timestamp: time.Now(),
		})
	}
}

func (e *TaskGraphExecutor) publish(topic string, event events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, event)
	}
}
