package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storagekit/copytree/internal/config"
	"github.com/storagekit/copytree/internal/events"
	"github.com/storagekit/copytree/internal/scheduler"
)

// listTask simulates listing one source directory: it fans out into one
// copy task per file, wired so the listing retires only after its copies
// finish.
type listTask struct {
	scheduler.BaseTask
	dir   string
	files int
}

func (t *listTask) Execute(ctx context.Context) (*scheduler.Output, error) {
	copies := make([]scheduler.Task, t.files)
	for i := range copies {
		copies[i] = &copyTask{
			BaseTask: scheduler.BaseTask{Key: fmt.Sprintf("%s/file-%d", t.dir, i)},
		}
	}
	return &scheduler.Output{
		AdditionalTaskIterators: []scheduler.TaskIterator{scheduler.TasksFrom(copies...)},
	}, nil
}

// copyTask simulates copying one file.
type copyTask struct {
	scheduler.BaseTask
}

func (t *copyTask) Execute(ctx context.Context) (*scheduler.Output, error) {
	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dirs := flag.Int("dirs", 16, "number of simulated source directories")
	files := flag.Int("files", 32, "number of files per directory")
	dumpGraph := flag.Bool("dump-graph", false, "print the task graph after the run")
	flag.Parse()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	tracker := events.NewTracker(bus)

	tasks := make(chan scheduler.Task)
	go func() {
		defer close(tasks)
		for i := 0; i < *dirs; i++ {
			task := &listTask{dir: fmt.Sprintf("src/dir-%d", i), files: *files}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	executor := scheduler.NewTaskGraphExecutor(tasks, scheduler.ExecutorOptions{
		Workers:           cfg.Executor.Workers,
		TopLevelTaskLimit: cfg.Executor.TopLevelTaskLimit,
		Bus:               bus,
	})

	start := time.Now()
	exitCode, err := executor.Run(ctx)
	elapsed := time.Since(start)

	if *dumpGraph {
		fmt.Fprintln(os.Stderr, executor.Graph())
	}

	bus.Close()
	tracker.Wait()
	counts := tracker.Counts()
	fmt.Printf("submitted=%d completed=%d failed=%d skipped=%d elapsed=%s\n",
		counts.Submitted, counts.Completed, counts.Failed, counts.Skipped, elapsed.Round(time.Millisecond))

	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
