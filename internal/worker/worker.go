// Package worker drives the dispatch loop for one queue: claim ready jobs
// from the store, resolve them through the task registry, execute, and report
// the outcome back to the store.
//
// A Worker runs jobs strictly sequentially; parallelism comes from running
// several Worker instances (goroutines or processes) against the same store.
// The store's atomic claim is the only cross-worker coordination.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peopledoc/cabbage/internal/store"
	"github.com/peopledoc/cabbage/internal/task"
)

// ErrJob wraps a task execution failure on its way from runJob to the
// dispatch loop, which maps it to an error result for FinishJob.
var ErrJob = errors.New("job execution failed")

// StaleRecovery configures the optional ticker that reclaims jobs stuck in
// 'doing' after a crashed worker.
type StaleRecovery struct {
	Enabled       bool
	CheckInterval time.Duration
	Threshold     time.Duration
}

// Worker dispatches jobs from a single queue.
type Worker struct {
	store *store.Store
	reg   *task.Registry
	queue string
	id    string
	stale StaleRecovery
	log   *slog.Logger

	stopping atomic.Bool
	stopOnce sync.Once

	mu      sync.Mutex
	current *task.Run // in-flight job, for shutdown logging
}

// New creates a Worker for queue. A random worker id distinguishes this
// instance in logs.
func New(st *store.Store, reg *task.Registry, queue string, stale StaleRecovery) *Worker {
	id := uuid.New().String()
	return &Worker{
		store: st,
		reg:   reg,
		queue: queue,
		id:    id,
		stale: stale,
		log:   slog.Default().With("worker_id", id, "queue", queue),
	}
}

// Run is the worker's entire lifecycle and its only unbounded loop. It
// subscribes to the queue's notification channel, then alternates between
// processing every ready job and waiting (at most timeout) for a wake-up.
// Cancelling ctx requests a stop: the batch in progress finishes its current
// job, no further jobs are claimed, and Run returns nil.
func (w *Worker) Run(ctx context.Context, timeout time.Duration) error {
	listener, err := w.store.ListenForJobs(ctx, w.queue)
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	defer listener.Close()

	// The signal handler's only job is to flip the stop flag.
	unwatch := context.AfterFunc(ctx, w.Stop)
	defer unwatch()

	if w.stale.Enabled {
		staleDone := make(chan struct{})
		go func() {
			defer close(staleDone)
			w.runStaleRecovery(ctx)
		}()
		defer func() { <-staleDone }()
	}

	w.log.Info("worker started")
	for {
		if err := w.processJobs(ctx); err != nil {
			// Infrastructure fault, not a job outcome. Log and keep the
			// loop alive; the next batch re-polls from scratch.
			w.log.Error("batch aborted", "error", err)
		}

		if w.stopping.Load() {
			w.log.Info("worker stopped at end of batch")
			return nil
		}

		w.log.Debug("waiting for jobs", "timeout", timeout)
		if err := listener.WaitForJobs(ctx, timeout); err != nil {
			return fmt.Errorf("worker %s: %w", w.id, err)
		}
	}
}

// processJobs drains the claim sequence one job at a time. The claim happens
// at yield time, so breaking out after a stop request leaves every remaining
// ready job unclaimed, in 'todo', for the next batch or another worker.
func (w *Worker) processJobs(ctx context.Context) error {
	if w.stopping.Load() {
		return nil
	}
	for job, err := range w.store.Jobs(ctx, w.queue) {
		if err != nil {
			if w.stopping.Load() {
				// Cancellation raced the stop flag; not a fault.
				return nil
			}
			return err
		}

		res := w.runJob(ctx, job)
		// The acknowledgement must outlive a shutdown that began mid-job.
		if err := w.store.FinishJob(context.WithoutCancel(ctx), job, res); err != nil {
			return err
		}

		if w.stopping.Load() {
			return nil
		}
	}
	return nil
}

// runJob resolves and executes one claimed job, returning the result to
// persist. It never lets a job failure escape as an error: retry eligibility
// belongs to FinishJob, and an unknown task is simply a terminal failure.
func (w *Worker) runJob(ctx context.Context, job *store.Job) store.Result {
	t, err := w.reg.Lookup(job.TaskName)
	if err != nil {
		// Non-retryable: the policy lookup for an unknown task also comes
		// back empty, so FinishJob finalizes this as failed.
		w.log.Error("job references unknown task",
			"job_id", job.ID, "task", job.TaskName)
		return store.Result{Err: err}
	}

	run := task.Run{
		JobID:     job.ID,
		TaskName:  job.TaskName,
		Queue:     job.Queue,
		Args:      job.Args,
		StartedAt: time.Now(),
	}
	w.setCurrent(&run)
	defer w.setCurrent(nil)

	w.log.Info("job started",
		"job_id", job.ID, "task", job.TaskName, "attempts", job.Attempts)

	// Stop requests are batch-granular: the in-flight job keeps running on a
	// cancellation-detached context.
	out := t.Invoke(context.WithoutCancel(ctx), run)
	duration := time.Since(run.StartedAt)

	if retryAt, ok := out.Retry(); ok {
		w.log.Warn("job requested retry",
			"job_id", job.ID, "task", job.TaskName,
			"duration", duration, "retry_at", retryAt)
		return store.Result{Err: fmt.Errorf("job %d: %w: %w", job.ID, ErrJob, out.Err()), RetryAt: &retryAt}
	}
	if err := out.Err(); err != nil {
		w.log.Error("job failed",
			"job_id", job.ID, "task", job.TaskName, "args", job.Args,
			"started_at", run.StartedAt, "duration", duration, "error", err)
		return store.Result{Err: fmt.Errorf("job %d: %w: %w", job.ID, ErrJob, err)}
	}

	w.log.Info("job succeeded",
		"job_id", job.ID, "task", job.TaskName, "duration", duration)
	return store.Result{}
}

// Stop requests a graceful stop: the current job finishes, the batch ends,
// and Run returns. Safe to call from any goroutine, effective once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)

		w.mu.Lock()
		current := w.current
		w.mu.Unlock()

		if current != nil {
			w.log.Info("stop requested, waiting for current job to finish",
				"job_id", current.JobID, "task", current.TaskName,
				"args", current.Args, "started_at", current.StartedAt)
		} else {
			w.log.Info("stop requested")
		}
	})
}

func (w *Worker) setCurrent(run *task.Run) {
	w.mu.Lock()
	w.current = run
	w.mu.Unlock()
}

// runStaleRecovery periodically resets jobs stuck in 'doing'. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (w *Worker) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(w.stale.CheckInterval)
	defer ticker.Stop()

	w.log.Info("stale recovery started",
		"threshold", w.stale.Threshold, "check_interval", w.stale.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.RecoverStaleJobs(ctx, w.stale.Threshold)
			if err != nil {
				w.log.Error("stale job recovery error", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
