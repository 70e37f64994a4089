// ABOUTME: End-to-end tests: enqueue through a registry, dispatch with real
// ABOUTME: workers against a Postgres testcontainer, assert final job state.
package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peopledoc/cabbage/internal/store"
	"github.com/peopledoc/cabbage/internal/task"
	"github.com/peopledoc/cabbage/internal/testutil"
	"github.com/peopledoc/cabbage/internal/worker"
)

// harness wires a registry and store the way cmd/cabbage does.
type harness struct {
	st  *store.Store
	reg *task.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := task.NewRegistry()
	st := testutil.NewTestDB(t, reg)
	if err := reg.Bind(st); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return &harness{st: st, reg: reg}
}

func (h *harness) startWorker(t *testing.T, ctx context.Context, queue string) chan error {
	t.Helper()
	w := worker.New(h.st, h.reg, queue, worker.StaleRecovery{})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 500*time.Millisecond) }()
	return done
}

func waitStatus(t *testing.T, st *store.Store, id int64, want store.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var got store.Status
		err := st.Pool().QueryRow(context.Background(),
			`SELECT status FROM cabbage_jobs WHERE id = $1`, id).Scan(&got)
		if err != nil {
			t.Fatalf("query job %d: %v", id, err)
		}
		if got == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %d never reached status %q within %v", id, want, timeout)
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker Run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerExecutesDeferredJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	results := make(chan float64, 1)
	sum, err := h.reg.NewTask("sum", "sums",
		func(_ context.Context, run task.Run) task.Outcome {
			a := run.Args["a"].(float64)
			b := run.Args["b"].(float64)
			results <- a + b
			return task.Success()
		},
		task.WithParams(task.Required("a"), task.Required("b")),
	)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	job, err := sum.Defer(context.Background(), task.Args{"a": 3, "b": 5})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := h.startWorker(t, ctx, "sums")

	select {
	case got := <-results:
		if got != 8 {
			t.Errorf("sum = %v, want 8", got)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("job never executed")
	}
	waitStatus(t, h.st, job.ID, store.StatusSucceeded, 10*time.Second)

	stopWorker(t, cancel, done)
}

func TestLockContentionRunsSequentially(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	type span struct {
		id         int64
		start, end time.Time
	}
	var (
		mu    sync.Mutex
		spans []span
	)
	sleep, err := h.reg.NewTask("sleep", "sums",
		func(_ context.Context, run task.Run) task.Outcome {
			start := time.Now()
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			spans = append(spans, span{id: run.JobID, start: start, end: time.Now()})
			mu.Unlock()
			return task.Success()
		},
		task.WithParams(task.Required("seconds")),
	)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	var last *store.Job
	for _, seconds := range []int{10, 12, 14} {
		job, err := sleep.Defer(context.Background(),
			task.Args{"lock": "a", "seconds": seconds})
		if err != nil {
			t.Fatalf("Defer: %v", err)
		}
		last = job
	}

	// Two workers compete for one queue; the shared lock key must still
	// force strictly sequential execution in id order.
	ctx, cancel := context.WithCancel(context.Background())
	done1 := h.startWorker(t, ctx, "sums")
	done2 := h.startWorker(t, ctx, "sums")

	waitStatus(t, h.st, last.ID, store.StatusSucceeded, 60*time.Second)
	cancel()
	stopWorker(t, func() {}, done1)
	stopWorker(t, func() {}, done2)

	mu.Lock()
	defer mu.Unlock()
	if len(spans) != 3 {
		t.Fatalf("executed %d jobs, want 3", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].id <= spans[i-1].id {
			t.Errorf("execution order %d before %d, want ascending id order",
				spans[i-1].id, spans[i].id)
		}
		if spans[i].start.Before(spans[i-1].end) {
			t.Errorf("job %d started at %v before job %d finished at %v",
				spans[i].id, spans[i].start, spans[i-1].id, spans[i-1].end)
		}
	}
}

func TestUnknownTaskFinalizedFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	echo, err := h.reg.NewTask("echo", "sums",
		func(_ context.Context, _ task.Run) task.Outcome { return task.Success() })
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	// Enqueued directly against the store: the registry never heard of it.
	ghost, err := h.st.EnqueueJob(context.Background(), "no-such-task", "sums", nil, nil, nil)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := h.startWorker(t, ctx, "sums")

	waitStatus(t, h.st, ghost.ID, store.StatusFailed, 10*time.Second)

	// The dispatch loop survived: a known task enqueued afterward still runs.
	job, err := echo.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	waitStatus(t, h.st, job.ID, store.StatusSucceeded, 10*time.Second)

	stopWorker(t, cancel, done)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var calls int32
	var callsMu sync.Mutex
	flaky, err := h.reg.NewTask("flaky", "sums",
		func(_ context.Context, _ task.Run) task.Outcome {
			callsMu.Lock()
			calls++
			n := calls
			callsMu.Unlock()
			if n < 3 {
				return task.Failure(errors.New("transient"))
			}
			return task.Success()
		},
		task.WithRetry(5, nil), // nil strategy: jittered default, ≤1s at these attempts
	)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	job, err := flaky.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := h.startWorker(t, ctx, "sums")

	waitStatus(t, h.st, job.ID, store.StatusSucceeded, 60*time.Second)
	stopWorker(t, cancel, done)

	callsMu.Lock()
	defer callsMu.Unlock()
	if calls != 3 {
		t.Errorf("task executed %d times, want 3 (two retries)", calls)
	}
}

func TestExplicitRetryOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var once sync.Once
	retried := make(chan struct{})
	// No retry policy: only the explicit RetryAt outcome can reschedule.
	_, err := h.reg.NewTask("self-retry", "sums",
		func(_ context.Context, _ task.Run) task.Outcome {
			var first bool
			once.Do(func() { first = true })
			if first {
				return task.RetryAt(time.Now().Add(200 * time.Millisecond))
			}
			close(retried)
			return task.Success()
		})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	tsk, _ := h.reg.Lookup("self-retry")
	job, err := tsk.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := h.startWorker(t, ctx, "sums")

	select {
	case <-retried:
	case <-time.After(30 * time.Second):
		t.Fatal("job was never re-executed after RetryAt")
	}
	waitStatus(t, h.st, job.ID, store.StatusSucceeded, 10*time.Second)
	stopWorker(t, cancel, done)
}

func TestStopFinishesInFlightJobOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var w *worker.Worker
	started := make(chan struct{})
	_, err := h.reg.NewTask("stopper", "sums",
		func(_ context.Context, _ task.Run) task.Outcome {
			close(started)
			// Stop arrives mid-job; this job must still complete normally.
			w.Stop()
			time.Sleep(100 * time.Millisecond)
			return task.Success()
		})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	tsk, _ := h.reg.Lookup("stopper")
	first, err := tsk.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	second, err := tsk.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}

	w = worker.New(h.st, h.reg, "sums", worker.StaleRecovery{})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), 500*time.Millisecond) }()

	<-started
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker Run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("worker did not stop after batch")
	}

	waitStatus(t, h.st, first.ID, store.StatusSucceeded, 5*time.Second)

	// The second ready job was left unclaimed for another worker.
	var got store.Status
	if err := h.st.Pool().QueryRow(context.Background(),
		`SELECT status FROM cabbage_jobs WHERE id = $1`, second.ID).Scan(&got); err != nil {
		t.Fatalf("query job %d: %v", second.ID, err)
	}
	if got != store.StatusTodo {
		t.Errorf("second job status = %q, want todo (never claimed)", got)
	}
}

func TestStaleRecoveryReclaims(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ran := make(chan struct{}, 1)
	_, err := h.reg.NewTask("revived", "sums",
		func(_ context.Context, _ task.Run) task.Outcome {
			ran <- struct{}{}
			return task.Success()
		})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	// Simulate a crashed worker: claim the job and never finish it, with the
	// claim backdated past the staleness threshold.
	tsk, _ := h.reg.Lookup("revived")
	job, err := tsk.Defer(context.Background(), task.Args{})
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if _, err := h.st.ClaimJob(context.Background(), "sums"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if _, err := h.st.Pool().Exec(context.Background(),
		`UPDATE cabbage_jobs SET updated_at = now() - interval '1 hour' WHERE id = $1`,
		job.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	w := worker.New(h.st, h.reg, "sums", worker.StaleRecovery{
		Enabled:       true,
		CheckInterval: 100 * time.Millisecond,
		Threshold:     time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 500*time.Millisecond) }()

	select {
	case <-ran:
	case <-time.After(30 * time.Second):
		t.Fatal("stale job was never reclaimed and re-run")
	}
	waitStatus(t, h.st, job.ID, store.StatusSucceeded, 10*time.Second)
	stopWorker(t, cancel, done)
}
