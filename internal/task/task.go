// Package task defines deferrable units of work and the registry that maps
// task names to their executable definitions. Registration happens at
// startup; lookups are concurrent-read safe thereafter.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peopledoc/cabbage/internal/backoff"
	"github.com/peopledoc/cabbage/internal/store"
)

var (
	ErrDuplicateTask        = errors.New("task name already registered")
	ErrTaskNotFound         = errors.New("task not found")
	ErrInvalidTaskArguments = errors.New("invalid task arguments")
	ErrNoStore              = errors.New("registry has no bound job store")
	ErrStoreAlreadyBound    = errors.New("registry already has a bound job store")
)

// Args is the JSON-compatible named-argument mapping a job carries.
type Args map[string]any

// Run is the execution context handed to task logic: the identity of the job
// being run plus its arguments. It is ephemeral and worker-local.
type Run struct {
	JobID     int64
	TaskName  string
	Queue     string
	Args      Args
	StartedAt time.Time
}

// Outcome is the three-way result of executing a task: success, failure, or
// an explicit request to retry at a given time. It is the task's only
// communication channel with the worker.
type Outcome struct {
	err     error
	retryAt time.Time
}

// Success reports normal completion.
func Success() Outcome { return Outcome{} }

// Failure reports an error; retry eligibility is decided by the task's
// retry policy when the job is finished, not here.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("task failed")
	}
	return Outcome{err: err}
}

// RetryAt requests a reschedule to the given time, bypassing the policy's
// default backoff. A zero time means retry immediately.
func RetryAt(at time.Time) Outcome {
	if at.IsZero() {
		at = time.Now()
	}
	return Outcome{err: errors.New("task requested retry"), retryAt: at}
}

// Succeeded reports whether the task completed normally.
func (o Outcome) Succeeded() bool { return o.err == nil }

// Retry returns the explicitly requested reschedule time, if any.
func (o Outcome) Retry() (time.Time, bool) { return o.retryAt, !o.retryAt.IsZero() }

// Err returns the failure cause, nil on success.
func (o Outcome) Err() error { return o.err }

// Func is the executable logic of a task.
type Func func(ctx context.Context, run Run) Outcome

// Param declares an argument a task accepts.
type Param struct {
	Name     string
	Required bool
}

// Task is a named, queued, retryable definition of deferred work. Name is
// globally unique within a registry; Queue routes its jobs.
type Task struct {
	Name   string
	Queue  string
	Retry  *backoff.Policy // nil means failures are terminal
	Params []Param         // empty means any arguments are accepted

	fn       Func
	registry *Registry
}

// Option configures a Task at construction.
type Option func(*Task)

// WithRetry allows up to maxAttempts total executions, spacing retries with
// strategy (backoff.Default when nil).
func WithRetry(maxAttempts int, strategy backoff.Strategy) Option {
	return func(t *Task) {
		t.Retry = &backoff.Policy{MaxAttempts: maxAttempts, Strategy: strategy}
	}
}

// WithParams declares the accepted arguments. Once declared, Defer rejects
// unknown keys and missing required ones.
func WithParams(params ...Param) Option {
	return func(t *Task) { t.Params = params }
}

// Required declares a mandatory argument.
func Required(name string) Param { return Param{Name: name, Required: true} }

// Optional declares an optional argument.
func Optional(name string) Param { return Param{Name: name} }

// Invoke executes the task logic. A panic in the task body is converted to a
// Failure so one bad job cannot take down the dispatch loop.
func (t *Task) Invoke(ctx context.Context, run Run) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Failure(fmt.Errorf("task %s panicked: %v", t.Name, p))
		}
	}()
	return t.fn(ctx, run)
}

// Reserved argument keys extracted by Defer rather than passed to the task.
const (
	lockKey        = "lock"
	scheduledAtKey = "scheduled_at"
)

// Defer persists one job for this task via the registry's bound store and
// returns it with its assigned id.
//
// The reserved keys "lock" (string) and "scheduled_at" (time.Time or RFC 3339
// string) are extracted from args before validation; the remaining keys must
// satisfy the task's declared params.
func (t *Task) Defer(ctx context.Context, args Args) (*store.Job, error) {
	lock, scheduledAt, rest, err := splitReserved(args)
	if err != nil {
		return nil, err
	}
	if err := t.validateArgs(rest); err != nil {
		return nil, err
	}

	var st *store.Store
	if t.registry != nil {
		st = t.registry.boundStore()
	}
	if st == nil {
		return nil, fmt.Errorf("defer task %s: %w", t.Name, ErrNoStore)
	}
	return st.EnqueueJob(ctx, t.Name, t.Queue, rest, lock, scheduledAt)
}

// splitReserved pulls the reserved keys out of args, returning the remainder
// untouched in a fresh map.
func splitReserved(args Args) (lock *string, scheduledAt *time.Time, rest Args, err error) {
	rest = make(Args, len(args))
	for k, v := range args {
		switch k {
		case lockKey:
			s, ok := v.(string)
			if !ok {
				return nil, nil, nil, fmt.Errorf("%w: %q must be a string", ErrInvalidTaskArguments, lockKey)
			}
			lock = &s
		case scheduledAtKey:
			at, parseErr := parseTime(v)
			if parseErr != nil {
				return nil, nil, nil, parseErr
			}
			scheduledAt = &at
		default:
			rest[k] = v
		}
	}
	return lock, scheduledAt, rest, nil
}

func parseTime(v any) (time.Time, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv, nil
	case string:
		at, err := time.Parse(time.RFC3339, tv)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 timestamp: %v",
				ErrInvalidTaskArguments, scheduledAtKey, err)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q must be a timestamp", ErrInvalidTaskArguments, scheduledAtKey)
	}
}

// validateArgs checks args against the declared params. Tasks that declare
// no params accept anything.
func (t *Task) validateArgs(args Args) error {
	if len(t.Params) == 0 {
		return nil
	}
	declared := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = true
		if p.Required {
			if _, ok := args[p.Name]; !ok {
				return fmt.Errorf("task %s: missing argument %q: %w",
					t.Name, p.Name, ErrInvalidTaskArguments)
			}
		}
	}
	for k := range args {
		if !declared[k] {
			return fmt.Errorf("task %s: unknown argument %q: %w",
				t.Name, k, ErrInvalidTaskArguments)
		}
	}
	return nil
}
