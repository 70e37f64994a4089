// Package store is the durable job queue backed by PostgreSQL. It owns job
// persistence, the atomic claim protocol with per-lock-key exclusion, the
// status state machine, and the LISTEN/NOTIFY wake-up channel workers wait on.
//
// Claimers of a queue serialize on a transaction-scoped advisory lock, and a
// partial unique index on held lock keys backstops claims racing from other
// queues, so the "at most one doing job per lock key" invariant holds under
// arbitrary interleaving of concurrent workers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peopledoc/cabbage/internal/backoff"
)

// Sentinel errors for the job store protocol.
var (
	// ErrConnector wraps storage-layer failures so callers can distinguish
	// infrastructure faults from job-level outcomes.
	ErrConnector = errors.New("job store connector error")

	// ErrJobNotDoing is returned by FinishJob when the job is not currently
	// in 'doing' status under its id. It indicates a worker/store
	// desynchronization bug, never a normal outcome.
	ErrJobNotDoing = errors.New("job is not being processed")
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusTodo      Status = "todo"
	StatusDoing     Status = "doing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one durable, enqueued execution of a task. ID and TaskName are
// immutable after creation; all state changes go through store operations.
type Job struct {
	ID          int64
	TaskName    string
	Queue       string
	Lock        *string
	Args        map[string]any
	Status      Status
	ScheduledAt *time.Time
	Attempts    int
}

// Result is the outcome a worker reports to FinishJob after executing a job.
// A nil Err means success. RetryAt, when set, is an explicit reschedule
// requested by the task itself and overrides the retry policy.
type Result struct {
	Err     error
	RetryAt *time.Time
}

// PolicyResolver maps a task name to its retry policy. A false return means
// the task is unknown or defines no policy; either way failures are terminal.
type PolicyResolver interface {
	PolicyFor(taskName string) (backoff.Policy, bool)
}

// Store is the data access object for the cabbage_jobs table.
type Store struct {
	pool     *pgxpool.Pool
	policies PolicyResolver
}

// New creates a Store backed by pool. policies decides retry eligibility in
// FinishJob; nil treats every failure as terminal.
func New(pool *pgxpool.Pool, policies PolicyResolver) *Store {
	return &Store{pool: pool, policies: policies}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests, migrations run in-process).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// connErr tags a storage-layer failure with ErrConnector.
func connErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnector, err)
}

// isUniqueViolation returns true if err (or any wrapped error) is a Postgres
// unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const jobColumns = "id, task_name, queue_name, lock, args, status, scheduled_at, attempts"

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		j       Job
		rawArgs []byte
	)
	if err := row.Scan(
		&j.ID, &j.TaskName, &j.Queue, &j.Lock,
		&rawArgs, &j.Status, &j.ScheduledAt, &j.Attempts,
	); err != nil {
		return nil, err
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &j.Args); err != nil {
			return nil, fmt.Errorf("decode job %d args: %w", j.ID, err)
		}
	}
	return &j, nil
}
