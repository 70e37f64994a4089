package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
)

// EnqueueJob inserts a new job with status 'todo' and zero attempts, then
// notifies listeners of the queue. The pg_notify runs in the insert
// transaction, so the wake-up is delivered on commit and never for a job
// that failed to persist.
func (s *Store) EnqueueJob(
	ctx context.Context,
	taskName, queue string,
	args map[string]any,
	lock *string,
	scheduledAt *time.Time,
) (*Job, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode job args: %w", err)
	}
	if args == nil {
		rawArgs = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, connErr("enqueue job", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, `
		INSERT INTO cabbage_jobs (task_name, queue_name, lock, args, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		taskName, queue, lock, rawArgs, scheduledAt,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, connErr("enqueue job", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		notifyChannel(queue), taskName); err != nil {
		return nil, connErr("enqueue job: notify", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, connErr("enqueue job", err)
	}
	return job, nil
}

// claimSQL marks the lowest-id ready job 'doing' and returns it. A job is
// ready when it is 'todo', due, and either unlocked or its lock key is not
// held by any 'doing' job.
const claimSQL = `
	UPDATE cabbage_jobs
	SET status = 'doing', updated_at = now()
	WHERE id = (
		SELECT j.id
		FROM cabbage_jobs j
		WHERE j.queue_name = $1
		  AND j.status = 'todo'
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= now())
		  AND (j.lock IS NULL OR NOT EXISTS (
			SELECT 1 FROM cabbage_jobs d
			WHERE d.status = 'doing' AND d.lock = j.lock
		  ))
		ORDER BY j.id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + jobColumns

// ClaimJob atomically transitions the lowest-id ready job in queue from
// 'todo' to 'doing' and returns it. Returns (nil, nil) when no job is ready.
//
// Claimers of the same queue serialize on a transaction-scoped advisory
// lock, so within one queue the doing-set is committed state when the claim
// subquery evaluates it. Claimers of different queues can still race on a
// shared lock key: both snapshots see it free. The partial unique index on
// (lock) WHERE doing settles that race, failing the loser's UPDATE, and the
// claim is retried against a snapshot that sees the winner's job as doing.
func (s *Store) ClaimJob(ctx context.Context, queue string) (*Job, error) {
	for {
		job, err := s.claimOnce(ctx, queue)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, err
		}
		return job, nil
	}
}

func (s *Store) claimOnce(ctx context.Context, queue string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, connErr("claim job", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('cabbage:' || $1::text))`,
		queue); err != nil {
		return nil, connErr("claim job: advisory lock", err)
	}

	job, err := scanJob(tx.QueryRow(ctx, claimSQL, queue))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, connErr("claim job", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, connErr("claim job", err)
	}
	return job, nil
}

// Jobs returns a lazy sequence of ready jobs in ascending id order. Each
// element is claimed ('todo' → 'doing') at yield time, so consuming the
// sequence one job at a time leaves unvisited jobs available to other
// workers. The sequence exhausts when no ready job remains; a job deferred
// by a lock conflict reappears in a later call once the holder finishes.
func (s *Store) Jobs(ctx context.Context, queue string) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		for {
			job, err := s.ClaimJob(ctx, queue)
			if err != nil {
				yield(nil, err)
				return
			}
			if job == nil {
				return
			}
			if !yield(job, nil) {
				return
			}
		}
	}
}

// FinishJob persists the outcome of an executed job. The job must currently
// be 'doing' under its id; otherwise ErrJobNotDoing is returned and stored
// state is untouched, which guards against double acknowledgement.
//
// Success finalizes the job as 'succeeded'. On failure, an explicit
// res.RetryAt reschedules unconditionally; otherwise the task's retry policy
// decides: another attempt allowed means 'todo' with attempts incremented and
// a backoff schedule, exhausted (or no policy, or unknown task) means
// 'failed'.
func (s *Store) FinishJob(ctx context.Context, job *Job, res Result) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return connErr("finish job", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		status   Status
		attempts int
	)
	err = tx.QueryRow(ctx,
		`SELECT status, attempts FROM cabbage_jobs WHERE id = $1 FOR UPDATE`,
		job.ID,
	).Scan(&status, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("finish job %d: %w", job.ID, ErrJobNotDoing)
		}
		return connErr("finish job", err)
	}
	if status != StatusDoing {
		return fmt.Errorf("finish job %d: status is %q: %w", job.ID, status, ErrJobNotDoing)
	}

	next, retryAt := s.disposition(job.TaskName, attempts, res)
	if retryAt != nil {
		_, err = tx.Exec(ctx, `
			UPDATE cabbage_jobs
			SET status = 'todo', attempts = attempts + 1,
			    scheduled_at = $2, updated_at = now()
			WHERE id = $1`,
			job.ID, *retryAt)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE cabbage_jobs
			SET status = $2, updated_at = now()
			WHERE id = $1`,
			job.ID, string(next))
	}
	if err != nil {
		return connErr("finish job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return connErr("finish job", err)
	}
	return nil
}

// disposition decides the next status for a finished job. attempts is the
// stored count of prior retries, so the job has executed attempts+1 times.
func (s *Store) disposition(taskName string, attempts int, res Result) (Status, *time.Time) {
	if res.Err == nil {
		return StatusSucceeded, nil
	}
	if res.RetryAt != nil {
		// The task asked for this reschedule; it bypasses the policy.
		return StatusTodo, res.RetryAt
	}
	if s.policies == nil {
		return StatusFailed, nil
	}
	policy, ok := s.policies.PolicyFor(taskName)
	if !ok || attempts+1 >= policy.MaxAttempts {
		return StatusFailed, nil
	}
	at := policy.NextSchedule(attempts + 1)
	return StatusTodo, &at
}

// RecoverStaleJobs resets jobs stuck in 'doing' longer than staleAfter back
// to 'todo', making them claimable again after a worker crash. Attempts are
// left untouched; a recovered job was interrupted, not failed. Returns the
// number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cabbage_jobs
		SET status = 'todo', updated_at = now()
		WHERE status = 'doing'
		  AND updated_at < now() - make_interval(secs => $1)`,
		staleAfter.Seconds())
	if err != nil {
		return 0, connErr("recover stale jobs", err)
	}
	return int(tag.RowsAffected()), nil
}
