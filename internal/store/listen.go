package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel names the pg_notify channel for a queue. EnqueueJob and
// Listener must agree on this.
func notifyChannel(queue string) string {
	return "cabbage_queue#" + queue
}

// Listener is a best-effort wake-up subscription for one queue, held on a
// dedicated connection running LISTEN. Notifications reduce idle latency
// over pure polling; they are never a correctness requirement, and callers
// must re-poll the claim path after every wait regardless of what woke them.
//
// A Listener belongs to a single goroutine.
type Listener struct {
	conn  *pgxpool.Conn
	queue string
}

// ListenForJobs subscribes to the wake-up channel for queue. The returned
// Listener pins one pool connection until Close is called.
func (s *Store) ListenForJobs(ctx context.Context, queue string) (*Listener, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, connErr("listen for jobs", err)
	}
	if _, err := conn.Exec(ctx,
		"LISTEN "+pgx.Identifier{notifyChannel(queue)}.Sanitize()); err != nil {
		conn.Release()
		return nil, connErr("listen for jobs", err)
	}
	return &Listener{conn: conn, queue: queue}, nil
}

// WaitForJobs blocks until a notification for the subscribed queue arrives
// or timeout elapses, whichever comes first. Timing out, and cancellation of
// ctx, are normal returns: the caller re-polls either way. Only storage-layer
// failures produce an error.
func (l *Listener) WaitForJobs(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := l.conn.Conn().WaitForNotification(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil
	default:
		return connErr("wait for jobs", err)
	}
}

// Close releases the pinned connection. The connection's LISTEN registration
// dies with the session, so no explicit UNLISTEN is needed.
func (l *Listener) Close() {
	l.conn.Release()
}
