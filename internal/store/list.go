package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

// JobFilter narrows ListJobs. Zero-valued fields are not applied.
type JobFilter struct {
	Queue    string
	TaskName string
	Status   Status
	Lock     string
	Limit    uint64
}

// ListJobs returns jobs matching filter in ascending id order. This is an
// introspection query for operators (the `jobs` subcommand); the dispatch
// path never uses it.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	q := sq.Select(jobColumns).
		From("cabbage_jobs").
		OrderBy("id").
		PlaceholderFormat(sq.Dollar)

	if filter.Queue != "" {
		q = q.Where(sq.Eq{"queue_name": filter.Queue})
	}
	if filter.TaskName != "" {
		q = q.Where(sq.Eq{"task_name": filter.TaskName})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Lock != "" {
		q = q.Where(sq.Eq{"lock": filter.Lock})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, connErr("list jobs", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, connErr("list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, connErr("list jobs", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, connErr("list jobs", err)
	}
	return out, nil
}
