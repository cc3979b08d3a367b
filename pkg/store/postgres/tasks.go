package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

func scanTask(row pgx.Row) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.JobID, &t.Prompt, &t.Style, &t.Status, &t.ImageID, &t.ErrorMessage,
		&t.RetryCount, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

const taskColumns = `id, job_id, prompt, style, status, image_id, error_message, retry_count, created_at, started_at, completed_at`

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM task WHERE id = $1`, taskColumns)
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasksByJob lists all tasks belonging to a job, for the job-detail
// projection.
func (s *Store) ListTasksByJob(ctx context.Context, jobID string) ([]model.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM task WHERE job_id = $1 ORDER BY created_at ASC`, taskColumns)
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListStalePendingTasks returns tasks stuck in pending older than the given
// grace period, for the reconciler's re-enqueue sweep.
func (s *Store) ListStalePendingTasks(ctx context.Context, olderThanSeconds int) ([]model.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM task
		WHERE status = 'pending' AND created_at < NOW() - ($1 || ' seconds')::interval
		ORDER BY created_at ASC`, taskColumns)

	rows, err := s.pool.Query(ctx, query, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("list stale pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically moves a task from pending (or a running task whose
// lease has expired) to running, stamping started_at. If the task is
// already terminal it is returned unclaimed so the caller can short-circuit
// with the stored outcome (idempotence on re-invocation).
func (s *Store) ClaimTask(ctx context.Context, taskID string, leaseSeconds int) (*model.Task, bool, error) {
	query := fmt.Sprintf(`
		UPDATE task SET status = 'running', started_at = NOW()
		WHERE id = $1
		  AND (
		    status = 'pending'
		    OR (status = 'running' AND started_at < NOW() - ($2 || ' seconds')::interval)
		  )
		RETURNING %s`, taskColumns)

	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID, leaseSeconds))
	if err == nil {
		return task, true, nil
	}
	if err != store.ErrNotFound {
		return nil, false, fmt.Errorf("claim task %s: %w", taskID, err)
	}

	// No row matched the claim predicate: either it's terminal, or another
	// worker holds a fresh lease. Return the current state unclaimed.
	current, getErr := s.GetTask(ctx, taskID)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, false, nil
}

// RetryTask resets a task to pending and bumps retry_count, used when a
// pipeline step fails with a retryable classification and budget remains.
func (s *Store) RetryTask(ctx context.Context, taskID string) (*model.Task, error) {
	query := fmt.Sprintf(`
		UPDATE task SET status = 'pending', retry_count = retry_count + 1, started_at = NULL
		WHERE id = $1
		RETURNING %s`, taskColumns)

	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		return nil, fmt.Errorf("retry task %s: %w", taskID, err)
	}
	return task, nil
}
