package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// CreateJobWithTasks creates one job and its tasks in a single transaction.
// No partial job is ever observable: failure before commit leaves no rows.
func (s *Store) CreateJobWithTasks(ctx context.Context, params store.NewJobParams) (*model.Job, []model.Task, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertJob = `
		INSERT INTO job (id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at)
		VALUES ($1, 'pending', $2, 0, 0, NOW(), NOW())
		RETURNING id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at`

	job := &model.Job{}
	if err := tx.QueryRow(ctx, insertJob, params.JobID, params.TotalTasks).Scan(
		&job.ID, &job.Status, &job.TotalTasks, &job.CompletedTasks, &job.FailedTasks,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("insert job: %w", err)
	}

	const insertTask = `
		INSERT INTO task (id, job_id, prompt, style, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, NOW())
		RETURNING id, job_id, prompt, style, status, retry_count, created_at`

	tasks := make([]model.Task, 0, len(params.Tasks))
	for _, tp := range params.Tasks {
		var t model.Task
		if err := tx.QueryRow(ctx, insertTask, tp.TaskID, params.JobID, tp.Prompt, tp.Style).Scan(
			&t.ID, &t.JobID, &t.Prompt, &t.Style, &t.Status, &t.RetryCount, &t.CreatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("insert task %s: %w", tp.TaskID, err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit job creation: %w", err)
	}

	return job, tasks, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	const query = `
		SELECT id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at
		FROM job WHERE id = $1`

	job := &model.Job{}
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.Status, &job.TotalTasks, &job.CompletedTasks, &job.FailedTasks,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// CancelJob transitions a job in pending|running to cancelled. In-flight
// tasks are left to complete; their outcomes are still recorded but cannot
// move a cancelled job out of cancelled (RecordTaskOutcome enforces that).
func (s *Store) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	const query = `
		UPDATE job SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at`

	job := &model.Job{}
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.Status, &job.TotalTasks, &job.CompletedTasks, &job.FailedTasks,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return s.GetJob(ctx, jobID)
		}
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return job, nil
}
