package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// RecordTaskOutcome is the Progress Aggregator's sole write path. It marks
// the task terminal and atomically increments the owning job's counters in
// one transaction, using a single UPDATE ... RETURNING over the job row so
// the increment and the derived status transition are one round trip, never
// read-then-write.
func (s *Store) RecordTaskOutcome(ctx context.Context, outcome model.Outcome) (*store.CounterUpdate, error) {
	var result *store.CounterUpdate

	err := s.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		var jobID string
		var alreadyTerminal bool
		err = tx.QueryRow(ctx, `SELECT job_id, status IN ('completed', 'failed') FROM task WHERE id = $1`, outcome.TaskID).
			Scan(&jobID, &alreadyTerminal)
		if err != nil {
			if err == pgx.ErrNoRows {
				return store.ErrNotFound
			}
			return fmt.Errorf("look up task job: %w", err)
		}

		if alreadyTerminal {
			// Re-invocation after an already-recorded terminal outcome: a
			// no-op per the idempotence contract. No counter change.
			job, err := s.getJobTx(ctx, tx, jobID)
			if err != nil {
				return err
			}
			result = &store.CounterUpdate{Job: *job}
			return nil
		}

		if outcome.Completed {
			_, err = tx.Exec(ctx, `
				UPDATE task SET status = 'completed', image_id = $2, completed_at = NOW()
				WHERE id = $1`, outcome.TaskID, outcome.ImageID)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE task SET status = 'failed', error_message = $2, completed_at = NOW()
				WHERE id = $1`, outcome.TaskID, outcome.Message)
		}
		if err != nil {
			return fmt.Errorf("update task terminal fields: %w", err)
		}

		counterColumn := "failed_tasks"
		newFailedExpr := "(failed_tasks + 1)"
		if outcome.Completed {
			counterColumn = "completed_tasks"
			newFailedExpr = "failed_tasks"
		}

		query := fmt.Sprintf(`
			UPDATE job SET
				%s = %s + 1,
				updated_at = NOW(),
				status = CASE
					WHEN status = 'cancelled' THEN 'cancelled'
					WHEN (completed_tasks + failed_tasks + 1) = total_tasks AND %s > 0 THEN 'failed'
					WHEN (completed_tasks + failed_tasks + 1) = total_tasks THEN 'completed'
					ELSE 'running'
				END,
				completed_at = CASE
					WHEN status = 'cancelled' THEN completed_at
					WHEN (completed_tasks + failed_tasks + 1) = total_tasks THEN NOW()
					ELSE completed_at
				END
			WHERE id = $1
			RETURNING id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at`,
			counterColumn, counterColumn, newFailedExpr)

		job := &model.Job{}
		var wasStatus model.JobStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM job WHERE id = $1 FOR UPDATE`, jobID).Scan(&wasStatus); err != nil {
			return fmt.Errorf("lock job row: %w", err)
		}

		if err := tx.QueryRow(ctx, query, jobID).Scan(
			&job.ID, &job.Status, &job.TotalTasks, &job.CompletedTasks, &job.FailedTasks,
			&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
		); err != nil {
			return fmt.Errorf("increment job counters: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit outcome: %w", err)
		}

		result = &store.CounterUpdate{
			Job:          *job,
			BecameActive: wasStatus == model.JobPending && job.Status != model.JobPending,
			BecameFinal:  job.CompletedAt != nil,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) getJobTx(ctx context.Context, tx pgx.Tx, jobID string) (*model.Job, error) {
	job := &model.Job{}
	err := tx.QueryRow(ctx, `
		SELECT id, status, total_tasks, completed_tasks, failed_tasks, created_at, updated_at, completed_at
		FROM job WHERE id = $1`, jobID).Scan(
		&job.ID, &job.Status, &job.TotalTasks, &job.CompletedTasks, &job.FailedTasks,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}
