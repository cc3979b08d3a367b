//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

func TestCreateJobWithTasksIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, cleanup := NewTestStore(t, ctx)
	defer cleanup()

	job, tasks, err := s.CreateJobWithTasks(ctx, store.NewJobParams{
		JobID:      "job-1",
		TotalTasks: 2,
		Tasks: []store.NewTaskParams{
			{TaskID: "task-1", Prompt: "a cat", Style: "product_photography"},
			{TaskID: "task-2", Prompt: "a dog", Style: "product_photography"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, job.TotalTasks)
	require.Len(t, tasks, 2)

	fetched, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobPending, fetched.Status)
}

func TestRecordTaskOutcomeIsAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s, cleanup := NewTestStore(t, ctx)
	defer cleanup()

	_, _, err := s.CreateJobWithTasks(ctx, store.NewJobParams{
		JobID:      "job-2",
		TotalTasks: 1,
		Tasks:      []store.NewTaskParams{{TaskID: "task-3", Prompt: "a cat", Style: "product_photography"}},
	})
	require.NoError(t, err)

	_, claimed, err := s.ClaimTask(ctx, "task-3", 600)
	require.NoError(t, err)
	require.True(t, claimed)

	update, err := s.RecordTaskOutcome(ctx, model.Outcome{TaskID: "task-3", Completed: true, ImageID: "img-1"})
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, update.Job.Status)
	require.Equal(t, 1, update.Job.CompletedTasks)
	require.True(t, update.BecameFinal)

	// Re-recording the same terminal outcome must be a no-op: no second
	// counter increment.
	again, err := s.RecordTaskOutcome(ctx, model.Outcome{TaskID: "task-3", Completed: true, ImageID: "img-1"})
	require.NoError(t, err)
	require.Equal(t, 1, again.Job.CompletedTasks)
}

func TestCancelJobBlocksFurtherTransitions(t *testing.T) {
	ctx := context.Background()
	s, cleanup := NewTestStore(t, ctx)
	defer cleanup()

	_, _, err := s.CreateJobWithTasks(ctx, store.NewJobParams{
		JobID:      "job-3",
		TotalTasks: 1,
		Tasks:      []store.NewTaskParams{{TaskID: "task-4", Prompt: "a cat", Style: "product_photography"}},
	})
	require.NoError(t, err)

	_, err = s.CancelJob(ctx, "job-3")
	require.NoError(t, err)

	update, err := s.RecordTaskOutcome(ctx, model.Outcome{TaskID: "task-4", Completed: false, Kind: model.ErrorCancelled, Message: "cancelled"})
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, update.Job.Status)
}
