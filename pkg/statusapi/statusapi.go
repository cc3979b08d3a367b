// Package statusapi implements the read-only projection of a job: the
// poll-based status view and the richer job-detail view, neither of which
// may mutate job state.
package statusapi

import (
	"context"
	"fmt"
	"time"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// Status is the projection returned by Get: totals, completed, failed, and
// the derived percentage. progress_percentage is always computed, never
// stored.
type Status struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	TotalTasks         int        `json:"total_tasks"`
	CompletedTasks     int        `json:"completed_tasks"`
	FailedTasks        int        `json:"failed_tasks"`
	ProgressPercentage float64    `json:"progress_percentage"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// TaskDetail is one task's projection within a job-detail response.
type TaskDetail struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	RetryCount   int     `json:"retry_count"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ImageID      *string `json:"image_id,omitempty"`
}

// Detail is the job-detail projection: job fields plus each task's status,
// retry_count, and error_message, so a caller can see which prompts failed
// and why.
type Detail struct {
	Status
	Tasks []TaskDetail `json:"tasks"`
}

// API is the read-only Status API over the persistence gateway.
type API struct {
	store store.JobStore
	tasks store.TaskStore
}

// New constructs a Status API.
func New(jobs store.JobStore, tasks store.TaskStore) *API {
	return &API{store: jobs, tasks: tasks}
}

// Get returns the status projection for a job. Unknown id returns
// store.ErrNotFound, translated by the caller to a 404.
func (a *API) Get(ctx context.Context, jobID string) (*Status, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return toStatus(job), nil
}

// GetDetail returns the status projection plus a per-task breakdown.
func (a *API) GetDetail(ctx context.Context, jobID string) (*Detail, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	tasks, err := a.tasks.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}

	details := make([]TaskDetail, 0, len(tasks))
	for _, t := range tasks {
		details = append(details, TaskDetail{
			ID:           t.ID,
			Status:       string(t.Status),
			RetryCount:   t.RetryCount,
			ErrorMessage: t.ErrorMessage,
			ImageID:      t.ImageID,
		})
	}

	return &Detail{Status: *toStatus(job), Tasks: details}, nil
}

// Cancel transitions a job in pending|running to cancelled. It is an
// operator action, not part of the read-only Status API contract, but lives
// here alongside it since both sit behind the same admin job routes.
func (a *API) Cancel(ctx context.Context, jobID string) (*Status, error) {
	job, err := a.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return toStatus(job), nil
}

// FromJob projects a job into the status shape, used by the submit handler
// so every job representation on the wire is the same projection.
func FromJob(job *model.Job) *Status {
	return toStatus(job)
}

func toStatus(job *model.Job) *Status {
	return &Status{
		ID:                 job.ID,
		Status:             string(job.Status),
		TotalTasks:         job.TotalTasks,
		CompletedTasks:     job.CompletedTasks,
		FailedTasks:        job.FailedTasks,
		ProgressPercentage: job.ProgressPercentage(),
		CreatedAt:          job.CreatedAt,
		CompletedAt:        job.CompletedAt,
	}
}
