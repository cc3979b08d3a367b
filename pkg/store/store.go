// Package store defines the persistence gateway contract: typed reads and
// writes for jobs, tasks, and images, plus the single atomic counter-update
// path the Progress Aggregator depends on.
package store

import (
	"context"
	"errors"

	"github.com/aurorastudio/imageforge/pkg/model"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// NewJobParams describes the rows a transactional job submission creates.
type NewJobParams struct {
	JobID      string
	TotalTasks int
	Tasks      []NewTaskParams
}

// NewTaskParams describes one task row created alongside a job.
type NewTaskParams struct {
	TaskID string
	Prompt string
	Style  string
}

// CounterUpdate is the result of an atomic job-counter increment.
type CounterUpdate struct {
	Job          model.Job
	BecameActive bool // true iff this update transitioned the job pending -> running
	BecameFinal  bool // true iff this update set completed_at
}

// Gateway is the persistence interface every component depends on. It is
// implemented by pkg/store/postgres and by an in-memory fake for unit tests
// that don't need a real database.
type Gateway interface {
	JobStore
	TaskStore
	ImageStore

	// CreateJobWithTasks creates a job and all of its tasks in a single
	// transaction. Failure before commit must leave no partial job.
	CreateJobWithTasks(ctx context.Context, params NewJobParams) (*model.Job, []model.Task, error)

	// RecordTaskOutcome is the Progress Aggregator's sole write path: it
	// atomically updates the task's terminal fields and the job's counters
	// in one transactional read-modify-write, never two round trips.
	RecordTaskOutcome(ctx context.Context, outcome model.Outcome) (*CounterUpdate, error)

	// Close releases underlying resources (connection pools, etc).
	Close()

	// Healthy reports whether the store can currently serve requests.
	Healthy(ctx context.Context) error
}

// JobStore covers job reads and job-level operator actions.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	CancelJob(ctx context.Context, jobID string) (*model.Job, error)
}

// TaskStore covers task reads/writes used by the dispatcher and pipeline.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]model.Task, error)
	ListStalePendingTasks(ctx context.Context, olderThanSeconds int) ([]model.Task, error)

	// ClaimTask atomically transitions a task pending -> running, stamping
	// started_at, unless it is already running within the lease window (in
	// which case claimed=false) or already terminal (in which case the
	// stored terminal Task is returned so the caller can short-circuit).
	ClaimTask(ctx context.Context, taskID string, leaseSeconds int) (task *model.Task, claimed bool, err error)

	// RetryTask resets a task to pending and increments retry_count, used
	// when a pipeline step fails with a retryable classification.
	RetryTask(ctx context.Context, taskID string) (*model.Task, error)
}

// ImageStore covers the image aggregate and its owned sub-entities.
type ImageStore interface {
	CreateImage(ctx context.Context, image *model.Image) error
	GetImage(ctx context.Context, imageID string) (*model.Image, error)
	UpdateImageStatus(ctx context.Context, imageID string, status model.ImageStatus) error

	// UpdateImageCost persists write-only cost metadata: it is never
	// surfaced through the Status API or any read path in this engine.
	UpdateImageCost(ctx context.Context, imageID string, generationCostUSD, taggingCostUSD *float64) error

	// UpdateImageConfidence records the vision adapter's overall tagging
	// confidence on the image row.
	UpdateImageConfidence(ctx context.Context, imageID string, confidence float64) error

	PutVariant(ctx context.Context, variant model.Variant) error
	ListVariants(ctx context.Context, imageID string) ([]model.Variant, error)

	PutTags(ctx context.Context, imageID string, tags []model.Tag) error
	ListTags(ctx context.Context, imageID string) ([]model.Tag, error)

	PutDescription(ctx context.Context, description model.Description) error
	PutColors(ctx context.Context, imageID string, colors []model.Color) error
	PutEmbedding(ctx context.Context, embedding model.Embedding) error
}
