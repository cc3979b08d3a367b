// Package memstore is an in-memory implementation of store.Gateway, used by
// unit tests and end-to-end tests that don't need a live Postgres container.
// It reproduces the invariants the real store guarantees: transactional job
// creation, idempotent RecordTaskOutcome, and lease-aware ClaimTask.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// Store holds all engine state behind one mutex. Every method copies on the
// way out so callers never share memory with the store's own records.
type Store struct {
	mu           sync.Mutex
	jobs         map[string]*model.Job
	tasks        map[string]*model.Task
	images       map[string]*model.Image
	variants     map[string][]model.Variant
	tags         map[string][]model.Tag
	descriptions map[string]model.Description
	colors       map[string][]model.Color
	embeddings   map[string]model.Embedding
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:         make(map[string]*model.Job),
		tasks:        make(map[string]*model.Task),
		images:       make(map[string]*model.Image),
		variants:     make(map[string][]model.Variant),
		tags:         make(map[string][]model.Tag),
		descriptions: make(map[string]model.Description),
		colors:       make(map[string][]model.Color),
		embeddings:   make(map[string]model.Embedding),
	}
}

func (g *Store) CreateJobWithTasks(ctx context.Context, params store.NewJobParams) (*model.Job, []model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	job, err := model.NewJob(params.JobID, params.TotalTasks)
	if err != nil {
		return nil, nil, err
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	g.jobs[job.ID] = job

	tasks := make([]model.Task, 0, len(params.Tasks))
	for _, tp := range params.Tasks {
		task, err := model.NewTask(tp.TaskID, params.JobID, tp.Prompt, tp.Style)
		if err != nil {
			return nil, nil, err
		}
		task.CreatedAt = time.Now()
		g.tasks[task.ID] = task
		tasks = append(tasks, *task)
	}

	jobCopy := *job
	return &jobCopy, tasks, nil
}

// RecordTaskOutcome mirrors the Postgres store's single atomic
// read-modify-write: the task's terminal fields and the job's counters move
// together under one lock, and an already-terminal task is a no-op.
func (g *Store) RecordTaskOutcome(ctx context.Context, outcome model.Outcome) (*store.CounterUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[outcome.TaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	job := g.jobs[task.JobID]

	if task.IsTerminal() {
		jobCopy := *job
		return &store.CounterUpdate{Job: jobCopy}, nil
	}

	wasStatus := job.Status
	wasFinal := job.CompletedAt != nil
	now := time.Now()

	if outcome.Completed {
		task.Status = model.TaskCompleted
		imageID := outcome.ImageID
		task.ImageID = &imageID
		job.CompletedTasks++
	} else {
		task.Status = model.TaskFailed
		message := outcome.Message
		task.ErrorMessage = &message
		job.FailedTasks++
	}
	task.CompletedAt = &now

	terminalSum := job.CompletedTasks + job.FailedTasks
	switch {
	case job.Status == model.JobCancelled:
		// sticky
	case job.FailedTasks > 0 && terminalSum == job.TotalTasks:
		job.Status = model.JobFailed
	case terminalSum == job.TotalTasks:
		job.Status = model.JobCompleted
	default:
		job.Status = model.JobRunning
	}
	if terminalSum == job.TotalTasks && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.UpdatedAt = now

	jobCopy := *job
	return &store.CounterUpdate{
		Job:          jobCopy,
		BecameActive: wasStatus == model.JobPending && job.Status != model.JobPending,
		BecameFinal:  !wasFinal && job.CompletedAt != nil,
	}, nil
}

func (g *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (g *Store) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status == model.JobPending || job.Status == model.JobRunning {
		job.Status = model.JobCancelled
		job.UpdatedAt = time.Now()
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (g *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	taskCopy := *task
	return &taskCopy, nil
}

func (g *Store) ListTasksByJob(ctx context.Context, jobID string) ([]model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Task
	for _, t := range g.tasks {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (g *Store) ListStalePendingTasks(ctx context.Context, olderThanSeconds int) ([]model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Task
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	for _, t := range g.tasks {
		if t.Status == model.TaskPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (g *Store) ClaimTask(ctx context.Context, taskID string, leaseSeconds int) (*model.Task, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if task.IsTerminal() {
		taskCopy := *task
		return &taskCopy, false, nil
	}
	if task.Status == model.TaskRunning && task.StartedAt != nil &&
		time.Since(*task.StartedAt) < time.Duration(leaseSeconds)*time.Second {
		taskCopy := *task
		return &taskCopy, false, nil
	}

	now := time.Now()
	task.Status = model.TaskRunning
	task.StartedAt = &now
	taskCopy := *task
	return &taskCopy, true, nil
}

func (g *Store) RetryTask(ctx context.Context, taskID string) (*model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	task.Status = model.TaskPending
	task.StartedAt = nil
	task.RetryCount++
	taskCopy := *task
	return &taskCopy, nil
}

func (g *Store) CreateImage(ctx context.Context, image *model.Image) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	image.CreatedAt = now
	image.UpdatedAt = now
	imgCopy := *image
	g.images[image.ID] = &imgCopy
	return nil
}

func (g *Store) GetImage(ctx context.Context, imageID string) (*model.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[imageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	imgCopy := *img
	return &imgCopy, nil
}

func (g *Store) UpdateImageStatus(ctx context.Context, imageID string, status model.ImageStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.Status = status
	img.UpdatedAt = time.Now()
	return nil
}

func (g *Store) UpdateImageCost(ctx context.Context, imageID string, generationCostUSD, taggingCostUSD *float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	if generationCostUSD != nil {
		img.GenerationCostUSD = generationCostUSD
	}
	if taggingCostUSD != nil {
		img.TaggingCostUSD = taggingCostUSD
	}
	img.UpdatedAt = time.Now()
	return nil
}

func (g *Store) UpdateImageConfidence(ctx context.Context, imageID string, confidence float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.TaggingConfidence = &confidence
	img.UpdatedAt = time.Now()
	return nil
}

func (g *Store) PutVariant(ctx context.Context, v model.Variant) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing := g.variants[v.ImageID]
	for i, e := range existing {
		if e.Preset == v.Preset {
			existing[i] = v
			g.variants[v.ImageID] = existing
			return nil
		}
	}
	g.variants[v.ImageID] = append(existing, v)
	return nil
}

func (g *Store) ListVariants(ctx context.Context, imageID string) ([]model.Variant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Variant(nil), g.variants[imageID]...), nil
}

func (g *Store) PutTags(ctx context.Context, imageID string, tags []model.Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tags[imageID] = model.DedupTags(tags)
	return nil
}

func (g *Store) ListTags(ctx context.Context, imageID string) ([]model.Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Tag(nil), g.tags[imageID]...), nil
}

func (g *Store) PutDescription(ctx context.Context, d model.Description) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.descriptions[d.ImageID] = d
	return nil
}

func (g *Store) PutColors(ctx context.Context, imageID string, colors []model.Color) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.colors[imageID] = append([]model.Color(nil), colors...)
	return nil
}

func (g *Store) PutEmbedding(ctx context.Context, e model.Embedding) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.embeddings[e.ImageID] = e
	return nil
}

func (g *Store) Close() {}

func (g *Store) Healthy(ctx context.Context) error { return nil }

// GetDescription returns the description stored for an image, if any. It is
// a test-inspection helper outside the store.Gateway contract.
func (g *Store) GetDescription(imageID string) (model.Description, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.descriptions[imageID]
	return d, ok
}

// GetEmbedding returns the embedding stored for an image, if any.
func (g *Store) GetEmbedding(imageID string) (model.Embedding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.embeddings[imageID]
	return e, ok
}

// AllImages snapshots every image row, for end-to-end assertions.
func (g *Store) AllImages() []model.Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Image, 0, len(g.images))
	for _, img := range g.images {
		out = append(out, *img)
	}
	return out
}

// AllVariants snapshots every variant row across all images.
func (g *Store) AllVariants() []model.Variant {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.Variant
	for _, vs := range g.variants {
		out = append(out, vs...)
	}
	return out
}

// AllEmbeddings snapshots every embedding row.
func (g *Store) AllEmbeddings() []model.Embedding {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Embedding, 0, len(g.embeddings))
	for _, e := range g.embeddings {
		out = append(out, e)
	}
	return out
}

var _ store.Gateway = (*Store)(nil)
