// Package pipeline implements the single-task work unit shared by both
// deployment modes: generate -> derive variants -> upload -> tag -> embed ->
// commit. It is safe to invoke concurrently on distinct task ids and
// idempotent on the same task id across crashes and re-delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/objectstore"
	"github.com/aurorastudio/imageforge/pkg/providers"
	"github.com/aurorastudio/imageforge/pkg/store"
	"github.com/aurorastudio/imageforge/pkg/variants"
)

// Config tunes pipeline behavior. Values come from pkg/config at startup.
type Config struct {
	MaxRetries        int
	TaskBudget        time.Duration
	LeaseSeconds      int
	GenerationTimeout time.Duration
	TaggingTimeout    time.Duration
	EmbeddingTimeout  time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
}

// DefaultConfig matches the timeouts and retry budget named in the
// concurrency and resource model.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		TaskBudget:        10 * time.Minute,
		LeaseSeconds:      600,
		GenerationTimeout: 120 * time.Second,
		TaggingTimeout:    60 * time.Second,
		EmbeddingTimeout:  30 * time.Second,
		PollInterval:      2 * time.Second,
		PollMaxAttempts:   60,
	}
}

// Aggregator is the Progress Aggregator contract the pipeline depends on to
// report a terminal outcome exactly once. Implemented by pkg/aggregator.
type Aggregator interface {
	Record(ctx context.Context, outcome model.Outcome) (*store.CounterUpdate, error)
}

// Requeuer re-delivers a task id after the pipeline has reset it to pending
// for a retryable failure. The in-process dispatcher re-inserts it onto its
// worker channel; the external-queue dispatcher re-posts it to the queue.
// A nil Requeuer leaves the task in pending for the reconciler to pick up.
type Requeuer interface {
	Requeue(ctx context.Context, taskID string, retryCount int)
}

// Pipeline drives one task through generate/variants/upload/tag/embed/commit.
type Pipeline struct {
	store        store.Gateway
	objects      objectstore.Store
	generation   providers.GenerationAdapter
	vision       providers.VisionAdapter
	embedding    providers.EmbeddingAdapter
	aggregator   Aggregator
	requeuer     Requeuer
	cpuSemaphore *semaphore.Weighted
	config       Config
	metrics      *metrics.Metrics
	log          *logging.Logger
	idFactory    func() string
}

// New constructs a Pipeline. cpuSlots bounds concurrent image decode/resize
// work, isolating it from the I/O concurrency budget (worker count or queue
// concurrency) per the concurrency and resource model. requeuer may be nil.
func New(
	gateway store.Gateway,
	objects objectstore.Store,
	generation providers.GenerationAdapter,
	vision providers.VisionAdapter,
	embedding providers.EmbeddingAdapter,
	aggregator Aggregator,
	cpuSlots int64,
	config Config,
	m *metrics.Metrics,
	log *logging.Logger,
	idFactory func() string,
	requeuer Requeuer,
) *Pipeline {
	if cpuSlots < 1 {
		cpuSlots = 1
	}
	return &Pipeline{
		store:        gateway,
		objects:      objects,
		generation:   generation,
		vision:       vision,
		embedding:    embedding,
		aggregator:   aggregator,
		requeuer:     requeuer,
		cpuSemaphore: semaphore.NewWeighted(cpuSlots),
		config:       config,
		metrics:      m,
		log:          log.WithComponent("pipeline"),
		idFactory:    idFactory,
	}
}

// Run executes the full pipeline for one task id, returning the terminal
// (or retry-pending) outcome. It never panics across its boundary: every
// failure is captured, classified, and either retried or reported.
func (p *Pipeline) Run(ctx context.Context, taskID string) (model.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.TaskBudget)
	defer cancel()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.IsTerminal() {
		return p.terminalOutcomeFor(task), nil
	}

	log := p.log.WithFields(map[string]interface{}{"task_id": taskID, "job_id": task.JobID})

	var outcome model.Outcome
	if job, jerr := p.store.GetJob(ctx, task.JobID); jerr == nil && job.Status == model.JobCancelled {
		// The task is failed without ever transitioning to running: once
		// cancellation is observed, no task starts.
		log.Info("job was cancelled; failing task with kind=cancelled")
		outcome = p.fail(taskID, model.ErrorCancelled, "job was cancelled", false)
	} else {
		claimed := false
		task, claimed, err = p.store.ClaimTask(ctx, taskID, p.config.LeaseSeconds)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("claim task %s: %w", taskID, err)
		}
		if !claimed {
			if task.IsTerminal() {
				return p.terminalOutcomeFor(task), nil
			}
			// Another worker holds a fresh lease; this invocation is a no-op.
			return model.Outcome{TaskID: taskID}, nil
		}
		log.Info("claimed task")
		outcome = p.execute(ctx, task)
	}

	// A failure caused by the task exceeding its wall-clock budget, or by
	// shutdown cancellation, is terminal regardless of remaining retries.
	if !outcome.Completed {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome = p.fail(taskID, model.ErrorTimeout, "task exceeded its wall-clock budget", false)
		case errors.Is(ctx.Err(), context.Canceled):
			outcome = p.fail(taskID, model.ErrorCancelled, "task was cancelled", false)
		}
	}

	if !outcome.Completed && outcome.Retryable && task.RetryCount < p.config.MaxRetries {
		retried, err := p.store.RetryTask(ctx, taskID)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("retry task %s: %w", taskID, err)
		}
		log.WithField("retry_count", retried.RetryCount).Info("task scheduled for retry")
		if p.requeuer != nil {
			p.requeuer.Requeue(ctx, taskID, retried.RetryCount)
		}
		return model.Outcome{TaskID: taskID}, nil
	}

	// The terminal record must survive the very timeout or cancellation
	// that produced the outcome.
	update, err := p.aggregator.Record(context.WithoutCancel(ctx), outcome)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("record outcome for task %s: %w", taskID, err)
	}
	log.WithField("job_status", update.Job.Status).Info("task outcome recorded")

	return outcome, nil
}

func (p *Pipeline) terminalOutcomeFor(task *model.Task) model.Outcome {
	if task.Status == model.TaskCompleted {
		imageID := ""
		if task.ImageID != nil {
			imageID = *task.ImageID
		}
		return model.Outcome{TaskID: task.ID, Completed: true, ImageID: imageID}
	}
	message := ""
	if task.ErrorMessage != nil {
		message = *task.ErrorMessage
	}
	return model.Outcome{TaskID: task.ID, Completed: false, Message: message}
}

// execute runs the generate/variants/upload/tag/embed/commit chain for a
// freshly claimed task. It never returns an error: every failure becomes a
// classified, non-completed Outcome. A partial image left behind by a
// failure is marked rejected so it never surfaces as searchable.
func (p *Pipeline) execute(ctx context.Context, task *model.Task) (outcome model.Outcome) {
	if ctx.Err() != nil {
		return p.fail(task.ID, model.ErrorTimeout, "task exceeded its wall-clock budget", false)
	}

	var imageID string
	defer func() {
		if outcome.Completed || imageID == "" {
			return
		}
		cleanupCtx := context.WithoutCancel(ctx)
		if err := p.store.UpdateImageStatus(cleanupCtx, imageID, model.ImageRejected); err != nil {
			p.log.WithFields(map[string]interface{}{"task_id": task.ID, "image_id": imageID}).
				Errorf("mark partial image rejected: %v", err)
		}
	}()

	stepStart := time.Now()
	genBytes, genCost, failure := p.generate(ctx, task)
	p.metrics.ObservePipelineStep("generate", time.Since(stepStart).Seconds())
	if failure != nil {
		return *failure
	}

	// The image row is created only once generation has produced bytes, so
	// a failed or retried generation leaves no image row behind.
	id := p.idFactory()
	image := model.NewImage(id, task.Prompt, task.Style)
	image.GenerationCostUSD = &genCost
	if err := p.store.CreateImage(ctx, image); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("create image record: %v", err), true)
	}
	imageID = id
	if err := p.store.UpdateImageStatus(ctx, imageID, model.ImageProcessing); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("mark image processing: %v", err), true)
	}

	stepStart = time.Now()
	encoded, failure := p.deriveVariants(ctx, genBytes)
	p.metrics.ObservePipelineStep("variants", time.Since(stepStart).Seconds())
	if failure != nil {
		return p.withTaskID(task.ID, *failure)
	}

	stepStart = time.Now()
	if failure := p.upload(ctx, imageID, encoded); failure != nil {
		return p.withTaskID(task.ID, *failure)
	}
	p.metrics.ObservePipelineStep("upload", time.Since(stepStart).Seconds())

	if err := p.store.UpdateImageStatus(ctx, imageID, model.ImageTagging); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("mark image tagging: %v", err), true)
	}

	stepStart = time.Now()
	visionResult, failure := p.tag(ctx, genBytes, task.Prompt)
	p.metrics.ObservePipelineStep("tag", time.Since(stepStart).Seconds())
	if failure != nil {
		return p.withTaskID(task.ID, *failure)
	}

	if err := p.persistTagging(ctx, imageID, visionResult); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("persist tagging results: %v", err), true)
	}

	embedInput := buildEmbeddingInput(task.Prompt, visionResult.Description, visionResult.Category, visionResult.Tags)
	stepStart = time.Now()
	vector, failure := p.embed(ctx, embedInput)
	p.metrics.ObservePipelineStep("embed", time.Since(stepStart).Seconds())
	if failure != nil {
		return p.withTaskID(task.ID, *failure)
	}

	if err := p.store.PutEmbedding(ctx, model.Embedding{ImageID: imageID, Vector: vector, Model: "default"}); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("persist embedding: %v", err), true)
	}

	if err := p.store.UpdateImageStatus(ctx, imageID, model.ImageReady); err != nil {
		return p.fail(task.ID, model.ErrorInfrastructure, fmt.Sprintf("commit image ready: %v", err), true)
	}

	return model.Outcome{TaskID: task.ID, Completed: true, ImageID: imageID}
}

func (p *Pipeline) withTaskID(taskID string, outcome model.Outcome) model.Outcome {
	outcome.TaskID = taskID
	return outcome
}

func (p *Pipeline) fail(taskID string, kind model.ErrorKind, message string, retryable bool) model.Outcome {
	return model.Outcome{TaskID: taskID, Completed: false, Kind: kind, Message: message, Retryable: retryable}
}

// generate calls the generation adapter, polling a bounded number of times
// if it is asynchronous, and classifies empty-bytes success as terminal.
func (p *Pipeline) generate(ctx context.Context, task *model.Task) ([]byte, float64, *model.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, p.config.GenerationTimeout)
	defer cancel()

	dims := model.PresetDimensions[model.SizeFullRes]
	result, handle, err := p.generation.Generate(ctx, task.Prompt, dims[0], dims[1])
	if err != nil {
		kind := p.generation.ClassifyError(err)
		o := p.fail(task.ID, kind, fmt.Sprintf("generation failed: %v", err), kind.Retryable())
		return nil, 0, &o
	}

	if p.generation.IsAsync() {
		result, err = p.pollGeneration(ctx, *handle)
		if err != nil {
			kind := p.generation.ClassifyError(err)
			o := p.fail(task.ID, kind, fmt.Sprintf("generation poll failed: %v", err), kind.Retryable())
			return nil, 0, &o
		}
	}

	if len(result.Bytes) == 0 {
		o := p.fail(task.ID, model.ErrorProviderTerminal, "generation returned empty bytes", false)
		return nil, 0, &o
	}

	return result.Bytes, result.CostUSD, nil
}

func (p *Pipeline) pollGeneration(ctx context.Context, handle providers.AsyncHandle) (*providers.SyncResult, error) {
	for attempt := 0; attempt < p.config.PollMaxAttempts; attempt++ {
		poll, err := p.generation.Poll(ctx, handle)
		if err != nil {
			return nil, err
		}
		switch poll.Status {
		case providers.PollCompleted:
			return &providers.SyncResult{Bytes: poll.Bytes, CostUSD: poll.CostUSD}, nil
		case providers.PollFailed:
			return nil, providers.NewProviderError(poll.Kind, poll.Message, nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.PollInterval):
		}
	}
	return nil, providers.NewProviderError(model.ErrorProviderTransient, "generation polling exceeded max attempts", nil)
}

// deriveVariants decodes the generated image once and produces one resized
// encoding per size preset, isolated on the CPU semaphore so a burst of
// resizing never starves I/O-bound goroutines.
func (p *Pipeline) deriveVariants(ctx context.Context, sourceBytes []byte) ([]variants.Encoded, *model.Outcome) {
	if err := p.cpuSemaphore.Acquire(ctx, 1); err != nil {
		o := p.fail("", model.ErrorInfrastructure, fmt.Sprintf("acquire cpu slot: %v", err), true)
		return nil, &o
	}
	defer p.cpuSemaphore.Release(1)

	encoded, err := variants.DeriveAll(sourceBytes)
	if err != nil {
		o := p.fail("", model.ErrorProviderTerminal, fmt.Sprintf("derive variants: %v", err), false)
		return nil, &o
	}
	return encoded, nil
}

func (p *Pipeline) upload(ctx context.Context, imageID string, encoded []variants.Encoded) *model.Outcome {
	for _, e := range encoded {
		path := objectstore.VariantPath(imageID, string(e.Preset))
		if err := p.objects.Put(ctx, path, e.Bytes, "image/jpeg"); err != nil {
			o := p.fail("", model.ErrorInfrastructure, fmt.Sprintf("upload variant %s: %v", e.Preset, err), true)
			return &o
		}
		if err := p.store.PutVariant(ctx, model.Variant{
			ImageID: imageID, Preset: e.Preset, Path: path, Size: int64(len(e.Bytes)), Width: e.Width, Height: e.Height,
		}); err != nil {
			o := p.fail("", model.ErrorInfrastructure, fmt.Sprintf("persist variant row %s: %v", e.Preset, err), true)
			return &o
		}
	}
	return nil
}

func (p *Pipeline) tag(ctx context.Context, imageBytes []byte, prompt string) (*providers.VisionResult, *model.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, p.config.TaggingTimeout)
	defer cancel()

	result, err := p.vision.Tag(ctx, imageBytes, prompt)
	if err != nil {
		kind := p.vision.ClassifyError(err)
		o := p.fail("", kind, fmt.Sprintf("tagging failed: %v", err), kind.Retryable())
		return nil, &o
	}
	return result, nil
}

func (p *Pipeline) persistTagging(ctx context.Context, imageID string, result *providers.VisionResult) error {
	tags := make([]model.Tag, 0, len(result.Tags))
	for _, t := range result.Tags {
		tags = append(tags, model.Tag{ImageID: imageID, Tag: t, Confidence: result.Confidence, Source: model.TagSourceAuto})
	}
	// Zero tags above threshold is not a task failure: description and
	// prompt alone remain searchable.
	if err := p.store.PutTags(ctx, imageID, tags); err != nil {
		return err
	}
	if err := p.store.PutDescription(ctx, model.Description{
		ImageID: imageID, Description: result.Description, Analysis: result.Category, Model: "default",
	}); err != nil {
		return err
	}
	if err := p.store.PutColors(ctx, imageID, result.DominantColors); err != nil {
		return err
	}
	if err := p.store.UpdateImageConfidence(ctx, imageID, result.Confidence); err != nil {
		return err
	}
	taggingCost := result.CostUSD
	return p.store.UpdateImageCost(ctx, imageID, nil, &taggingCost)
}

func (p *Pipeline) embed(ctx context.Context, input string) ([]float32, *model.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, p.config.EmbeddingTimeout)
	defer cancel()

	vector, err := p.embedding.Embed(ctx, input)
	if err != nil {
		kind := p.embedding.ClassifyError(err)
		o := p.fail("", kind, fmt.Sprintf("embedding failed: %v", err), kind.Retryable())
		return nil, &o
	}
	return vector, nil
}

// buildEmbeddingInput concatenates prompt, description, category, and the
// lexicographically sorted tag list, as the deterministic embedding input.
func buildEmbeddingInput(prompt, description, category string, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	parts := []string{prompt, description, category}
	parts = append(parts, sorted...)
	return strings.Join(parts, " ")
}
