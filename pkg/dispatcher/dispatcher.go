// Package dispatcher implements the Dispatcher and its two enqueue modes:
// an in-process bounded worker pool draining an unbounded channel, and an
// external-queue poster that targets the stateless Worker Endpoint over
// HTTP, rate-limited so the engine never exceeds the configured dispatch
// rate even against an unbounded test double.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/pipeline"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// ErrInvalidSubmission marks a submission rejected at validation, before
// any persistence. The API layer surfaces it as a 400; everything else a
// Submit returns is an infrastructure failure.
var ErrInvalidSubmission = errors.New("invalid submission")

// Mode selects how the dispatcher delivers tasks to workers.
type Mode string

const (
	ModeInProcess Mode = "in_process"
	ModeExternal  Mode = "external"
)

// QueueConfig configures external-queue dispatch.
type QueueConfig struct {
	WorkerURL               string
	MaxConcurrentDispatches int
	MaxDispatchesPerSecond  float64
	WebhookSecret           string
}

// Config tunes dispatcher behavior.
type Config struct {
	Mode              Mode
	WorkerConcurrency int
	Queue             QueueConfig
}

// Runner drives a single task through the pipeline. Satisfied by
// *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, taskID string) (model.Outcome, error)
}

// workerMessage is the JSON body posted to the queue (external mode) or
// handled directly by the worker endpoint handler.
type workerMessage struct {
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
}

// Dispatcher accepts batch submissions, persists job+task rows
// transactionally, and fans tasks out to workers under one of the two
// deployment modes.
type Dispatcher struct {
	store     store.Gateway
	pipeline  Runner
	config    Config
	log       *logging.Logger
	metrics   *metrics.Metrics
	idFactory func() string

	queue       *taskQueue // in-process mode only
	httpClient  *http.Client
	limiter     *rate.Limiter
	dispatchSem chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Dispatcher. idFactory generates opaque job and task ids
// (production callers pass uuid.NewString).
func New(gateway store.Gateway, runner Runner, config Config, m *metrics.Metrics, log *logging.Logger, idFactory func() string) *Dispatcher {
	d := &Dispatcher{
		store:     gateway,
		pipeline:  runner,
		config:    config,
		log:       log.WithComponent("dispatcher"),
		metrics:   m,
		idFactory: idFactory,
		stop:      make(chan struct{}),
	}

	if config.Mode == ModeInProcess {
		d.queue = newTaskQueue()
	} else {
		d.httpClient = &http.Client{Timeout: 30 * time.Second}
		rps := config.Queue.MaxDispatchesPerSecond
		if rps <= 0 {
			rps = 20
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		concurrency := config.Queue.MaxConcurrentDispatches
		if concurrency <= 0 {
			concurrency = 10
		}
		d.dispatchSem = make(chan struct{}, concurrency)
	}

	return d
}

// SubmitParams are the validated inputs to Submit.
type SubmitParams struct {
	Prompts        []string
	Style          string
	CountPerPrompt int
}

// Submit creates one job and its tasks in a single transaction, then
// enqueues each task exactly once. Validation errors are returned
// synchronously and leave no partial job; enqueue failures are logged and
// leave the task in pending for the reconciler.
func (d *Dispatcher) Submit(ctx context.Context, params SubmitParams) (*model.Job, error) {
	prompts, err := normalizePrompts(params.Prompts)
	if err != nil {
		return nil, err
	}

	style := params.Style
	if style == "" {
		style = model.DefaultStyle
	}

	countPerPrompt := params.CountPerPrompt
	if countPerPrompt == 0 {
		countPerPrompt = 1
	}
	if countPerPrompt < 1 {
		return nil, fmt.Errorf("%w: count_per_prompt must be >= 1", ErrInvalidSubmission)
	}

	jobID := d.idFactory()
	var tasks []store.NewTaskParams
	for _, prompt := range prompts {
		for i := 0; i < countPerPrompt; i++ {
			tasks = append(tasks, store.NewTaskParams{
				TaskID: d.idFactory(),
				Prompt: prompt,
				Style:  style,
			})
		}
	}

	job, created, err := d.store.CreateJobWithTasks(ctx, store.NewJobParams{
		JobID:      jobID,
		TotalTasks: len(tasks),
		Tasks:      tasks,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	d.log.WithFields(map[string]interface{}{"job_id": job.ID, "total_tasks": job.TotalTasks}).Info("job submitted")

	for _, task := range created {
		d.enqueue(ctx, task.ID, task.RetryCount)
	}

	return job, nil
}

// normalizePrompts trims every prompt and rejects the batch if any entry is
// empty after trimming, or if the list itself is empty, per the validation
// contract that runs before any persistence.
func normalizePrompts(prompts []string) ([]string, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: prompts must not be empty", ErrInvalidSubmission)
	}
	out := make([]string, 0, len(prompts))
	for _, p := range prompts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: prompts must not contain empty strings", ErrInvalidSubmission)
		}
		out = append(out, trimmed)
	}
	return out, nil
}

// enqueue delivers one task id to a worker under the configured mode.
func (d *Dispatcher) enqueue(ctx context.Context, taskID string, retryCount int) {
	switch d.config.Mode {
	case ModeInProcess:
		d.queue.Push(taskID)
		d.metrics.SetQueueDepth(d.queue.Depth())
		d.metrics.ObserveDispatch("in_process", "ok")
	default:
		d.wg.Add(1)
		go d.postToQueue(ctx, taskID, retryCount)
	}
}

// Requeue implements pipeline.Requeuer: it re-delivers a task the pipeline
// has just reset to pending for a retryable failure.
func (d *Dispatcher) Requeue(ctx context.Context, taskID string, retryCount int) {
	d.enqueue(ctx, taskID, retryCount)
}

// postToQueue simulates posting a dispatch message to the external task
// queue by invoking the configured worker URL directly, bounded by a
// concurrency semaphore and a token-bucket rate limiter so the engine never
// exceeds queue.max_dispatches_per_second.
func (d *Dispatcher) postToQueue(ctx context.Context, taskID string, retryCount int) {
	defer d.wg.Done()

	select {
	case d.dispatchSem <- struct{}{}:
		defer func() { <-d.dispatchSem }()
	case <-d.stop:
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.log.WithField("task_id", taskID).Warn("dispatch rate limiter wait aborted: " + err.Error())
		d.metrics.ObserveDispatch("external", "error")
		return
	}

	body, err := json.Marshal(workerMessage{TaskID: taskID, RetryCount: retryCount})
	if err != nil {
		d.log.WithField("task_id", taskID).Error("marshal dispatch message: " + err.Error())
		d.metrics.ObserveDispatch("external", "error")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Queue.WorkerURL, bytes.NewReader(body))
	if err != nil {
		d.log.WithField("task_id", taskID).Error("build dispatch request: " + err.Error())
		d.metrics.ObserveDispatch("external", "error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.Queue.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", d.config.Queue.WebhookSecret)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Enqueue failed: the task stays pending; the reconciler may retry it.
		d.log.WithField("task_id", taskID).Warn("dispatch to worker endpoint failed: " + err.Error())
		d.metrics.ObserveDispatch("external", "error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.log.WithFields(map[string]interface{}{"task_id": taskID, "status": resp.StatusCode}).Warn("worker endpoint rejected dispatch")
		d.metrics.ObserveDispatch("external", "error")
		return
	}

	d.metrics.ObserveDispatch("external", "ok")
}

// RunWorkers starts WorkerConcurrency goroutines draining the in-process
// queue, each a sequential driver of the pipeline. It is a no-op in
// external mode. Workers exit once Shutdown closes the queue and the
// channel drains.
func (d *Dispatcher) RunWorkers(ctx context.Context) {
	if d.config.Mode != ModeInProcess {
		return
	}
	n := d.config.WorkerConcurrency
	if n < 1 {
		n = 1
	}

	var busy int64
	var busyMu sync.Mutex
	reportUtilization := func(delta int64) {
		busyMu.Lock()
		busy += delta
		d.metrics.SetWorkerUtilization(float64(busy) / float64(n))
		busyMu.Unlock()
	}

	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go func(workerIndex int) {
			defer d.wg.Done()
			log := d.log.WithField("worker", workerIndex)
			for taskID := range d.queue.Chan() {
				d.metrics.SetQueueDepth(d.queue.Depth())
				reportUtilization(1)
				if _, err := d.pipeline.Run(ctx, taskID); err != nil {
					log.WithField("task_id", taskID).Errorf("pipeline run failed: %v", err)
				}
				reportUtilization(-1)
			}
		}(i)
	}
}

// Shutdown signals in-process workers to stop accepting new work and waits
// up to grace for in-flight tasks to finish, then returns without further
// blocking (the caller's context cancellation, if any, aborts stragglers).
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.queue != nil {
		d.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn("shutdown grace period elapsed with tasks still in flight")
	}
}

var _ pipeline.Requeuer = (*Dispatcher)(nil)
