package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// fakeGateway implements store.Gateway by embedding a nil interface and
// overriding only the methods the dispatcher and reconciler actually call;
// anything else panics if exercised, which would indicate the test reached
// further than intended.
type fakeGateway struct {
	store.Gateway

	mu    sync.Mutex
	jobs  map[string]*model.Job
	tasks map[string]*model.Task
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{jobs: make(map[string]*model.Job), tasks: make(map[string]*model.Task)}
}

func (g *fakeGateway) CreateJobWithTasks(ctx context.Context, params store.NewJobParams) (*model.Job, []model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	job := &model.Job{ID: params.JobID, Status: model.JobPending, TotalTasks: params.TotalTasks, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	g.jobs[job.ID] = job

	tasks := make([]model.Task, 0, len(params.Tasks))
	for _, tp := range params.Tasks {
		task := &model.Task{ID: tp.TaskID, JobID: params.JobID, Prompt: tp.Prompt, Style: tp.Style, Status: model.TaskPending, CreatedAt: time.Now()}
		g.tasks[task.ID] = task
		tasks = append(tasks, *task)
	}

	jobCopy := *job
	return &jobCopy, tasks, nil
}

func (g *fakeGateway) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (g *fakeGateway) ListStalePendingTasks(ctx context.Context, olderThanSeconds int) ([]model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var out []model.Task
	for _, t := range g.tasks {
		if t.Status == model.TaskPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (g *fakeGateway) Healthy(ctx context.Context) error { return nil }
func (g *fakeGateway) Close()                            {}

var _ store.Gateway = (*fakeGateway)(nil)

// fakeRunner records which task ids it was asked to run.
type fakeRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *fakeRunner) Run(ctx context.Context, taskID string) (model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, taskID)
	return model.Outcome{TaskID: taskID, Completed: true}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func testLogger() *logging.Logger { return logging.New(logging.DefaultConfig()) }

func idFactory() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestSubmitValidatesPrompts(t *testing.T) {
	gateway := newFakeGateway()
	d := New(gateway, &fakeRunner{}, Config{Mode: ModeInProcess, WorkerConcurrency: 1}, metrics.New(), testLogger(), idFactory())

	_, err := d.Submit(context.Background(), SubmitParams{Prompts: nil})
	if err == nil {
		t.Fatal("expected validation error for empty prompts")
	}

	_, err = d.Submit(context.Background(), SubmitParams{Prompts: []string{"  "}})
	if err == nil {
		t.Fatal("expected validation error for blank prompt")
	}
}

func TestSubmitCreatesJobAndDispatchesInProcess(t *testing.T) {
	gateway := newFakeGateway()
	runner := &fakeRunner{}
	d := New(gateway, runner, Config{Mode: ModeInProcess, WorkerConcurrency: 2}, metrics.New(), testLogger(), idFactory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)

	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a", "b"}, CountPerPrompt: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.TotalTasks != 2 {
		t.Fatalf("expected total_tasks=2, got %d", job.TotalTasks)
	}

	deadline := time.After(2 * time.Second)
	for runner.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected both tasks to reach the runner, got %d", runner.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	d.Shutdown(time.Second)
}

func TestSubmitExternalModeDispatchesToWorkerURL(t *testing.T) {
	var received []workerMessage
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg workerMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode worker message: %v", err)
		}
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gateway := newFakeGateway()
	d := New(gateway, &fakeRunner{}, Config{
		Mode: ModeExternal,
		Queue: QueueConfig{
			WorkerURL:               srv.URL,
			MaxConcurrentDispatches: 4,
			MaxDispatchesPerSecond:  50,
			WebhookSecret:           "s3cr3t",
		},
	}, metrics.New(), testLogger(), idFactory())

	_, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a"}, CountPerPrompt: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected exactly one dispatch to the worker URL")
		case <-time.After(10 * time.Millisecond):
		}
	}

	d.Shutdown(time.Second)
}

func TestRequeueRedeliversToInProcessQueue(t *testing.T) {
	gateway := newFakeGateway()
	runner := &fakeRunner{}
	d := New(gateway, runner, Config{Mode: ModeInProcess, WorkerConcurrency: 1}, metrics.New(), testLogger(), idFactory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)

	d.Requeue(context.Background(), "task-99", 1)

	deadline := time.After(time.Second)
	for runner.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("expected requeued task to reach the runner")
		case <-time.After(10 * time.Millisecond):
		}
	}

	d.Shutdown(time.Second)
}
