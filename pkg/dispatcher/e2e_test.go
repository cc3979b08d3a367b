package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aurorastudio/imageforge/pkg/aggregator"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/objectstore"
	"github.com/aurorastudio/imageforge/pkg/pipeline"
	"github.com/aurorastudio/imageforge/pkg/providers"
	"github.com/aurorastudio/imageforge/pkg/store/memstore"
)

// trackingGen wraps the stub generation adapter with an artificial delay and
// a high-water mark of concurrent calls, to observe the worker pool's
// concurrency bound from inside the pipeline.
type trackingGen struct {
	inner *providers.StubGeneration
	delay time.Duration

	mu         sync.Mutex
	running    int
	maxRunning int
}

func (g *trackingGen) IsAsync() bool { return false }

func (g *trackingGen) Generate(ctx context.Context, prompt string, width, height int) (*providers.SyncResult, *providers.AsyncHandle, error) {
	g.mu.Lock()
	g.running++
	if g.running > g.maxRunning {
		g.maxRunning = g.running
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running--
		g.mu.Unlock()
	}()

	time.Sleep(g.delay)
	return g.inner.Generate(ctx, prompt, width, height)
}

func (g *trackingGen) Poll(ctx context.Context, handle providers.AsyncHandle) (*providers.PollResult, error) {
	return g.inner.Poll(ctx, handle)
}

func (g *trackingGen) ClassifyError(err error) model.ErrorKind { return g.inner.ClassifyError(err) }

func (g *trackingGen) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxRunning
}

// newEngine wires memstore + stub providers + pipeline + dispatcher in
// in-process mode, with the dispatcher itself serving as the pipeline's
// requeuer, exactly as the production binary does.
func newEngine(t *testing.T, gen providers.GenerationAdapter, workerConcurrency, maxRetries int) (*Dispatcher, *memstore.Store) {
	t.Helper()

	gateway := memstore.New()
	objects, err := objectstore.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("create object store: %v", err)
	}
	log := testLogger()
	m := metrics.New()
	agg := aggregator.New(gateway, m, log)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.MaxRetries = maxRetries

	var d *Dispatcher
	requeuer := requeuerFn(func(ctx context.Context, taskID string, retryCount int) {
		d.Requeue(ctx, taskID, retryCount)
	})
	p := pipeline.New(gateway, objects, gen, providers.NewStubVision(nil), providers.NewStubEmbedding(map[string]string{"dimension": "8"}),
		agg, 2, pipeCfg, m, log, idFactory(), requeuer)
	d = New(gateway, p, Config{Mode: ModeInProcess, WorkerConcurrency: workerConcurrency}, m, log, idFactory())

	return d, gateway
}

type requeuerFn func(ctx context.Context, taskID string, retryCount int)

func (f requeuerFn) Requeue(ctx context.Context, taskID string, retryCount int) {
	f(ctx, taskID, retryCount)
}

func waitForTerminalJob(t *testing.T, gateway *memstore.Store, jobID string, timeout time.Duration) *model.Job {
	t.Helper()
	deadline := time.After(timeout)
	for {
		job, err := gateway.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		switch job.Status {
		case model.JobCompleted, model.JobFailed:
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never terminal, last=%+v", jobID, job)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTransientFailuresRetryThenComplete(t *testing.T) {
	gen := &trackingGen{inner: providers.NewStubGeneration(map[string]string{"fail_count": "2"})}
	d, gateway := newEngine(t, gen, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)
	defer d.Shutdown(2 * time.Second)

	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminalJob(t, gateway, job.ID, 10*time.Second)
	if final.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %+v", final)
	}

	tasks, _ := gateway.ListTasksByJob(context.Background(), job.ID)
	if len(tasks) != 1 || tasks[0].RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %+v", tasks)
	}
	if tasks[0].ImageID == nil {
		t.Fatal("completed task must reference its image")
	}
	if got := len(gateway.AllImages()); got != 1 {
		t.Fatalf("expected exactly one image row, got %d", got)
	}
}

func TestMaxRetriesZeroFailsAfterOneAttempt(t *testing.T) {
	gen := &trackingGen{inner: providers.NewStubGeneration(map[string]string{"fail_count": "1"})}
	d, gateway := newEngine(t, gen, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)
	defer d.Shutdown(2 * time.Second)

	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminalJob(t, gateway, job.ID, 10*time.Second)
	if final.Status != model.JobFailed || final.FailedTasks != 1 {
		t.Fatalf("expected failed job after single attempt, got %+v", final)
	}

	tasks, _ := gateway.ListTasksByJob(context.Background(), job.ID)
	if tasks[0].RetryCount != 0 {
		t.Fatalf("expected no retries with max_retries=0, got %d", tasks[0].RetryCount)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	gen := &trackingGen{inner: providers.NewStubGeneration(nil), delay: 100 * time.Millisecond}
	d, gateway := newEngine(t, gen, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)
	defer d.Shutdown(2 * time.Second)

	start := time.Now()
	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a", "b", "c", "d", "e", "f", "g"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminalJob(t, gateway, job.ID, 30*time.Second)
	elapsed := time.Since(start)

	if final.CompletedTasks != 7 {
		t.Fatalf("expected all seven tasks completed, got %+v", final)
	}
	// ceil(7/2) batches of 100ms generation each.
	if elapsed < 400*time.Millisecond {
		t.Fatalf("seven 100ms tasks on two workers finished implausibly fast: %v", elapsed)
	}
	if got := gen.max(); got > 2 {
		t.Fatalf("observed %d concurrent generations with worker_concurrency=2", got)
	}
}

func TestCancelledJobStopsFurtherWork(t *testing.T) {
	gen := &trackingGen{inner: providers.NewStubGeneration(nil), delay: 50 * time.Millisecond}
	d, gateway := newEngine(t, gen, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)
	defer d.Shutdown(2 * time.Second)

	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a", "b", "c", "d"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := gateway.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	// Wait for every task to settle, then check the cancelled status stuck
	// and later tasks were failed without running the pipeline.
	deadline := time.After(10 * time.Second)
	for {
		tasks, _ := gateway.ListTasksByJob(context.Background(), job.ID)
		settled := 0
		for _, task := range tasks {
			if task.IsTerminal() {
				settled++
			}
		}
		if settled == len(tasks) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tasks never settled after cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	final, _ := gateway.GetJob(context.Background(), job.ID)
	if final.Status != model.JobCancelled {
		t.Fatalf("cancelled status must be sticky, got %s", final.Status)
	}

	tasks, _ := gateway.ListTasksByJob(context.Background(), job.ID)
	var cancelledTasks int
	for _, task := range tasks {
		if task.Status == model.TaskFailed && task.ErrorMessage != nil && *task.ErrorMessage == "job was cancelled" {
			cancelledTasks++
		}
	}
	if cancelledTasks == 0 {
		t.Fatal("expected at least one task failed with the cancellation message")
	}
}

func TestDuplicateDeliveryYieldsOneImageAndOneIncrement(t *testing.T) {
	gen := &trackingGen{inner: providers.NewStubGeneration(nil)}
	d, gateway := newEngine(t, gen, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.RunWorkers(ctx)
	defer d.Shutdown(2 * time.Second)

	job, err := d.Submit(context.Background(), SubmitParams{Prompts: []string{"a"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitForTerminalJob(t, gateway, job.ID, 10*time.Second)
	if final.CompletedTasks != 1 {
		t.Fatalf("expected one completion, got %+v", final)
	}

	// Deliver the same task id again, as a duplicated queue message would.
	tasks, _ := gateway.ListTasksByJob(context.Background(), job.ID)
	d.Requeue(context.Background(), tasks[0].ID, 0)

	time.Sleep(200 * time.Millisecond)
	after, _ := gateway.GetJob(context.Background(), job.ID)
	if after.CompletedTasks != 1 || after.FailedTasks != 0 {
		t.Fatalf("duplicate delivery must not change counters, got %+v", after)
	}
	if got := len(gateway.AllImages()); got != 1 {
		t.Fatalf("duplicate delivery must not create a second image, got %d", got)
	}
}
