package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/robfig/cron/v3"

	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// recentFilterCapacity and recentFilterFP size the Bloom filter of recently
// re-enqueued task ids. A false positive only delays a re-enqueue until the
// filter rotates, which at-least-once delivery tolerates.
const (
	recentFilterCapacity = 100_000
	recentFilterFP       = 0.01
	sweepsPerRotation    = 10
)

// Reconciler is the operator-facing sweep that re-enqueues tasks stuck in
// pending past a grace period. It is not part of the correctness argument
// (at-least-once delivery already holds without it); it exists to shrink the
// gap between "enqueue failed" and "someone notices".
type Reconciler struct {
	store             store.Gateway
	dispatcher        *Dispatcher
	staleAfterSeconds int
	log               *logging.Logger
	cron              *cron.Cron

	// recent remembers task ids re-enqueued on recent sweeps, so a task
	// that legitimately sits pending behind a queue backlog isn't posted
	// again on every sweep. Rotated every sweepsPerRotation sweeps.
	mu          sync.Mutex
	recent      *bloom.BloomFilter
	sweepsSince int
}

// NewReconciler builds a Reconciler whose sweeps look for tasks pending
// longer than staleAfterSeconds. intervalSeconds is not used here; the sweep
// interval is the one passed to Start.
func NewReconciler(gateway store.Gateway, d *Dispatcher, intervalSeconds, staleAfterSeconds int, log *logging.Logger) *Reconciler {
	return &Reconciler{
		store:             gateway,
		dispatcher:        d,
		staleAfterSeconds: staleAfterSeconds,
		log:               log.WithComponent("reconciler"),
		cron:              cron.New(cron.WithSeconds()),
		recent:            bloom.NewWithEstimates(recentFilterCapacity, recentFilterFP),
	}
}

// Start schedules the periodic sweep and begins running it in the
// background. ctx bounds each individual sweep, not the schedule itself.
func (r *Reconciler) Start(ctx context.Context, intervalSeconds int) error {
	if intervalSeconds < 1 {
		intervalSeconds = 60
	}
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	if _, err := r.cron.AddFunc(spec, func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) sweep(ctx context.Context) {
	stale, err := r.store.ListStalePendingTasks(ctx, r.staleAfterSeconds)
	if err != nil {
		r.log.Errorf("list stale pending tasks: %v", err)
		return
	}

	r.mu.Lock()
	r.sweepsSince++
	if r.sweepsSince >= sweepsPerRotation {
		r.recent.ClearAll()
		r.sweepsSince = 0
	}
	due := stale[:0]
	for _, task := range stale {
		if r.recent.TestString(task.ID) {
			continue
		}
		r.recent.AddString(task.ID)
		due = append(due, task)
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return
	}
	r.log.WithField("count", len(due)).Info("re-enqueueing stale pending tasks")
	for _, task := range due {
		r.dispatcher.Requeue(ctx, task.ID, task.RetryCount)
	}
}
