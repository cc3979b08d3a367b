// Package aggregator implements the Progress Aggregator: the single path
// that mutates job-level counters and status. It wraps the store's atomic
// RecordTaskOutcome with logging and metrics so every terminal task outcome
// crosses one auditable choke point, whether it came from an in-process
// worker or the stateless worker endpoint.
package aggregator

import (
	"context"
	"fmt"

	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// Recorder is the narrow slice of store.Gateway the aggregator depends on.
type Recorder interface {
	RecordTaskOutcome(ctx context.Context, outcome model.Outcome) (*store.CounterUpdate, error)
}

// Aggregator records terminal task outcomes exactly once each, atomically
// updating the owning job's counters and status.
type Aggregator struct {
	store   Recorder
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New constructs an Aggregator. metrics may be nil, in which case
// observations are silently skipped.
func New(store Recorder, m *metrics.Metrics, log *logging.Logger) *Aggregator {
	return &Aggregator{store: store, metrics: m, log: log.WithComponent("aggregator")}
}

// Record is invoked exactly once per terminal task outcome. It is a no-op on
// replay: the store's RecordTaskOutcome already treats an already-terminal
// task as idempotent, so this layer only adds observability on top.
func (a *Aggregator) Record(ctx context.Context, outcome model.Outcome) (*store.CounterUpdate, error) {
	update, err := a.store.RecordTaskOutcome(ctx, outcome)
	if err != nil {
		return nil, fmt.Errorf("record outcome for task %s: %w", outcome.TaskID, err)
	}

	outcomeLabel := "failed"
	if outcome.Completed {
		outcomeLabel = "completed"
	}
	a.metrics.ObserveTaskOutcome(outcomeLabel, string(outcome.Kind))

	logger := a.log.WithFields(map[string]interface{}{
		"task_id":    outcome.TaskID,
		"job_id":     update.Job.ID,
		"job_status": update.Job.Status,
	})
	if update.BecameActive {
		logger.Info("job transitioned pending -> running")
	}
	if update.BecameFinal {
		a.metrics.ObserveJobTerminal(string(update.Job.Status))
		logger.Info("job reached terminal status")
	} else {
		logger.Info("recorded task outcome")
	}

	return update, nil
}

var _ Recorder = (store.Gateway)(nil)
