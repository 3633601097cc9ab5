// Package reaper runs the control plane's periodic maintenance: expired
// lease recovery, due-retry promotion, and delayed-queue pumping.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
)

const (
	recoverBatch  = 200
	queueDueBatch = 200
)

type Reaper struct {
	store  ledger.Ledger
	queue  queue.Queue
	logger *slog.Logger

	interval     time.Duration
	pumpInterval time.Duration
}

func New(store ledger.Ledger, q queue.Queue, logger *slog.Logger, interval, pumpInterval time.Duration) *Reaper {
	return &Reaper{
		store:        store,
		queue:        q,
		logger:       logger,
		interval:     interval,
		pumpInterval: pumpInterval,
	}
}

// Run executes maintenance ticks until ctx is cancelled. The delayed pump
// runs on its own shorter cadence so retry backoffs are honored with finer
// granularity than full recovery sweeps.
func (r *Reaper) Run(ctx context.Context) {
	full := time.NewTicker(r.interval)
	defer full.Stop()
	pump := time.NewTicker(r.pumpInterval)
	defer pump.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			r.Tick(ctx)
		case <-pump.C:
			if _, err := r.queue.PumpDelayed(ctx, time.Now()); err != nil {
				r.logger.Error("pump delayed queue", "error", err)
			}
		}
	}
}

// Tick performs one full maintenance pass: recover expired leases back to
// pending or dead_letter, promote due delayed messages, then queue pending
// tasks whose retry time has arrived.
func (r *Reaper) Tick(ctx context.Context) {
	recovered, err := r.store.RecoverExpiredLeases(ctx, recoverBatch)
	if err != nil {
		r.logger.Error("recover expired leases", "error", err)
	} else if len(recovered) > 0 {
		r.logger.Info("recovered expired leases", "count", len(recovered))
	}

	if _, err := r.queue.PumpDelayed(ctx, time.Now()); err != nil {
		r.logger.Error("pump delayed queue", "error", err)
	}

	due, err := r.store.QueueDuePendingTasks(ctx, queueDueBatch)
	if err != nil {
		r.logger.Error("queue due tasks", "error", err)
		return
	}
	for _, candidate := range due {
		msg := queue.TaskMessage{
			TaskID:     candidate.TaskID.String(),
			RunID:      candidate.RunID.String(),
			WorkflowID: candidate.WorkflowID.String(),
		}
		if err := r.queue.Requeue(ctx, msg, 0); err != nil {
			r.logger.Error("requeue due task", "task_id", msg.TaskID, "error", err)
		}
	}
	if len(due) > 0 {
		r.logger.Info("queued due tasks", "count", len(due))
	}
}
