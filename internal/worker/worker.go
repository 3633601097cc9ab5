// Package worker claims queued tasks, executes them under a lease, and
// routes the outcome back through the ledger. A worker holds no state of its
// own: any number of replicas can run concurrently, and a crashed replica's
// work is recovered by stale-claim reads and the lease reaper.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
	"github.com/jmahotiedu/workflow-orchestrator/internal/registry"
)

type Worker struct {
	ID       string
	Store    ledger.Ledger
	Queue    queue.Queue
	Registry *registry.Registry
	Logger   *slog.Logger

	Lease     time.Duration
	Heartbeat time.Duration
	MaxBatch  int

	runDone     chan struct{}
	runDoneOnce sync.Once
}

func New(
	id string,
	store ledger.Ledger,
	q queue.Queue,
	reg *registry.Registry,
	logger *slog.Logger,
	lease time.Duration,
	heartbeat time.Duration,
	maxBatch int,
) *Worker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 4
	}
	return &Worker{
		ID:        id,
		Store:     store,
		Queue:     q,
		Registry:  reg,
		Logger:    logger,
		Lease:     lease,
		Heartbeat: heartbeat,
		MaxBatch:  maxBatch,
		runDone:   make(chan struct{}),
	}
}

// Run executes the consume loop until ctx is canceled. Each iteration first
// reclaims messages other consumers left idle past the lease window, then
// reads fresh ones; messages are processed sequentially, one attempt at a
// time per worker.
func (w *Worker) Run(ctx context.Context) {
	defer w.runDoneOnce.Do(func() { close(w.runDone) })

	w.Logger.Info("worker starting",
		"worker_id", w.ID,
		"kinds", w.Registry.Names())

	for {
		if ctx.Err() != nil {
			return
		}

		stale, err := w.Queue.ClaimStale(ctx, w.ID, w.Lease, w.MaxBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Logger.Error("claim stale messages", "error", err)
		}
		for _, msg := range stale {
			w.process(ctx, msg)
		}

		fresh, err := w.Queue.ReadBatch(ctx, w.ID, w.MaxBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Logger.Error("read batch", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, msg := range fresh {
			w.process(ctx, msg)
		}
	}
}

// DrainAndWait blocks until the consume loop exits (usually after ctx
// cancellation) or until the caller's timeout is reached.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	select {
	case <-w.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process handles one delivered message end to end. The message is always
// acknowledged: a message that cannot lead to a claimed attempt (stale
// status, cancelled run, lost claim race) carries no work, and a processed
// attempt has already recorded its outcome in the ledger.
func (w *Worker) process(ctx context.Context, msg queue.Message) {
	log := w.Logger.With("task_id", msg.TaskID, "run_id", msg.RunID, "worker_id", w.ID)

	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		log.Warn("dropping message with malformed task id", "error", err)
		w.ack(ctx, msg, log)
		return
	}

	envelope, found, err := w.Store.GetTaskEnvelope(ctx, taskID)
	if err != nil {
		log.Error("load task envelope", "error", err)
		return
	}
	if !found || envelope.Status != domain.TaskQueued || envelope.CancelRequested {
		if found && envelope.CancelRequested {
			w.refreshRunStatus(ctx, envelope.RunID, log)
		}
		w.ack(ctx, msg, log)
		return
	}

	task, claimed, err := w.Store.StartTask(ctx, taskID, w.ID, w.Lease)
	if err != nil {
		log.Error("claim task", "error", err)
		return
	}
	if !claimed {
		w.ack(ctx, msg, log)
		return
	}

	log = log.With("node_id", task.NodeID, "kind", task.Payload.Kind, "attempt", task.AttemptCount)
	log.Info("task started")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(hbCtx, taskID, log)

	execErr := w.execute(ctx, task)

	stopHeartbeat()

	if execErr == nil {
		w.finishSuccess(ctx, task, log)
	} else {
		w.finishFailure(ctx, msg.TaskMessage, task, execErr, log)
	}

	w.refreshRunStatus(ctx, task.RunID, log)
	w.ack(ctx, msg, log)
}

func (w *Worker) finishSuccess(ctx context.Context, task domain.Task, log *slog.Logger) {
	if _, applied, err := w.Store.CompleteTask(ctx, task.ID); err != nil {
		log.Error("record task success", "error", err)
		return
	} else if !applied {
		log.Warn("stale completion ignored")
		return
	}
	log.Info("task succeeded")

	if err := w.Store.MarkDependentsAfterSuccess(ctx, task.RunID, task.NodeID); err != nil {
		log.Error("decrement dependents", "error", err)
		return
	}
	ready, err := w.Store.QueueReadyTasks(ctx, task.RunID)
	if err != nil {
		log.Error("queue ready tasks", "error", err)
		return
	}
	for _, candidate := range ready {
		next := queue.TaskMessage{
			TaskID:     candidate.TaskID.String(),
			RunID:      candidate.RunID.String(),
			WorkflowID: candidate.WorkflowID.String(),
		}
		if err := w.Queue.Requeue(ctx, next, 0); err != nil {
			log.Error("enqueue unblocked task", "next_task_id", next.TaskID, "error", err)
		}
	}
}

func (w *Worker) finishFailure(ctx context.Context, msg queue.TaskMessage, task domain.Task, execErr error, log *slog.Logger) {
	backoff := CalculateBackoff(task.AttemptCount)
	result, err := w.Store.FailTask(ctx, task.ID, execErr.Error(), backoff)
	if err != nil {
		log.Error("record task failure", "error", err)
		return
	}
	if !result.Applied {
		log.Warn("stale failure ignored", "error", execErr)
		return
	}
	if result.DeadLettered {
		log.Warn("task dead-lettered", "error", execErr)
		return
	}
	log.Warn("task failed, will retry", "error", execErr, "backoff", backoff)
	if err := w.Queue.Requeue(ctx, msg, backoff); err != nil {
		log.Error("requeue failed task", "error", err)
	}
}

// refreshRunStatus re-derives and persists the aggregate run status after an
// attempt settles. Events are the control plane's concern, not the worker's.
func (w *Worker) refreshRunStatus(ctx context.Context, runID uuid.UUID, log *slog.Logger) {
	status, found, err := w.Store.EvaluateRunState(ctx, runID)
	if err != nil {
		log.Error("evaluate run state", "error", err)
		return
	}
	if !found {
		return
	}
	if err := w.Store.UpdateRunStatus(ctx, runID, status, nil); err != nil {
		log.Error("update run status", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message, log *slog.Logger) {
	if err := w.Queue.Ack(ctx, msg.ID); err != nil {
		log.Error("ack message", "error", err)
	}
}
