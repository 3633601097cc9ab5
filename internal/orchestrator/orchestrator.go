// Package orchestrator admits new runs under concurrency limits and
// idempotent deduplication, then seeds and dispatches their initial ready
// set. It owns no state of its own: every transition goes through the ledger
// and every notification through the queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jmahotiedu/workflow-orchestrator/internal/dag"
	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
	"github.com/jmahotiedu/workflow-orchestrator/internal/events"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
)

// Admission errors. The boundary layer maps ErrWorkflowNotFound to 404 and
// the two limit errors to 429.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowLimit    = errors.New("workflow concurrency limit reached")
	ErrGlobalLimit      = errors.New("global active run limit reached")
)

type Service struct {
	store  ledger.Ledger
	queue  queue.Queue
	sink   events.Sink
	logger *slog.Logger

	globalActiveRunLimit int
}

func New(store ledger.Ledger, q queue.Queue, sink events.Sink, logger *slog.Logger, globalActiveRunLimit int) *Service {
	if sink == nil {
		sink = events.NopSink
	}
	return &Service{
		store:                store,
		queue:                q,
		sink:                 sink,
		logger:               logger,
		globalActiveRunLimit: globalActiveRunLimit,
	}
}

// CreateWorkflow validates the definition and persists the workflow.
// Validation failures return dag.ValidationErrors with every violation.
func (s *Service) CreateWorkflow(ctx context.Context, input ledger.CreateWorkflowInput) (domain.Workflow, error) {
	definition, err := dag.Parse(input.Definition)
	if err != nil {
		return domain.Workflow{}, err
	}
	input.Definition = definition

	workflow, err := s.store.CreateWorkflow(ctx, input)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("create workflow: %w", err)
	}
	s.sink.Emit(events.Event{
		Type:       events.WorkflowCreated,
		WorkflowID: workflow.ID.String(),
	})
	return workflow, nil
}

// TriggerResult is returned by TriggerRun.
type TriggerResult struct {
	Run     domain.Run
	Deduped bool
}

// TriggerRun admits and starts a run. Admission checks both gates before
// creating anything; a deduped trigger returns the pre-existing run and
// performs no seeding or enqueue, since the original trigger's in-flight
// state stays authoritative.
func (s *Service) TriggerRun(ctx context.Context, workflowID uuid.UUID, source domain.TriggerSource, idempotencyKey *string) (TriggerResult, error) {
	workflow, found, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("load workflow: %w", err)
	}
	if !found {
		return TriggerResult{}, ErrWorkflowNotFound
	}

	activeForWorkflow, err := s.store.CountActiveRunsForWorkflow(ctx, workflow.ID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("count workflow runs: %w", err)
	}
	if activeForWorkflow >= workflow.MaxConcurrentRuns {
		return TriggerResult{}, ErrWorkflowLimit
	}

	globalActive, err := s.store.CountGlobalActiveRuns(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("count global runs: %w", err)
	}
	if globalActive >= s.globalActiveRunLimit {
		return TriggerResult{}, ErrGlobalLimit
	}

	created, err := s.store.CreateRun(ctx, ledger.CreateRunInput{
		WorkflowID:     workflow.ID,
		TriggerSource:  source,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return TriggerResult{}, fmt.Errorf("create run: %w", err)
	}
	if created.Deduped {
		return TriggerResult{Run: created.Run, Deduped: true}, nil
	}

	if err := s.store.SeedTasksForRun(ctx, created.Run.ID, workflow); err != nil {
		return TriggerResult{}, fmt.Errorf("seed tasks: %w", err)
	}
	if err := s.store.StartRunIfPending(ctx, created.Run.ID); err != nil {
		return TriggerResult{}, fmt.Errorf("start run: %w", err)
	}

	ready, err := s.store.QueueReadyTasks(ctx, created.Run.ID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("queue ready tasks: %w", err)
	}
	for _, candidate := range ready {
		if err := s.queue.Requeue(ctx, queue.TaskMessage{
			TaskID:     candidate.TaskID.String(),
			RunID:      candidate.RunID.String(),
			WorkflowID: candidate.WorkflowID.String(),
		}, 0); err != nil {
			return TriggerResult{}, fmt.Errorf("enqueue task %s: %w", candidate.TaskID, err)
		}
		s.sink.Emit(events.Event{
			Type:   events.TaskUpdated,
			TaskID: candidate.TaskID.String(),
			RunID:  candidate.RunID.String(),
			Status: string(domain.TaskQueued),
		})
	}

	s.logger.Info("run triggered",
		"run_id", created.Run.ID,
		"workflow_id", workflow.ID,
		"trigger_source", string(source),
		"ready_tasks", len(ready))
	s.sink.Emit(events.Event{
		Type:       events.RunCreated,
		RunID:      created.Run.ID.String(),
		WorkflowID: created.Run.WorkflowID.String(),
	})
	return TriggerResult{Run: created.Run, Deduped: false}, nil
}

// CancelRun requests cancellation and force-cancels non-terminal tasks.
func (s *Service) CancelRun(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	run, found, err := s.store.CancelRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if !found {
		return domain.Run{}, ErrWorkflowNotFound
	}
	s.sink.Emit(events.Event{
		Type:   events.RunUpdated,
		RunID:  run.ID.String(),
		Status: string(run.Status),
	})
	return run, nil
}

// SyncRunStatus re-derives a run's aggregate status and persists it.
func (s *Service) SyncRunStatus(ctx context.Context, runID uuid.UUID) error {
	status, found, err := s.store.EvaluateRunState(ctx, runID)
	if err != nil || !found {
		return err
	}
	if err := s.store.UpdateRunStatus(ctx, runID, status, nil); err != nil {
		return err
	}
	s.sink.Emit(events.Event{
		Type:   events.RunUpdated,
		RunID:  runID.String(),
		Status: string(status),
	})
	return nil
}
