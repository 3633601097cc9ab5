// Package ledger is the single source of truth for workflow, run, and task
// state. Every operation is atomic and tolerates arbitrary concurrent callers
// (orchestrators, workers, reapers) with no in-process locking: conditional
// status-guarded updates and skip-locked reads are the only mutual exclusion.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

type CreateWorkflowInput struct {
	Name              string
	Definition        domain.WorkflowDefinition
	Schedule          *string
	MaxConcurrentRuns int
}

type CreateRunInput struct {
	WorkflowID     uuid.UUID
	TriggerSource  domain.TriggerSource
	IdempotencyKey *string
}

// CreateRunResult reports whether the trigger created a new run or was
// deduplicated onto an existing one by its idempotency key.
type CreateRunResult struct {
	Run     domain.Run
	Deduped bool
}

// EnqueueCandidate identifies a task that was just flipped to queued and must
// be pushed onto the distributed queue by the caller.
type EnqueueCandidate struct {
	TaskID     uuid.UUID
	RunID      uuid.UUID
	WorkflowID uuid.UUID
}

// TaskEnvelope is a task joined with its run's cancellation state, read by
// workers before claiming.
type TaskEnvelope struct {
	ID              uuid.UUID
	RunID           uuid.UUID
	WorkflowID      uuid.UUID
	NodeID          string
	Status          domain.TaskStatus
	AttemptCount    int
	MaxAttempts     int
	Payload         domain.TaskPayload
	CancelRequested bool
	RunStatus       domain.RunStatus
}

// FailTaskResult reports how a failure was routed. Applied is false when the
// task was no longer running (e.g. already reclaimed by the reaper).
type FailTaskResult struct {
	Task         domain.Task
	Applied      bool
	DeadLettered bool
}

// Ledger is implemented by the Postgres store and by the in-memory store used
// in tests.
type Ledger interface {
	CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (domain.Workflow, error)
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (domain.Workflow, bool, error)
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)

	CountActiveRunsForWorkflow(ctx context.Context, workflowID uuid.UUID) (int, error)
	CountGlobalActiveRuns(ctx context.Context) (int, error)

	CreateRun(ctx context.Context, input CreateRunInput) (CreateRunResult, error)
	SeedTasksForRun(ctx context.Context, runID uuid.UUID, workflow domain.Workflow) error
	StartRunIfPending(ctx context.Context, runID uuid.UUID) error
	GetRun(ctx context.Context, runID uuid.UUID) (domain.Run, bool, error)
	ListRuns(ctx context.Context, workflowID *uuid.UUID) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error
	EvaluateRunState(ctx context.Context, runID uuid.UUID) (domain.RunStatus, bool, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (domain.Run, bool, error)

	QueueReadyTasks(ctx context.Context, runID uuid.UUID) ([]EnqueueCandidate, error)
	QueueDuePendingTasks(ctx context.Context, limit int) ([]EnqueueCandidate, error)
	ListTasksForRun(ctx context.Context, runID uuid.UUID) ([]domain.Task, error)
	GetTaskEnvelope(ctx context.Context, taskID uuid.UUID) (TaskEnvelope, bool, error)
	StartTask(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) (domain.Task, bool, error)
	HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error
	CompleteTask(ctx context.Context, taskID uuid.UUID) (domain.Task, bool, error)
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, backoff time.Duration) (FailTaskResult, error)
	MarkDependentsAfterSuccess(ctx context.Context, runID uuid.UUID, nodeID string) error
	RecoverExpiredLeases(ctx context.Context, limit int) ([]domain.Task, error)
}
