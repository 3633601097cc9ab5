package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

// Store is the Postgres-backed Ledger.
type Store struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const taskColumns = `
    id, run_id, workflow_id, node_id, status, attempt_count, max_attempts,
    depends_on, remaining_deps, payload, worker_id, lease_expires_at,
    heartbeat_at, last_error, next_attempt_at, created_at, updated_at`

const runColumns = `
    id, workflow_id, status, trigger_source, idempotency_key,
    cancel_requested, created_at, started_at, finished_at, error`

// scanTask populates a Task from the columns listed in taskColumns; the
// order must match exactly.
func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		task    domain.Task
		status  string
		payload []byte
	)
	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.WorkflowID,
		&task.NodeID,
		&status,
		&task.AttemptCount,
		&task.MaxAttempts,
		&task.DependsOn,
		&task.RemainingDeps,
		&payload,
		&task.WorkerID,
		&task.LeaseExpiresAt,
		&task.HeartbeatAt,
		&task.LastError,
		&task.NextAttemptAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	if err := json.Unmarshal(payload, &task.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode task payload: %w", err)
	}
	return task, nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run    domain.Run
		status string
		source string
	)
	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&status,
		&source,
		&run.IdempotencyKey,
		&run.CancelRequested,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Error,
	)
	if err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.TriggerSource = domain.TriggerSource(source)
	return run, nil
}

func scanWorkflow(row pgx.Row) (domain.Workflow, error) {
	var (
		wf         domain.Workflow
		definition []byte
	)
	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&definition,
		&wf.Schedule,
		&wf.MaxConcurrentRuns,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := json.Unmarshal(definition, &wf.Definition); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode workflow definition: %w", err)
	}
	return wf, nil
}
