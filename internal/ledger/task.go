package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

const (
	defaultMaxAttempts = 3
	defaultTimeoutMs   = 10000
)

// SeedTasksForRun inserts one pending task per DAG node, with remaining_deps
// set to the node's dependency count and the execution payload snapshotted
// from the definition.
func (s *Store) SeedTasksForRun(ctx context.Context, runID uuid.UUID, workflow domain.Workflow) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, node := range workflow.Definition.Tasks {
			dependsOn := node.DependsOn
			if dependsOn == nil {
				dependsOn = []string{}
			}
			maxAttempts := node.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaultMaxAttempts
			}
			timeoutMs := node.TimeoutMs
			if timeoutMs <= 0 {
				timeoutMs = defaultTimeoutMs
			}
			config := node.Config
			if config == nil {
				config = map[string]any{}
			}
			payload, err := json.Marshal(domain.TaskPayload{
				Kind:      node.Kind,
				Config:    config,
				TimeoutMs: timeoutMs,
			})
			if err != nil {
				return fmt.Errorf("encode task payload: %w", err)
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO tasks
				    (run_id, workflow_id, node_id, status, max_attempts,
				     depends_on, remaining_deps, payload)
				VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7)`,
				runID, workflow.ID, node.ID, maxAttempts,
				dependsOn, len(dependsOn), payload)
			if err != nil {
				return fmt.Errorf("seed task %s: %w", node.ID, err)
			}
		}
		return nil
	})
}

// queueReadySQL flips pending tasks with no unsatisfied dependencies and a
// due next_attempt_at to queued. FOR UPDATE SKIP LOCKED keeps concurrent
// selectors from dispatching the same task twice: a row locked by another
// transaction is simply not a candidate.
const queueReadySQL = `
WITH due AS (
    SELECT id FROM tasks
    WHERE run_id = $1
      AND status = 'pending'
      AND remaining_deps = 0
      AND next_attempt_at <= NOW()
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
)
UPDATE tasks t
SET status = 'queued',
    updated_at = NOW()
FROM due
WHERE t.id = due.id
RETURNING t.id, t.run_id, t.workflow_id`

const queueDueSQL = `
WITH due AS (
    SELECT id FROM tasks
    WHERE status = 'pending'
      AND remaining_deps = 0
      AND next_attempt_at <= NOW()
    ORDER BY next_attempt_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE tasks t
SET status = 'queued',
    updated_at = NOW()
FROM due
WHERE t.id = due.id
RETURNING t.id, t.run_id, t.workflow_id`

func (s *Store) QueueReadyTasks(ctx context.Context, runID uuid.UUID) ([]EnqueueCandidate, error) {
	return s.queueTasks(ctx, queueReadySQL, runID)
}

func (s *Store) QueueDuePendingTasks(ctx context.Context, limit int) ([]EnqueueCandidate, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queueTasks(ctx, queueDueSQL, limit)
}

func (s *Store) queueTasks(ctx context.Context, sql string, arg any) ([]EnqueueCandidate, error) {
	var candidates []EnqueueCandidate
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c EnqueueCandidate
			if err := rows.Scan(&c.TaskID, &c.RunID, &c.WorkflowID); err != nil {
				return err
			}
			candidates = append(candidates, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("queue tasks: %w", err)
	}
	return candidates, nil
}

func (s *Store) ListTasksForRun(ctx context.Context, runID uuid.UUID) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+taskColumns+` FROM tasks
		WHERE run_id = $1
		ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTaskEnvelope reads a task joined with its run's cancellation flag and
// status, so a worker can decide whether to execute before claiming.
func (s *Store) GetTaskEnvelope(ctx context.Context, taskID uuid.UUID) (TaskEnvelope, bool, error) {
	var (
		env       TaskEnvelope
		status    string
		runStatus string
		payload   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT t.id, t.run_id, t.workflow_id, t.node_id, t.status,
		       t.attempt_count, t.max_attempts, t.payload,
		       r.cancel_requested, r.status
		FROM tasks t
		JOIN runs r ON r.id = t.run_id
		WHERE t.id = $1`, taskID).Scan(
		&env.ID, &env.RunID, &env.WorkflowID, &env.NodeID, &status,
		&env.AttemptCount, &env.MaxAttempts, &payload,
		&env.CancelRequested, &runStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaskEnvelope{}, false, nil
	}
	if err != nil {
		return TaskEnvelope{}, false, err
	}
	env.Status = domain.TaskStatus(status)
	env.RunStatus = domain.RunStatus(runStatus)
	if err := json.Unmarshal(payload, &env.Payload); err != nil {
		return TaskEnvelope{}, false, fmt.Errorf("decode task payload: %w", err)
	}
	return env, true, nil
}

// StartTask claims a queued task for workerID: increments attempt_count,
// grants a lease, and opens a task_attempts row. The status = 'queued' guard
// is the sole mutual-exclusion mechanism for claims; a task already taken
// returns claimed=false with no side effects.
func (s *Store) StartTask(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) (domain.Task, bool, error) {
	var task domain.Task
	claimed := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'running',
			    worker_id = $2,
			    attempt_count = attempt_count + 1,
			    heartbeat_at = NOW(),
			    lease_expires_at = NOW() + ($3 * interval '1 millisecond'),
			    updated_at = NOW()
			WHERE id = $1
			  AND status = 'queued'
			RETURNING`+taskColumns,
			taskID, workerID, lease.Milliseconds())
		var err error
		task, err = scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true

		_, err = tx.Exec(ctx, `
			INSERT INTO task_attempts (task_id, attempt_no, status)
			VALUES ($1, $2, 'running')`, task.ID, task.AttemptCount)
		return err
	})
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("start task: %w", err)
	}
	return task, claimed, nil
}

// HeartbeatTask extends the lease only while the task is still running and
// owned by the same worker. A worker whose task was reclaimed cannot
// resurrect its lease.
func (s *Store) HeartbeatTask(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET heartbeat_at = NOW(),
		    lease_expires_at = NOW() + ($3 * interval '1 millisecond'),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND worker_id = $2`,
		taskID, workerID, lease.Milliseconds())
	return err
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID) (domain.Task, bool, error) {
	var task domain.Task
	completed := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'succeeded',
			    worker_id = NULL,
			    lease_expires_at = NULL,
			    heartbeat_at = NULL,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = 'running'
			RETURNING`+taskColumns, taskID)
		var err error
		task, err = scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		completed = true

		_, err = tx.Exec(ctx, `
			UPDATE task_attempts
			SET status = 'succeeded',
			    finished_at = NOW(),
			    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::int
			WHERE task_id = $1
			  AND attempt_no = $2`, task.ID, task.AttemptCount)
		return err
	})
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("complete task: %w", err)
	}
	return task, completed, nil
}

// FailTask closes the current attempt as failed, then either dead-letters the
// task (attempt_count has reached max_attempts; writes the DeadLetter row) or
// returns it to pending with next_attempt_at pushed out by backoff. The task
// row is locked for the whole decision.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, backoff time.Duration) (FailTaskResult, error) {
	var result FailTaskResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT`+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		current, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status != domain.TaskRunning {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE task_attempts
			SET status = 'failed',
			    error = $2,
			    finished_at = NOW(),
			    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::int
			WHERE task_id = $1
			  AND attempt_no = $3`, current.ID, errMsg, current.AttemptCount)
		if err != nil {
			return err
		}

		if current.AttemptCount >= current.MaxAttempts {
			row := tx.QueryRow(ctx, `
				UPDATE tasks
				SET status = 'dead_letter',
				    worker_id = NULL,
				    lease_expires_at = NULL,
				    heartbeat_at = NULL,
				    last_error = $2,
				    updated_at = NOW()
				WHERE id = $1
				RETURNING`+taskColumns, current.ID, errMsg)
			dead, err := scanTask(row)
			if err != nil {
				return err
			}
			if err := insertDeadLetter(ctx, tx, dead, errMsg); err != nil {
				return err
			}
			result = FailTaskResult{Task: dead, Applied: true, DeadLettered: true}
			return nil
		}

		row = tx.QueryRow(ctx, `
			UPDATE tasks
			SET status = 'pending',
			    worker_id = NULL,
			    lease_expires_at = NULL,
			    heartbeat_at = NULL,
			    last_error = $2,
			    next_attempt_at = NOW() + ($3 * interval '1 millisecond'),
			    updated_at = NOW()
			WHERE id = $1
			RETURNING`+taskColumns, current.ID, errMsg, backoff.Milliseconds())
		pending, err := scanTask(row)
		if err != nil {
			return err
		}
		result = FailTaskResult{Task: pending, Applied: true, DeadLettered: false}
		return nil
	})
	if err != nil {
		return FailTaskResult{}, fmt.Errorf("fail task: %w", err)
	}
	return result, nil
}

func insertDeadLetter(ctx context.Context, tx pgx.Tx, task domain.Task, reason string) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letters (task_id, run_id, workflow_id, reason, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.RunID, task.WorkflowID, reason, payload)
	return err
}

// MarkDependentsAfterSuccess decrements remaining_deps (floored at zero) for
// every pending task in the run that depends on nodeID. This is the edge
// that cascades a DAG forward.
func (s *Store) MarkDependentsAfterSuccess(ctx context.Context, runID uuid.UUID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET remaining_deps = GREATEST(remaining_deps - 1, 0),
		    updated_at = NOW()
		WHERE run_id = $1
		  AND status = 'pending'
		  AND $2 = ANY(depends_on)
		  AND remaining_deps > 0`, runID, nodeID)
	return err
}
