package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

const leaseExpiredReason = "lease expired"

// RecoverExpiredLeases sweeps running tasks whose lease has lapsed, the sole
// mechanism for detecting crashed or stalled workers. Each one has its
// in-flight attempt closed as failed and is then routed through the same
// retry-or-dead-letter policy as FailTask, except that retries become due
// immediately. FOR UPDATE SKIP LOCKED keeps concurrent reapers (or a worker
// mid-heartbeat) from fighting over the same rows.
func (s *Store) RecoverExpiredLeases(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 200
	}

	var recovered []domain.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT`+taskColumns+` FROM tasks
			WHERE status = 'running'
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at < NOW()
			ORDER BY lease_expires_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}
		expired := make([]domain.Task, 0, limit)
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, task)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, task := range expired {
			_, err := tx.Exec(ctx, `
				UPDATE task_attempts
				SET status = 'failed',
				    error = $2,
				    finished_at = NOW(),
				    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::int
				WHERE task_id = $1
				  AND attempt_no = $3`, task.ID, leaseExpiredReason, task.AttemptCount)
			if err != nil {
				return err
			}

			if task.AttemptCount >= task.MaxAttempts {
				row := tx.QueryRow(ctx, `
					UPDATE tasks
					SET status = 'dead_letter',
					    worker_id = NULL,
					    lease_expires_at = NULL,
					    heartbeat_at = NULL,
					    last_error = $2,
					    updated_at = NOW()
					WHERE id = $1
					RETURNING`+taskColumns, task.ID, leaseExpiredReason)
				dead, err := scanTask(row)
				if err != nil {
					return err
				}
				if err := insertDeadLetter(ctx, tx, dead, leaseExpiredReason); err != nil {
					return err
				}
				recovered = append(recovered, dead)
				continue
			}

			row := tx.QueryRow(ctx, `
				UPDATE tasks
				SET status = 'pending',
				    worker_id = NULL,
				    lease_expires_at = NULL,
				    heartbeat_at = NULL,
				    last_error = $2,
				    next_attempt_at = NOW(),
				    updated_at = NOW()
				WHERE id = $1
				RETURNING`+taskColumns, task.ID, leaseExpiredReason)
			retry, err := scanTask(row)
			if err != nil {
				return err
			}
			recovered = append(recovered, retry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover expired leases: %w", err)
	}
	return recovered, nil
}
