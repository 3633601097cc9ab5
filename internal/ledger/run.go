package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

// CreateRun inserts a run, deduplicating on (workflow_id, idempotency_key).
// The insert no-ops on conflict; the existing run is then re-read and
// returned with Deduped=true. No tasks are seeded and nothing is enqueued
// for a deduped trigger; that is the caller's contract.
func (s *Store) CreateRun(ctx context.Context, input CreateRunInput) (CreateRunResult, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO runs (workflow_id, status, trigger_source, idempotency_key)
		VALUES ($1, 'pending', $2, $3)
		ON CONFLICT (workflow_id, idempotency_key) DO NOTHING
		RETURNING`+runColumns,
		input.WorkflowID, string(input.TriggerSource), input.IdempotencyKey)

	run, err := scanRun(row)
	if err == nil {
		return CreateRunResult{Run: run, Deduped: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateRunResult{}, fmt.Errorf("insert run: %w", err)
	}

	// Conflict path: only reachable with a non-null idempotency key.
	if input.IdempotencyKey == nil {
		return CreateRunResult{}, fmt.Errorf("failed to create run without idempotency key")
	}
	row = s.pool.QueryRow(ctx, `
		SELECT`+runColumns+` FROM runs
		WHERE workflow_id = $1 AND idempotency_key = $2`,
		input.WorkflowID, *input.IdempotencyKey)
	run, err = scanRun(row)
	if err != nil {
		return CreateRunResult{}, fmt.Errorf("idempotency conflict occurred but existing run was not found: %w", err)
	}
	return CreateRunResult{Run: run, Deduped: true}, nil
}

func (s *Store) StartRunIfPending(ctx context.Context, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = 'running',
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'pending'`, runID)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (domain.Run, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

func (s *Store) ListRuns(ctx context.Context, workflowID *uuid.UUID) ([]domain.Run, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if workflowID != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT`+runColumns+` FROM runs
			WHERE workflow_id = $1
			ORDER BY created_at DESC LIMIT 200`, *workflowID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT`+runColumns+` FROM runs
			ORDER BY created_at DESC LIMIT 200`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2,
		    error = COALESCE($3, error),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'cancelled') AND finished_at IS NULL THEN NOW() ELSE finished_at END
		WHERE id = $1`,
		runID, string(status), errMsg)
	return err
}

// EvaluateRunState derives a run's status from its aggregate task counts.
// The decision itself lives in deriveRunStatus so it is testable without a
// database. Returns false when the run does not exist.
func (s *Store) EvaluateRunState(ctx context.Context, runID uuid.UUID) (domain.RunStatus, bool, error) {
	run, found, err := s.GetRun(ctx, runID)
	if err != nil || !found {
		return "", false, err
	}

	var counts statusCounts
	err = s.pool.QueryRow(ctx, `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status = 'queued'),
		    COUNT(*) FILTER (WHERE status = 'running'),
		    COUNT(*) FILTER (WHERE status = 'failed'),
		    COUNT(*) FILTER (WHERE status = 'dead_letter'),
		    COUNT(*) FILTER (WHERE status = 'succeeded'),
		    COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM tasks
		WHERE run_id = $1`, runID).Scan(
		&counts.Pending, &counts.Queued, &counts.Running,
		&counts.Failed, &counts.DeadLetter, &counts.Succeeded, &counts.Cancelled)
	if err != nil {
		return "", false, err
	}

	return deriveRunStatus(run, counts), true, nil
}

// CancelRun sets cancel_requested and force-transitions the run and every
// non-terminal task to cancelled. Idempotent: repeated calls leave terminal
// state untouched.
func (s *Store) CancelRun(ctx context.Context, runID uuid.UUID) (domain.Run, bool, error) {
	var run domain.Run
	found := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE runs
			SET cancel_requested = TRUE,
			    status = CASE WHEN status IN ('pending', 'running') THEN 'cancelled' ELSE status END,
			    finished_at = COALESCE(finished_at, NOW())
			WHERE id = $1
			RETURNING`+runColumns, runID)
		var err error
		run, err = scanRun(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'cancelled',
			    worker_id = NULL,
			    lease_expires_at = NULL,
			    heartbeat_at = NULL,
			    updated_at = NOW()
			WHERE run_id = $1
			  AND status IN ('pending', 'queued', 'running')`, runID)
		return err
	})
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("cancel run: %w", err)
	}
	return run, found, nil
}
