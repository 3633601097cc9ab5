package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

const workflowColumns = `
    id, name, definition, schedule, max_concurrent_runs, created_at, updated_at`

func (s *Store) CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (domain.Workflow, error) {
	definition, err := json.Marshal(input.Definition)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("encode workflow definition: %w", err)
	}
	maxRuns := input.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflows (name, definition, schedule, max_concurrent_runs)
		VALUES ($1, $2, $3, $4)
		RETURNING`+workflowColumns,
		input.Name, definition, input.Schedule, maxRuns)
	wf, err := scanWorkflow(row)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (domain.Workflow, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+workflowColumns+` FROM workflows WHERE id = $1`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Workflow{}, false, nil
	}
	if err != nil {
		return domain.Workflow{}, false, err
	}
	return wf, true, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+workflowColumns+` FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *Store) CountActiveRunsForWorkflow(ctx context.Context, workflowID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE workflow_id = $1
		  AND status IN ('pending', 'running')`, workflowID).Scan(&count)
	return count, err
}

func (s *Store) CountGlobalActiveRuns(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE status IN ('pending', 'running')`).Scan(&count)
	return count, err
}
