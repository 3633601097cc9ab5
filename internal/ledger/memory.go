package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

// Memory is a mutex-guarded in-memory Ledger with the same semantics as the
// Postgres store. It exists for unit tests of the orchestrator, reaper, and
// worker; unlike the SQL store it asserts the state-model transition tables
// on every status change, so tests catch drift between the two.
type Memory struct {
	mu          sync.Mutex
	workflows   map[uuid.UUID]domain.Workflow
	runs        map[uuid.UUID]domain.Run
	tasks       map[uuid.UUID]domain.Task
	taskOrder   []uuid.UUID
	runOrder    []uuid.UUID
	wfOrder     []uuid.UUID
	attempts    map[uuid.UUID][]domain.TaskAttempt
	deadLetters []domain.DeadLetter
	now         func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[uuid.UUID]domain.Workflow),
		runs:      make(map[uuid.UUID]domain.Run),
		tasks:     make(map[uuid.UUID]domain.Task),
		attempts:  make(map[uuid.UUID][]domain.TaskAttempt),
		now:       time.Now,
	}
}

func (m *Memory) setTaskStatus(task *domain.Task, to domain.TaskStatus) error {
	if err := domain.AssertTaskTransition(task.Status, to); err != nil {
		return err
	}
	task.Status = to
	task.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CreateWorkflow(_ context.Context, input CreateWorkflowInput) (domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxRuns := input.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}
	wf := domain.Workflow{
		ID:                uuid.New(),
		Name:              input.Name,
		Definition:        input.Definition,
		Schedule:          input.Schedule,
		MaxConcurrentRuns: maxRuns,
		CreatedAt:         m.now(),
		UpdatedAt:         m.now(),
	}
	m.workflows[wf.ID] = wf
	m.wfOrder = append(m.wfOrder, wf.ID)
	return wf, nil
}

func (m *Memory) GetWorkflow(_ context.Context, workflowID uuid.UUID) (domain.Workflow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	return wf, ok, nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Workflow, 0, len(m.wfOrder))
	for i := len(m.wfOrder) - 1; i >= 0; i-- {
		out = append(out, m.workflows[m.wfOrder[i]])
	}
	return out, nil
}

func (m *Memory) CountActiveRunsForWorkflow(_ context.Context, workflowID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, run := range m.runs {
		if run.WorkflowID == workflowID &&
			(run.Status == domain.RunPending || run.Status == domain.RunRunning) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountGlobalActiveRuns(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, run := range m.runs {
		if run.Status == domain.RunPending || run.Status == domain.RunRunning {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CreateRun(_ context.Context, input CreateRunInput) (CreateRunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if input.IdempotencyKey != nil {
		for _, id := range m.runOrder {
			run := m.runs[id]
			if run.WorkflowID == input.WorkflowID &&
				run.IdempotencyKey != nil &&
				*run.IdempotencyKey == *input.IdempotencyKey {
				return CreateRunResult{Run: run, Deduped: true}, nil
			}
		}
	}

	run := domain.Run{
		ID:             uuid.New(),
		WorkflowID:     input.WorkflowID,
		Status:         domain.RunPending,
		TriggerSource:  input.TriggerSource,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      m.now(),
	}
	m.runs[run.ID] = run
	m.runOrder = append(m.runOrder, run.ID)
	return CreateRunResult{Run: run, Deduped: false}, nil
}

func (m *Memory) SeedTasksForRun(_ context.Context, runID uuid.UUID, workflow domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, node := range workflow.Definition.Tasks {
		dependsOn := append([]string(nil), node.DependsOn...)
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
		task := domain.Task{
			ID:            uuid.New(),
			RunID:         runID,
			WorkflowID:    workflow.ID,
			NodeID:        node.ID,
			Status:        domain.TaskPending,
			MaxAttempts:   maxAttempts,
			DependsOn:     dependsOn,
			RemainingDeps: len(dependsOn),
			Payload: domain.TaskPayload{
				Kind:      node.Kind,
				Config:    config,
				TimeoutMs: timeoutMs,
			},
			NextAttemptAt: m.now(),
			CreatedAt:     m.now(),
			UpdatedAt:     m.now(),
		}
		m.tasks[task.ID] = task
		m.taskOrder = append(m.taskOrder, task.ID)
	}
	return nil
}

func (m *Memory) StartRunIfPending(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != domain.RunPending {
		return nil
	}
	now := m.now()
	run.Status = domain.RunRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	m.runs[runID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID uuid.UUID) (domain.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok, nil
}

func (m *Memory) ListRuns(_ context.Context, workflowID *uuid.UUID) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if workflowID != nil && run.WorkflowID != *workflowID {
			continue
		}
		out = append(out, run)
		if len(out) == 200 {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil
	}
	now := m.now()
	run.Status = status
	if errMsg != nil {
		run.Error = errMsg
	}
	if status == domain.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if (status == domain.RunSucceeded || status == domain.RunFailed || status == domain.RunCancelled) &&
		run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	m.runs[runID] = run
	return nil
}

func (m *Memory) EvaluateRunState(_ context.Context, runID uuid.UUID) (domain.RunStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", false, nil
	}
	var counts statusCounts
	for _, task := range m.tasks {
		if task.RunID != runID {
			continue
		}
		switch task.Status {
		case domain.TaskPending:
			counts.Pending++
		case domain.TaskQueued:
			counts.Queued++
		case domain.TaskRunning:
			counts.Running++
		case domain.TaskFailed:
			counts.Failed++
		case domain.TaskDeadLetter:
			counts.DeadLetter++
		case domain.TaskSucceeded:
			counts.Succeeded++
		case domain.TaskCancelled:
			counts.Cancelled++
		}
	}
	return deriveRunStatus(run, counts), true, nil
}

func (m *Memory) CancelRun(_ context.Context, runID uuid.UUID) (domain.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, false, nil
	}
	now := m.now()
	run.CancelRequested = true
	if run.Status == domain.RunPending || run.Status == domain.RunRunning {
		run.Status = domain.RunCancelled
	}
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	m.runs[runID] = run

	for id, task := range m.tasks {
		if task.RunID != runID {
			continue
		}
		switch task.Status {
		case domain.TaskPending, domain.TaskQueued, domain.TaskRunning:
			if err := m.setTaskStatus(&task, domain.TaskCancelled); err != nil {
				return domain.Run{}, false, err
			}
			task.WorkerID = nil
			task.LeaseExpiresAt = nil
			task.HeartbeatAt = nil
			m.tasks[id] = task
		}
	}
	return run, true, nil
}

func (m *Memory) QueueReadyTasks(_ context.Context, runID uuid.UUID) ([]EnqueueCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var candidates []EnqueueCandidate
	for _, id := range m.taskOrder {
		task := m.tasks[id]
		if task.RunID != runID || task.Status != domain.TaskPending ||
			task.RemainingDeps != 0 || task.NextAttemptAt.After(now) {
			continue
		}
		if err := m.setTaskStatus(&task, domain.TaskQueued); err != nil {
			return nil, err
		}
		m.tasks[id] = task
		candidates = append(candidates, EnqueueCandidate{
			TaskID:     task.ID,
			RunID:      task.RunID,
			WorkflowID: task.WorkflowID,
		})
	}
	return candidates, nil
}

func (m *Memory) QueueDuePendingTasks(_ context.Context, limit int) ([]EnqueueCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	now := m.now()
	var due []domain.Task
	for _, id := range m.taskOrder {
		task := m.tasks[id]
		if task.Status == domain.TaskPending && task.RemainingDeps == 0 &&
			!task.NextAttemptAt.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	candidates := make([]EnqueueCandidate, 0, len(due))
	for _, task := range due {
		if err := m.setTaskStatus(&task, domain.TaskQueued); err != nil {
			return nil, err
		}
		m.tasks[task.ID] = task
		candidates = append(candidates, EnqueueCandidate{
			TaskID:     task.ID,
			RunID:      task.RunID,
			WorkflowID: task.WorkflowID,
		})
	}
	return candidates, nil
}

func (m *Memory) ListTasksForRun(_ context.Context, runID uuid.UUID) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []domain.Task
	for _, id := range m.taskOrder {
		if m.tasks[id].RunID == runID {
			tasks = append(tasks, m.tasks[id])
		}
	}
	return tasks, nil
}

func (m *Memory) GetTaskEnvelope(_ context.Context, taskID uuid.UUID) (TaskEnvelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return TaskEnvelope{}, false, nil
	}
	run, ok := m.runs[task.RunID]
	if !ok {
		return TaskEnvelope{}, false, nil
	}
	return TaskEnvelope{
		ID:              task.ID,
		RunID:           task.RunID,
		WorkflowID:      task.WorkflowID,
		NodeID:          task.NodeID,
		Status:          task.Status,
		AttemptCount:    task.AttemptCount,
		MaxAttempts:     task.MaxAttempts,
		Payload:         task.Payload,
		CancelRequested: run.CancelRequested,
		RunStatus:       run.Status,
	}, true, nil
}

func (m *Memory) StartTask(_ context.Context, taskID uuid.UUID, workerID string, lease time.Duration) (domain.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.TaskQueued {
		return domain.Task{}, false, nil
	}
	now := m.now()
	expires := now.Add(lease)
	if err := m.setTaskStatus(&task, domain.TaskRunning); err != nil {
		return domain.Task{}, false, err
	}
	task.WorkerID = &workerID
	task.AttemptCount++
	task.HeartbeatAt = &now
	task.LeaseExpiresAt = &expires
	m.tasks[taskID] = task

	m.attempts[taskID] = append(m.attempts[taskID], domain.TaskAttempt{
		ID:        uuid.New(),
		TaskID:    taskID,
		AttemptNo: task.AttemptCount,
		Status:    domain.AttemptRunning,
		StartedAt: now,
	})
	return task, true, nil
}

func (m *Memory) HeartbeatTask(_ context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.TaskRunning ||
		task.WorkerID == nil || *task.WorkerID != workerID {
		return nil
	}
	now := m.now()
	expires := now.Add(lease)
	task.HeartbeatAt = &now
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = now
	m.tasks[taskID] = task
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, taskID uuid.UUID) (domain.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.TaskRunning {
		return domain.Task{}, false, nil
	}
	if err := m.setTaskStatus(&task, domain.TaskSucceeded); err != nil {
		return domain.Task{}, false, err
	}
	task.WorkerID = nil
	task.LeaseExpiresAt = nil
	task.HeartbeatAt = nil
	m.tasks[taskID] = task
	m.closeAttempt(taskID, task.AttemptCount, domain.AttemptSucceeded, nil)
	return task, true, nil
}

func (m *Memory) FailTask(_ context.Context, taskID uuid.UUID, errMsg string, backoff time.Duration) (FailTaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.TaskRunning {
		return FailTaskResult{}, nil
	}
	m.closeAttempt(taskID, task.AttemptCount, domain.AttemptFailed, &errMsg)

	if task.AttemptCount >= task.MaxAttempts {
		if err := m.setTaskStatus(&task, domain.TaskDeadLetter); err != nil {
			return FailTaskResult{}, err
		}
		task.WorkerID = nil
		task.LeaseExpiresAt = nil
		task.HeartbeatAt = nil
		task.LastError = &errMsg
		m.tasks[taskID] = task
		m.deadLetters = append(m.deadLetters, domain.DeadLetter{
			ID:         uuid.New(),
			TaskID:     task.ID,
			RunID:      task.RunID,
			WorkflowID: task.WorkflowID,
			Reason:     errMsg,
			Payload:    task.Payload,
			CreatedAt:  m.now(),
		})
		return FailTaskResult{Task: task, Applied: true, DeadLettered: true}, nil
	}

	if err := m.setTaskStatus(&task, domain.TaskPending); err != nil {
		return FailTaskResult{}, err
	}
	task.WorkerID = nil
	task.LeaseExpiresAt = nil
	task.HeartbeatAt = nil
	task.LastError = &errMsg
	task.NextAttemptAt = m.now().Add(backoff)
	m.tasks[taskID] = task
	return FailTaskResult{Task: task, Applied: true, DeadLettered: false}, nil
}

func (m *Memory) MarkDependentsAfterSuccess(_ context.Context, runID uuid.UUID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.tasks {
		if task.RunID != runID || task.Status != domain.TaskPending || task.RemainingDeps == 0 {
			continue
		}
		for _, dep := range task.DependsOn {
			if dep == nodeID {
				task.RemainingDeps--
				task.UpdatedAt = m.now()
				m.tasks[id] = task
				break
			}
		}
	}
	return nil
}

func (m *Memory) RecoverExpiredLeases(_ context.Context, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	now := m.now()

	var expired []domain.Task
	for _, id := range m.taskOrder {
		task := m.tasks[id]
		if task.Status == domain.TaskRunning && task.LeaseExpiresAt != nil &&
			task.LeaseExpiresAt.Before(now) {
			expired = append(expired, task)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}

	reason := leaseExpiredReason
	var recovered []domain.Task
	for _, task := range expired {
		m.closeAttempt(task.ID, task.AttemptCount, domain.AttemptFailed, &reason)

		if task.AttemptCount >= task.MaxAttempts {
			if err := m.setTaskStatus(&task, domain.TaskDeadLetter); err != nil {
				return nil, err
			}
			task.WorkerID = nil
			task.LeaseExpiresAt = nil
			task.HeartbeatAt = nil
			task.LastError = &reason
			m.tasks[task.ID] = task
			m.deadLetters = append(m.deadLetters, domain.DeadLetter{
				ID:         uuid.New(),
				TaskID:     task.ID,
				RunID:      task.RunID,
				WorkflowID: task.WorkflowID,
				Reason:     reason,
				Payload:    task.Payload,
				CreatedAt:  now,
			})
			recovered = append(recovered, task)
			continue
		}

		if err := m.setTaskStatus(&task, domain.TaskPending); err != nil {
			return nil, err
		}
		task.WorkerID = nil
		task.LeaseExpiresAt = nil
		task.HeartbeatAt = nil
		task.LastError = &reason
		task.NextAttemptAt = now
		m.tasks[task.ID] = task
		recovered = append(recovered, task)
	}
	return recovered, nil
}

func (m *Memory) closeAttempt(taskID uuid.UUID, attemptNo int, status domain.AttemptStatus, errMsg *string) {
	attempts := m.attempts[taskID]
	for i := range attempts {
		if attempts[i].AttemptNo != attemptNo || attempts[i].FinishedAt != nil {
			continue
		}
		now := m.now()
		duration := int(now.Sub(attempts[i].StartedAt).Milliseconds())
		attempts[i].Status = status
		attempts[i].Error = errMsg
		attempts[i].FinishedAt = &now
		attempts[i].DurationMs = &duration
	}
}

// Test inspection helpers.

func (m *Memory) GetTask(taskID uuid.UUID) (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

func (m *Memory) Attempts(taskID uuid.UUID) []domain.TaskAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskAttempt(nil), m.attempts[taskID]...)
}

func (m *Memory) DeadLetters() []domain.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeadLetter(nil), m.deadLetters...)
}

// ExpireLease rewinds a running task's lease so recovery paths can be
// exercised without waiting.
func (m *Memory) ExpireLease(taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.TaskRunning {
		return fmt.Errorf("task %s is not running", taskID)
	}
	past := m.now().Add(-time.Minute)
	task.LeaseExpiresAt = &past
	m.tasks[taskID] = task
	return nil
}
