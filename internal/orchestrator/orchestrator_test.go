package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmahotiedu/workflow-orchestrator/internal/dag"
	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
	"github.com/jmahotiedu/workflow-orchestrator/internal/events"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/orchestrator"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
)

type fixture struct {
	store    *ledger.Memory
	queue    *queue.MemoryQueue
	recorder *events.Recorder
	service  *orchestrator.Service
}

func newFixture(t *testing.T, globalLimit int) *fixture {
	t.Helper()
	store := ledger.NewMemory()
	q := queue.NewMemoryQueue()
	recorder := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:    store,
		queue:    q,
		recorder: recorder,
		service:  orchestrator.New(store, q, recorder, logger, globalLimit),
	}
}

func chainDefinition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Version: 1,
		Tasks: []domain.TaskDefinition{
			{ID: "fetch", Name: "fetch", Kind: "noop"},
			{ID: "build", Name: "build", Kind: "noop", DependsOn: []string{"fetch"}},
		},
	}
}

func TestCreateWorkflowValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	_, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name: "broken",
		Definition: domain.WorkflowDefinition{
			Version: 1,
			Tasks: []domain.TaskDefinition{
				{ID: "a", Name: "a", Kind: "noop", DependsOn: []string{"b"}},
				{ID: "b", Name: "b", Kind: "noop", DependsOn: []string{"a"}},
			},
		},
	})
	require.Error(t, err)
	var verrs dag.ValidationErrors
	require.ErrorAs(t, err, &verrs)

	workflows, err := f.store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, workflows)
	assert.Empty(t, f.recorder.Events())
}

func TestCreateWorkflowEmitsEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:       "pipeline",
		Definition: chainDefinition(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wf.MaxConcurrentRuns, "default concurrency")

	created := f.recorder.ByType(events.WorkflowCreated)
	require.Len(t, created, 1)
	assert.Equal(t, wf.ID.String(), created[0].WorkflowID)
}

func TestTriggerRunUnknownWorkflow(t *testing.T) {
	f := newFixture(t, 200)
	_, err := f.service.TriggerRun(context.Background(), uuid.New(), domain.TriggerManual, nil)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestTriggerRunSeedsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:       "pipeline",
		Definition: chainDefinition(),
	})
	require.NoError(t, err)

	result, err := f.service.TriggerRun(ctx, wf.ID, domain.TriggerManual, nil)
	require.NoError(t, err)
	assert.False(t, result.Deduped)

	run, found, err := f.store.GetRun(ctx, result.Run.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.RunRunning, run.Status)

	tasks, err := f.store.ListTasksForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// Only the dependency-free root is on the queue.
	assert.Equal(t, 1, f.queue.LiveLen())
	batch, err := f.queue.ReadBatch(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, run.ID.String(), batch[0].RunID)
	assert.Equal(t, wf.ID.String(), batch[0].WorkflowID)

	runCreated := f.recorder.ByType(events.RunCreated)
	require.Len(t, runCreated, 1)
	assert.Equal(t, run.ID.String(), runCreated[0].RunID)

	taskUpdated := f.recorder.ByType(events.TaskUpdated)
	require.Len(t, taskUpdated, 1)
	assert.Equal(t, string(domain.TaskQueued), taskUpdated[0].Status)
}

func TestTriggerRunDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:              "pipeline",
		Definition:        chainDefinition(),
		MaxConcurrentRuns: 5,
	})
	require.NoError(t, err)

	key := "nightly-2026-09-01"
	first, err := f.service.TriggerRun(ctx, wf.ID, domain.TriggerSchedule, &key)
	require.NoError(t, err)
	require.False(t, first.Deduped)
	queuedBefore := f.queue.LiveLen()

	second, err := f.service.TriggerRun(ctx, wf.ID, domain.TriggerSchedule, &key)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	// Deduped triggers seed and enqueue nothing.
	tasks, err := f.store.ListTasksForRun(ctx, first.Run.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, queuedBefore, f.queue.LiveLen())
	assert.Len(t, f.recorder.ByType(events.RunCreated), 1)
}

func TestTriggerRunWorkflowLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:              "serial",
		Definition:        chainDefinition(),
		MaxConcurrentRuns: 1,
	})
	require.NoError(t, err)

	_, err = f.service.TriggerRun(ctx, wf.ID, domain.TriggerManual, nil)
	require.NoError(t, err)

	_, err = f.service.TriggerRun(ctx, wf.ID, domain.TriggerManual, nil)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowLimit)
}

func TestTriggerRunGlobalLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	wf1, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:              "first",
		Definition:        chainDefinition(),
		MaxConcurrentRuns: 5,
	})
	require.NoError(t, err)
	wf2, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:              "second",
		Definition:        chainDefinition(),
		MaxConcurrentRuns: 5,
	})
	require.NoError(t, err)

	_, err = f.service.TriggerRun(ctx, wf1.ID, domain.TriggerManual, nil)
	require.NoError(t, err)

	_, err = f.service.TriggerRun(ctx, wf2.ID, domain.TriggerManual, nil)
	assert.ErrorIs(t, err, orchestrator.ErrGlobalLimit)
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:       "pipeline",
		Definition: chainDefinition(),
	})
	require.NoError(t, err)
	result, err := f.service.TriggerRun(ctx, wf.ID, domain.TriggerManual, nil)
	require.NoError(t, err)

	run, err := f.service.CancelRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)

	updated := f.recorder.ByType(events.RunUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, string(domain.RunCancelled), updated[0].Status)

	_, err = f.service.CancelRun(ctx, uuid.New())
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestSyncRunStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)

	wf, err := f.service.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
		Name:       "pipeline",
		Definition: chainDefinition(),
	})
	require.NoError(t, err)
	result, err := f.service.TriggerRun(ctx, wf.ID, domain.TriggerManual, nil)
	require.NoError(t, err)

	require.NoError(t, f.service.SyncRunStatus(ctx, result.Run.ID))

	run, _, err := f.store.GetRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)

	updated := f.recorder.ByType(events.RunUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, string(domain.RunRunning), updated[0].Status)

	// Unknown runs are a quiet no-op.
	require.NoError(t, f.service.SyncRunStatus(ctx, uuid.New()))
	assert.Len(t, f.recorder.ByType(events.RunUpdated), 1)
}
