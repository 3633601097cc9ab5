//go:build integration

package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/migrate"
)

// setupStore starts a disposable Postgres container, applies migrations, and
// returns a Store backed by it.
func setupStore(t *testing.T) *ledger.Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orchestrator",
			"POSTGRES_PASSWORD": "orchestrator",
			"POSTGRES_DB":       "orchestrator_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://orchestrator:orchestrator@%s:%s/orchestrator_test?sslmode=disable",
		host, port.Port())

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, migrate.Run(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))))

	return ledger.NewStore(pool)
}

func pgDiamond(t *testing.T, store *ledger.Store) domain.Workflow {
	t.Helper()
	wf, err := store.CreateWorkflow(context.Background(), ledger.CreateWorkflowInput{
		Name: "diamond",
		Definition: domain.WorkflowDefinition{
			Version: 1,
			Tasks: []domain.TaskDefinition{
				{ID: "a", Name: "a", Kind: "noop"},
				{ID: "b", Name: "b", Kind: "noop", DependsOn: []string{"a"}},
				{ID: "c", Name: "c", Kind: "noop", DependsOn: []string{"a"}},
				{ID: "d", Name: "d", Kind: "noop", DependsOn: []string{"b", "c"}},
			},
		},
	})
	require.NoError(t, err)
	return wf
}

func pgSeedRun(t *testing.T, store *ledger.Store, wf domain.Workflow) domain.Run {
	t.Helper()
	ctx := context.Background()
	created, err := store.CreateRun(ctx, ledger.CreateRunInput{
		WorkflowID:    wf.ID,
		TriggerSource: domain.TriggerManual,
	})
	require.NoError(t, err)
	require.NoError(t, store.SeedTasksForRun(ctx, created.Run.ID, wf))
	require.NoError(t, store.StartRunIfPending(ctx, created.Run.ID))
	return created.Run
}

func pgTaskByNode(t *testing.T, store *ledger.Store, run domain.Run, node string) domain.Task {
	t.Helper()
	tasks, err := store.ListTasksForRun(context.Background(), run.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.NodeID == node {
			return task
		}
	}
	t.Fatalf("node %s not found", node)
	return domain.Task{}
}

func TestPostgresStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("workflow round trip", func(t *testing.T) {
		wf := pgDiamond(t, store)
		got, found, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Definition, got.Definition)
		assert.Equal(t, 1, got.MaxConcurrentRuns)
	})

	t.Run("run dedup via unique key", func(t *testing.T) {
		wf := pgDiamond(t, store)
		key := "release-42"
		first, err := store.CreateRun(ctx, ledger.CreateRunInput{
			WorkflowID:     wf.ID,
			TriggerSource:  domain.TriggerManual,
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		require.False(t, first.Deduped)

		second, err := store.CreateRun(ctx, ledger.CreateRunInput{
			WorkflowID:     wf.ID,
			TriggerSource:  domain.TriggerManual,
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.True(t, second.Deduped)
		assert.Equal(t, first.Run.ID, second.Run.ID)
	})

	t.Run("seed queue claim complete cascade", func(t *testing.T) {
		wf := pgDiamond(t, store)
		run := pgSeedRun(t, store, wf)

		ready, err := store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, ready, 1)

		a := pgTaskByNode(t, store, run, "a")
		require.Equal(t, domain.TaskQueued, a.Status)

		claimed, ok, err := store.StartTask(ctx, a.ID, "w1", 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, claimed.AttemptCount)

		// Second claim loses the status guard.
		_, ok, err = store.StartTask(ctx, a.ID, "w2", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = store.CompleteTask(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.MarkDependentsAfterSuccess(ctx, run.ID, "a"))

		ready, err = store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, ready, 2, "b and c unblocked")
	})

	t.Run("fail task backoff then dead letter", func(t *testing.T) {
		wf := pgDiamond(t, store)
		run := pgSeedRun(t, store, wf)
		_, err := store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)
		a := pgTaskByNode(t, store, run, "a")

		for attempt := 1; attempt <= 3; attempt++ {
			if attempt > 1 {
				due, err := store.QueueDuePendingTasks(ctx, 10)
				require.NoError(t, err)
				require.Len(t, due, 1)
			}
			_, ok, err := store.StartTask(ctx, a.ID, "w1", 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			result, err := store.FailTask(ctx, a.ID, "boom", 0)
			require.NoError(t, err)
			require.True(t, result.Applied)
			assert.Equal(t, attempt == 3, result.DeadLettered, "attempt %d", attempt)
		}

		got := pgTaskByNode(t, store, run, "a")
		assert.Equal(t, domain.TaskDeadLetter, got.Status)

		status, found, err := store.EvaluateRunState(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, domain.RunFailed, status)
	})

	t.Run("recover expired leases", func(t *testing.T) {
		wf := pgDiamond(t, store)
		run := pgSeedRun(t, store, wf)
		_, err := store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)
		a := pgTaskByNode(t, store, run, "a")

		// A lease that is already expired when granted.
		_, ok, err := store.StartTask(ctx, a.ID, "w1", -time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		recovered, err := store.RecoverExpiredLeases(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recovered, 1)
		assert.Equal(t, domain.TaskPending, recovered[0].Status)
		assert.Equal(t, "lease expired", *recovered[0].LastError)

		// Immediately due for retry.
		due, err := store.QueueDuePendingTasks(ctx, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, a.ID, due[0].TaskID)
	})

	t.Run("concurrent queueing yields disjoint candidate sets", func(t *testing.T) {
		tasks := make([]domain.TaskDefinition, 8)
		for i := range tasks {
			id := fmt.Sprintf("n%d", i)
			tasks[i] = domain.TaskDefinition{ID: id, Name: id, Kind: "noop"}
		}
		wf, err := store.CreateWorkflow(ctx, ledger.CreateWorkflowInput{
			Name:       "wide",
			Definition: domain.WorkflowDefinition{Version: 1, Tasks: tasks},
		})
		require.NoError(t, err)
		run := pgSeedRun(t, store, wf)

		// Several callers race to queue the same ready set, each in its own
		// transaction. Skip-locked selection must hand every task to exactly
		// one of them.
		const callers = 4
		var (
			start   = make(chan struct{})
			wg      sync.WaitGroup
			mu      sync.Mutex
			results [][]ledger.EnqueueCandidate
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got, err := store.QueueReadyTasks(ctx, run.ID)
				assert.NoError(t, err)
				mu.Lock()
				results = append(results, got)
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		seen := make(map[uuid.UUID]int)
		total := 0
		for _, got := range results {
			for _, c := range got {
				seen[c.TaskID]++
				total++
			}
		}
		assert.Equal(t, len(tasks), total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s queued by more than one caller", id)
		}
	})

	t.Run("concurrent claims admit a single worker", func(t *testing.T) {
		wf := pgDiamond(t, store)
		run := pgSeedRun(t, store, wf)
		_, err := store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)
		a := pgTaskByNode(t, store, run, "a")

		const workers = 8
		var (
			start   = make(chan struct{})
			wg      sync.WaitGroup
			claimed atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				<-start
				_, ok, err := store.StartTask(ctx, a.ID, workerID, 30*time.Second)
				assert.NoError(t, err)
				if ok {
					claimed.Add(1)
				}
			}(fmt.Sprintf("w%d", i))
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), claimed.Load())
		got := pgTaskByNode(t, store, run, "a")
		assert.Equal(t, domain.TaskRunning, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("cancel run force cancels tasks", func(t *testing.T) {
		wf := pgDiamond(t, store)
		run := pgSeedRun(t, store, wf)
		_, err := store.QueueReadyTasks(ctx, run.ID)
		require.NoError(t, err)

		cancelled, found, err := store.CancelRun(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, domain.RunCancelled, cancelled.Status)

		tasks, err := store.ListTasksForRun(ctx, run.ID)
		require.NoError(t, err)
		for _, task := range tasks {
			assert.Equal(t, domain.TaskCancelled, task.Status, task.NodeID)
		}
	})
}
