package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmahotiedu/workflow-orchestrator/internal/registry"
)

func TestRegistryLookup(t *testing.T) {
	reg := registry.Default()

	for _, kind := range []string{"noop", "flaky"} {
		exec, err := reg.Lookup(kind)
		require.NoError(t, err, kind)
		require.NotNil(t, exec, kind)
	}

	_, err := reg.Lookup("teleport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no executor registered for kind: "teleport"`)

	assert.ElementsMatch(t, []string{"noop", "flaky"}, reg.Names())
}

func TestNoopExecutor(t *testing.T) {
	exec, err := registry.Default().Lookup("noop")
	require.NoError(t, err)

	err = exec.Execute(context.Background(), map[string]any{"durationMs": float64(1)}, 1)
	assert.NoError(t, err)

	// Missing config falls back to the default duration.
	err = exec.Execute(context.Background(), nil, 1)
	assert.NoError(t, err)
}

func TestNoopExecutorHonorsCancellation(t *testing.T) {
	exec, err := registry.Default().Lookup("noop")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = exec.Execute(ctx, map[string]any{"durationMs": float64(60000)}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlakyExecutor(t *testing.T) {
	exec, err := registry.Default().Lookup("flaky")
	require.NoError(t, err)

	config := map[string]any{
		"failUntilAttempt": float64(2),
		"durationMs":       float64(1),
	}

	assert.Error(t, exec.Execute(context.Background(), config, 1))
	assert.Error(t, exec.Execute(context.Background(), config, 2))
	assert.NoError(t, exec.Execute(context.Background(), config, 3))

	// Default failUntilAttempt is 1: first attempt fails, second succeeds.
	fast := map[string]any{"durationMs": float64(1)}
	assert.Error(t, exec.Execute(context.Background(), fast, 1))
	assert.NoError(t, exec.Execute(context.Background(), fast, 2))
}
