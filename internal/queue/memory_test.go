package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
)

func msg(n string) queue.TaskMessage {
	return queue.TaskMessage{TaskID: n, RunID: "run-" + n, WorkflowID: "wf-" + n}
}

func TestMemoryQueueDelivery(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	require.NoError(t, q.Requeue(ctx, msg("1"), 0))
	require.NoError(t, q.Requeue(ctx, msg("2"), 0))
	require.NoError(t, q.Requeue(ctx, msg("3"), 0))
	assert.Equal(t, 3, q.LiveLen())

	batch, err := q.ReadBatch(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "1", batch[0].TaskID)
	assert.Equal(t, "2", batch[1].TaskID)
	assert.Equal(t, 1, q.LiveLen())
	assert.Equal(t, 2, q.PendingLen())

	// Unacked messages are not redelivered by fresh reads.
	rest, err := q.ReadBatch(ctx, "c2", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "3", rest[0].TaskID)

	require.NoError(t, q.Ack(ctx, batch[0].ID))
	assert.Equal(t, 2, q.PendingLen())

	// Double ack is harmless.
	require.NoError(t, q.Ack(ctx, batch[0].ID))
	assert.Equal(t, 2, q.PendingLen())
}

func TestMemoryQueueClaimStale(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	require.NoError(t, q.Requeue(ctx, msg("1"), 0))
	batch, err := q.ReadBatch(ctx, "c1", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Freshly delivered messages are not stale yet.
	claimed, err := q.ClaimStale(ctx, "c2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// With a zero idle threshold anything pending is claimable.
	claimed, err = q.ClaimStale(ctx, "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, batch[0].ID, claimed[0].ID)
	assert.Equal(t, "1", claimed[0].TaskID)

	require.NoError(t, q.Ack(ctx, claimed[0].ID))
	assert.Equal(t, 0, q.PendingLen())
}

func TestMemoryQueueDelayed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	now := time.Now()

	require.NoError(t, q.Requeue(ctx, msg("soon"), 10*time.Millisecond))
	require.NoError(t, q.Requeue(ctx, msg("later"), time.Hour))
	assert.Equal(t, 0, q.LiveLen())
	assert.Equal(t, 2, q.DelayedLen())

	// Nothing due yet.
	promoted, err := q.PumpDelayed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	promoted, err = q.PumpDelayed(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, q.LiveLen())
	assert.Equal(t, 1, q.DelayedLen())

	batch, err := q.ReadBatch(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "soon", batch[0].TaskID)
}
