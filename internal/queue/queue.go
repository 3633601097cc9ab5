// Package queue carries "task ready" notifications between the control plane
// and workers over a durable at-least-once message log with consumer-group
// semantics.
package queue

import (
	"context"
	"time"
)

const (
	// TaskStream is the live message log read by the worker consumer group.
	TaskStream = "task_queue_stream"
	// TaskGroup is the consumer group name; each message is delivered to
	// exactly one group member until acknowledged.
	TaskGroup = "task_workers"
	// delayedSet holds requeued tasks ordered by due time until the pump
	// promotes them back into the live stream.
	delayedSet = "task_queue_delayed"
)

// TaskMessage is the wire schema: three string fields identifying the task.
type TaskMessage struct {
	TaskID     string `json:"taskId"`
	RunID      string `json:"runId"`
	WorkflowID string `json:"workflowId"`
}

// Message is a delivered TaskMessage plus its stream entry id, needed to ack.
type Message struct {
	ID string
	TaskMessage
}

type Queue interface {
	// EnsureConsumerGroup creates the consumer group, tolerating "already
	// exists".
	EnsureConsumerGroup(ctx context.Context) error
	// ReadBatch blocks briefly for up to count unread messages assigned to
	// consumerID. Malformed messages are dropped silently.
	ReadBatch(ctx context.Context, consumerID string, count int) ([]Message, error)
	// ClaimStale reassigns messages delivered but unacknowledged for at
	// least minIdle to consumerID, recovering a crashed worker's in-flight
	// claims at the transport level.
	ClaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int) ([]Message, error)
	// Ack acknowledges a delivered message, removing redelivery risk.
	Ack(ctx context.Context, messageID string) error
	// Requeue appends immediately when delay is zero, otherwise parks the
	// task in the delayed set until its due time.
	Requeue(ctx context.Context, msg TaskMessage, delay time.Duration) error
	// PumpDelayed promotes delayed entries whose due time has passed into
	// the live stream, returning how many were promoted.
	PumpDelayed(ctx context.Context, now time.Time) (int, error)
}
