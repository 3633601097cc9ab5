package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readBlock = 2500 * time.Millisecond
	pumpBatch = 100
)

// RedisQueue implements Queue on Redis Streams: XADD/XREADGROUP/XAUTOCLAIM/
// XACK for the live log, a ZSET scored by due time for delayed re-delivery.
type RedisQueue struct {
	client *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) EnsureConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, TaskStream, TaskGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) ReadBatch(ctx context.Context, consumerID string, count int) ([]Message, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    TaskGroup,
		Consumer: consumerID,
		Streams:  []string{TaskStream, ">"},
		Count:    int64(count),
		Block:    readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		messages = append(messages, parseEntries(stream.Messages)...)
	}
	return messages, nil
}

func (q *RedisQueue) ClaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int) ([]Message, error) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   TaskStream,
		Group:    TaskGroup,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim stale: %w", err)
	}
	return parseEntries(entries), nil
}

func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, TaskStream, TaskGroup, messageID).Err()
}

func (q *RedisQueue) Requeue(ctx context.Context, msg TaskMessage, delay time.Duration) error {
	if delay > 0 {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode delayed task: %w", err)
		}
		return q.client.ZAdd(ctx, delayedSet, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: encoded,
		}).Err()
	}
	return q.append(ctx, msg)
}

func (q *RedisQueue) append(ctx context.Context, msg TaskMessage) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: TaskStream,
		Values: map[string]any{
			"taskId":     msg.TaskID,
			"runId":      msg.RunID,
			"workflowId": msg.WorkflowID,
		},
	}).Err()
}

// PumpDelayed moves due entries from the delayed set into the live stream.
// Entries that fail to decode are discarded rather than promoted forever.
func (q *RedisQueue) PumpDelayed(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: pumpBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed set: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		var msg TaskMessage
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			if err := q.append(ctx, msg); err != nil {
				return promoted, err
			}
			promoted++
		}
		if err := q.client.ZRem(ctx, delayedSet, raw).Err(); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

// parseEntries converts raw stream entries, dropping malformed ones.
func parseEntries(entries []redis.XMessage) []Message {
	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msg := Message{ID: entry.ID}
		msg.TaskID = stringField(entry.Values, "taskId")
		msg.RunID = stringField(entry.Values, "runId")
		msg.WorkflowID = stringField(entry.Values, "workflowId")
		if msg.TaskID == "" || msg.RunID == "" || msg.WorkflowID == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func stringField(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
