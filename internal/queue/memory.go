package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type delayedEntry struct {
	msg TaskMessage
	due time.Time
}

type pendingEntry struct {
	msg         Message
	deliveredAt time.Time
	consumer    string
}

// MemoryQueue is an in-process Queue with the same delivery semantics as the
// Redis implementation: claimed-but-unacked messages stay pending until acked
// or reclaimed as stale, delayed entries surface only after PumpDelayed.
type MemoryQueue struct {
	mu      sync.Mutex
	live    []Message
	pending map[string]pendingEntry
	delayed []delayedEntry
	counter int
	now     func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]pendingEntry),
		now:     time.Now,
	}
}

func (q *MemoryQueue) EnsureConsumerGroup(context.Context) error { return nil }

func (q *MemoryQueue) ReadBatch(_ context.Context, consumerID string, count int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if count > len(q.live) {
		count = len(q.live)
	}
	out := make([]Message, 0, count)
	for i := 0; i < count; i++ {
		msg := q.live[0]
		q.live = q.live[1:]
		q.pending[msg.ID] = pendingEntry{msg: msg, deliveredAt: q.now(), consumer: consumerID}
		out = append(out, msg)
	}
	return out, nil
}

func (q *MemoryQueue) ClaimStale(_ context.Context, consumerID string, minIdle time.Duration, count int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-minIdle)
	var out []Message
	for id, entry := range q.pending {
		if len(out) == count {
			break
		}
		if entry.deliveredAt.After(cutoff) {
			continue
		}
		entry.deliveredAt = q.now()
		entry.consumer = consumerID
		q.pending[id] = entry
		out = append(out, entry.msg)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, messageID)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, msg TaskMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if delay > 0 {
		q.delayed = append(q.delayed, delayedEntry{msg: msg, due: q.now().Add(delay)})
		return nil
	}
	q.appendLocked(msg)
	return nil
}

func (q *MemoryQueue) PumpDelayed(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	promoted := 0
	remaining := q.delayed[:0]
	for _, entry := range q.delayed {
		if entry.due.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		q.appendLocked(entry.msg)
		promoted++
	}
	q.delayed = remaining
	return promoted, nil
}

func (q *MemoryQueue) appendLocked(msg TaskMessage) {
	q.counter++
	q.live = append(q.live, Message{
		ID:          fmt.Sprintf("mem-%d", q.counter),
		TaskMessage: msg,
	})
}

// Test inspection helpers.

func (q *MemoryQueue) LiveLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

func (q *MemoryQueue) DelayedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

func (q *MemoryQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
