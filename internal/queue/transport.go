package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ivyrail/conductor/internal/kv"
)

// Transport moves tasks through Redis-backed ready/delayed/processing/
// dead-letter lists — the reliable-queue pattern (BRPOPLPUSH into a
// per-queue processing list, explicit ack removes it) generalized
// from a single list to N named queues.
type Transport struct {
	kv *kv.Client
}

func NewTransport(kvClient *kv.Client) *Transport {
	return &Transport{kv: kvClient}
}

func readyKey(queueName string) string      { return "queue:" + queueName + ":ready" }
func delayedKey(queueName string) string    { return "queue:" + queueName + ":delayed" }
func processingKey(queueName string) string { return "queue:" + queueName + ":processing" }
func deadLetterKey(queueName string) string { return "queue:" + queueName + ":dead" }

// Enqueue pushes a task onto its ready list, or its delayed set if
// NotBefore is in the future.
func (t *Transport) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if !task.NotBefore.IsZero() && task.NotBefore.After(time.Now()) {
		return t.kv.Raw().ZAdd(ctx, delayedKey(task.Queue), redis.Z{
			Score:  float64(task.NotBefore.UnixNano()),
			Member: payload,
		}).Err()
	}
	return t.kv.Raw().LPush(ctx, readyKey(task.Queue), payload).Err()
}

// PromoteDue moves any delayed tasks whose NotBefore has passed onto
// the ready list. Call this periodically (once per worker process is
// enough — it's idempotent via ZREM's exactly-once removal semantics).
func (t *Transport) PromoteDue(ctx context.Context, queueName string, now time.Time) (int, error) {
	due, err := t.kv.Raw().ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed tasks: %w", err)
	}

	moved := 0
	for _, payload := range due {
		removed, err := t.kv.Raw().ZRem(ctx, delayedKey(queueName), payload).Result()
		if err != nil || removed == 0 {
			continue // another worker already promoted it
		}
		if err := t.kv.Raw().LPush(ctx, readyKey(queueName), payload).Err(); err != nil {
			return moved, fmt.Errorf("promote delayed task: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Dequeue blocks up to timeout for a task on queueName, atomically
// moving it into the processing list so a crashed worker's in-flight
// tasks are recoverable rather than lost.
func (t *Transport) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Task, error) {
	result, err := t.kv.Raw().BRPopLPush(ctx, readyKey(queueName), processingKey(queueName), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(result), &task); err != nil {
		return nil, fmt.Errorf("unmarshal dequeued task: %w", err)
	}
	return &task, nil
}

// Ack removes task from its processing list after successful handling.
func (t *Transport) Ack(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task for ack: %w", err)
	}
	return t.kv.Raw().LRem(ctx, processingKey(task.Queue), 1, payload).Err()
}

// Requeue removes task from processing and re-enqueues it (with
// updated Attempt/NotBefore already set by the caller) for retry.
func (t *Transport) Requeue(ctx context.Context, original, updated *Task) error {
	if err := t.Ack(ctx, original); err != nil {
		return fmt.Errorf("ack original before requeue: %w", err)
	}
	return t.Enqueue(ctx, updated)
}

// DeadLetter removes task from processing and appends it to the
// queue's dead-letter list for manual inspection.
func (t *Transport) DeadLetter(ctx context.Context, task *Task) error {
	if err := t.Ack(ctx, task); err != nil {
		return fmt.Errorf("ack before dead-letter: %w", err)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task for dead-letter: %w", err)
	}
	return t.kv.Raw().LPush(ctx, deadLetterKey(task.Queue), payload).Err()
}

// Depth reports the ready-list length for a queue, used by botctl's
// queue-depth command.
func (t *Transport) Depth(ctx context.Context, queueName string) (int64, error) {
	return t.kv.Raw().LLen(ctx, readyKey(queueName)).Result()
}

func (t *Transport) DeadLetterDepth(ctx context.Context, queueName string) (int64, error) {
	return t.kv.Raw().LLen(ctx, deadLetterKey(queueName)).Result()
}
