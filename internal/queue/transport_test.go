package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivyrail/conductor/internal/kv"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := kv.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewTransport(client)
}

func TestEnqueueDequeueAck(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	task, err := NewTask("default", "send_block", map[string]string{"x": "1"}, 3)
	require.NoError(t, err)
	require.NoError(t, tr.Enqueue(ctx, task))

	got, err := tr.Dequeue(ctx, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	require.NoError(t, tr.Ack(ctx, got))

	depth, err := tr.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestScheduledTaskNotReadyUntilDue(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()
	now := time.Now()

	task, err := NewTask("recovery", "recovery_step", nil, 3)
	require.NoError(t, err)
	task.Schedule(time.Hour)
	require.NoError(t, tr.Enqueue(ctx, task))

	depth, err := tr.Depth(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "scheduled task must not be ready immediately")

	moved, err := tr.PromoteDue(ctx, "recovery", now)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	moved, err = tr.PromoteDue(ctx, "recovery", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	depth, err = tr.Depth(ctx, "recovery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRequeueMovesAttemptForward(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	task, err := NewTask("ai", "llm_reply", nil, 5)
	require.NoError(t, err)
	require.NoError(t, tr.Enqueue(ctx, task))

	got, err := tr.Dequeue(ctx, "ai", time.Second)
	require.NoError(t, err)

	updated := *got
	updated.Attempt = 1
	require.NoError(t, tr.Requeue(ctx, got, &updated))

	got2, err := tr.Dequeue(ctx, "ai", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, 1, got2.Attempt)
}

func TestDeadLetterRecordsFailedTask(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	task, err := NewTask("default", "send_block", nil, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Enqueue(ctx, task))

	got, err := tr.Dequeue(ctx, "default", time.Second)
	require.NoError(t, err)
	require.NoError(t, tr.DeadLetter(ctx, got))

	depth, err := tr.DeadLetterDepth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
