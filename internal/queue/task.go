// Package queue implements Conductor's task runtime: named queues with
// independent concurrency, late-ack reliable delivery over Redis lists,
// exponential backoff retries, dead-lettering, and delay/at-time
// scheduled follow-ups.
//
// Retry/backoff uses cenkalti/backoff/v4.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work enqueued onto a named queue.
type Task struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Args           json.RawMessage `json:"args"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxRetries     int             `json:"max_retries"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	NotBefore      time.Time       `json:"not_before,omitempty"`
}

// NewTask builds a task with a fresh ID, marshaling args to JSON.
func NewTask(queueName, name string, args any, maxRetries int) (*Task, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Name:       name,
		Args:       payload,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
	}, nil
}

// Schedule sets the task to become eligible delay from now.
func (t *Task) Schedule(delay time.Duration) *Task {
	t.NotBefore = time.Now().Add(delay)
	return t
}

// At sets the task to become eligible at the given wall-clock time.
func (t *Task) At(when time.Time) *Task {
	t.NotBefore = when
	return t
}

func (t *Task) Unmarshal(dst any) error {
	return json.Unmarshal(t.Args, dst)
}
