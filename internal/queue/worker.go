package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ivyrail/conductor/internal/errs"
)

// Handler processes one task. A returned error classified as retriable
// (per internal/errs) schedules a backoff retry; anything else either
// dead-letters (permanent) or silently acks (consistency/conflict).
type Handler func(ctx context.Context, task *Task) error

// Pool runs a fixed number of goroutines per named queue, draining
// tasks via Transport.Dequeue. Each consumer runs a ticker-with-
// graceful-stop loop; N consumers run concurrently per queue.
type Pool struct {
	transport *Transport
	log       zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(transport *Transport, log zerolog.Logger) *Pool {
	return &Pool{transport: transport, log: log.With().Str("component", "queue_pool").Logger(), handlers: map[string]Handler{}}
}

// Register binds a task name to its handler. All tasks enqueued with
// that name, on any queue, are dispatched to it.
func (p *Pool) Register(taskName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskName] = h
}

// Start launches concurrency goroutines for queueName plus one
// promoter goroutine that moves due delayed tasks onto the ready list.
func (p *Pool) Start(ctx context.Context, queueName string, concurrency int) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.promoteLoop(ctx, queueName)

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.consumeLoop(ctx, queueName)
	}
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) promoteLoop(ctx context.Context, queueName string) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.transport.PromoteDue(ctx, queueName, time.Now()); err != nil {
				p.log.Warn().Err(err).Str("queue", queueName).Msg("promote delayed tasks failed")
			}
		}
	}
}

func (p *Pool) consumeLoop(ctx context.Context, queueName string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.transport.Dequeue(ctx, queueName, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Err(err).Str("queue", queueName).Msg("dequeue failed")
			continue
		}
		if task == nil {
			continue // timed out waiting, loop and check ctx again
		}

		p.handle(ctx, task)
	}
}

func (p *Pool) handle(ctx context.Context, task *Task) {
	p.mu.Lock()
	h, ok := p.handlers[task.Name]
	p.mu.Unlock()
	if !ok {
		p.log.Error().Str("task", task.Name).Msg("no handler registered, dead-lettering")
		_ = p.transport.DeadLetter(ctx, task)
		return
	}

	err := h(ctx, task)
	if err == nil {
		if ackErr := p.transport.Ack(ctx, task); ackErr != nil {
			p.log.Warn().Err(ackErr).Str("task_id", task.ID).Msg("ack failed")
		}
		return
	}

	if errs.Silent(err) {
		p.log.Info().Err(err).Str("task_id", task.ID).Msg("task exited silently")
		_ = p.transport.Ack(ctx, task)
		return
	}

	if !errs.Retriable(err) || task.Attempt >= task.MaxRetries {
		p.log.Error().Err(err).Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("task failed permanently, dead-lettering")
		_ = p.transport.DeadLetter(ctx, task)
		return
	}

	updated := *task
	updated.Attempt++
	updated.NotBefore = time.Now().Add(backoffDelay(updated.Attempt))
	p.log.Warn().Err(err).Str("task_id", task.ID).Int("attempt", updated.Attempt).Dur("retry_in", time.Until(updated.NotBefore)).Msg("task failed, retrying")
	if reqErr := p.transport.Requeue(ctx, task, &updated); reqErr != nil {
		p.log.Error().Err(reqErr).Str("task_id", task.ID).Msg("requeue failed")
	}
}

// backoffDelay computes an exponential backoff with +/-20% jitter using
// cenkalti/backoff's ExponentialBackOff.
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0.2

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d
}
