// Package clients implements the outbound adapters Conductor calls from
// its worker processes: Telegram, the LLM provider, Whisper
// transcription, and the PIX payment gateway. Each adapter shares one
// circuit breaker implementation and a pooled http.Client.
//
// The shared piece in this file is the Breaker type, a consecutive-
// failure counter carrying closed/open/half-open state; it runs no
// background health-check loop and does not wrap the HTTP transport.
package clients

import (
	"context"
	"sync"
	"time"
)

// State is a circuit breaker's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a simple failure-count circuit breaker: it opens after
// FailMax consecutive failures, stays open for ResetTimeout, then
// allows a single half-open probe before closing again.
type Breaker struct {
	FailMax      int
	ResetTimeout time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	halfOpenTry bool
}

func NewBreaker(failMax int, resetTimeout time.Duration) *Breaker {
	return &Breaker{FailMax: failMax, ResetTimeout: resetTimeout, state: StateClosed}
}

// ErrOpen is returned by Allow when the breaker is open and the reset
// timeout has not yet elapsed.
type ErrOpen struct{ RetryAfter time.Duration }

func (e *ErrOpen) Error() string { return "circuit breaker open" }

// Allow reports whether a call should proceed, transitioning open ->
// half-open once ResetTimeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenTry = false
		} else {
			return &ErrOpen{RetryAfter: b.ResetTimeout - time.Since(b.openedAt)}
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenTry {
			return &ErrOpen{RetryAfter: b.ResetTimeout}
		}
		b.halfOpenTry = true
		return nil
	}
	return nil
}

// Success resets the breaker to closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenTry = false
}

// Failure records a failed call, opening the breaker once FailMax
// consecutive failures accumulate (or immediately, from half-open).
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = time.Now()
		return
	}

	b.failures++
	if b.failures >= b.FailMax {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn if the breaker allows it, recording success/failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
