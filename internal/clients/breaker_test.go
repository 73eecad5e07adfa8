package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterFailMax(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), failing)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	var openErr *ErrOpen
	require.ErrorAs(t, err, &openErr)
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still down") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	for i := 0; i < 10; i++ {
		err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}
