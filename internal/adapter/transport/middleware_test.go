package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-rpc/internal/domain"
)

type countingSender struct {
	calls atomic.Int32
	err   error
}

func (s *countingSender) Send(context.Context, []byte, string) error {
	s.calls.Add(1)
	return s.err
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &countingSender{err: errors.New("connection reset")}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		err := b.Send(context.Background(), []byte("x"), "1.6j")
		assert.EqualError(t, err, "connection reset")
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(context.Background(), []byte("x"), "1.6j")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, domain.IsRetryableError(err))
	assert.Equal(t, int32(3), inner.calls.Load(), "open circuit must not reach the inner sender")
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &countingSender{err: context.Canceled}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_ = b.Send(context.Background(), nil, "")
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerPassesThrough(t *testing.T) {
	inner := &countingSender{}
	b := NewBreaker(inner, BreakerConfig{}, nil)
	require.NoError(t, b.Send(context.Background(), []byte("x"), "1.6j"))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRateLimitedWaitsForToken(t *testing.T) {
	inner := &countingSender{}
	r := NewRateLimited(inner, 0.001, 1)

	require.NoError(t, r.Send(context.Background(), nil, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Send(ctx, nil, "")
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRateLimitedDisabled(t *testing.T) {
	inner := &countingSender{}
	r := NewRateLimited(inner, 0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Send(context.Background(), nil, ""))
	}
	assert.Equal(t, int32(100), inner.calls.Load())
}
