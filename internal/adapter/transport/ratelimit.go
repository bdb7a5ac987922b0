package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"ocpp-rpc/internal/domain"
)

// RateLimited wraps a Sender so that at most perSecond frames leave per
// second on average, with bursts up to burst. Send blocks until a token is
// available or ctx ends.
type RateLimited struct {
	inner   domain.Sender
	limiter *rate.Limiter
}

var _ domain.Sender = (*RateLimited)(nil)

// NewRateLimited wraps inner. perSecond <= 0 disables limiting.
func NewRateLimited(inner domain.Sender, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Send implements domain.Sender.
func (r *RateLimited) Send(ctx context.Context, raw []byte, version string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("RateLimited.Send: %w: %w", domain.ErrRateLimit, err)
	}
	return r.inner.Send(ctx, raw, version)
}
