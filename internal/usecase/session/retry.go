package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/hooks"
)

func (c *Controller) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.Multiplier = c.retry.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if c.retry.MaxAttempts > 1 {
		retries = c.retry.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// deliver runs the sendCall hook around the transport until it succeeds, the
// attempts run out, ctx ends, or the session changes underneath it.
func (c *Controller) deliver(ctx context.Context, st state, raw []byte, info hooks.Info) error {
	const op = "Controller.SendCall"

	attempt := 0
	operation := func() error {
		attempt++
		if c.epoch() != st.epoch {
			return backoff.Permanent(domain.NewDomainError(op, domain.ErrNotConnected, "session changed while sending"))
		}
		_, err := c.hooks.Execute(ctx, hooks.SendCall, func(ctx context.Context) (any, error) {
			return nil, c.transmit(ctx, st, raw, info)
		}, info)
		if err != nil && !domain.IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("send failed, retrying",
			"action", info.Action,
			"id", info.ID.String(),
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if isStale(err) {
		return err
	}
	c.logger.Error("call could not be sent", "action", info.Action, "id", info.ID.String(), "attempts", attempt, "error", err)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrSendFailed, err)
}
