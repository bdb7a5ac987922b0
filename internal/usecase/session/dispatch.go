package session

import (
	"context"
	"sync/atomic"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/actions"
	"ocpp-rpc/internal/usecase/hooks"
)

// internalErrorDescription is sent when a handler fails without replying.
const internalErrorDescription = "An internal error occurred and the receiver was not able to process the requested Action successfully"

func (c *Controller) dispatch(ctx context.Context, st state, msg domain.Message) error {
	info := hooks.Info{Version: st.version, Message: msg, Action: msg.Action, ID: msg.ID}

	switch msg.Type {
	case domain.MessageCall:
		return c.handleCall(ctx, st, msg, info)

	case domain.MessageCallResult:
		_, err := c.hooks.Execute(ctx, hooks.ExecuteCallResultHandler, func(context.Context) (any, error) {
			ok := c.calls.Success(msg.ID.String(), msg.Payload)
			if !ok {
				c.logger.Debug("result for unknown call dropped", "id", msg.ID.String())
			}
			return ok, nil
		}, info)
		return err

	case domain.MessageCallError:
		_, err := c.hooks.Execute(ctx, hooks.ExecuteCallErrorHandler, func(context.Context) (any, error) {
			ok := c.calls.Failure(msg.ID.String(), msg.Error)
			if !ok {
				c.logger.Debug("error for unknown call dropped", "id", msg.ID.String(), "code", msg.Error.Code)
			}
			return ok, nil
		}, info)
		return err
	}
	return nil
}

func (c *Controller) handleCall(ctx context.Context, st state, msg domain.Message, info hooks.Info) error {
	res := &responder{c: c, st: st, id: msg.ID, action: msg.Action}

	c.publish(context.WithoutCancel(ctx), domain.EventCallReceived, st.version,
		CallEvent{ID: msg.ID.String(), Action: msg.Action})

	if c.inlineHandlers {
		return c.runHandler(ctx, msg, info, res)
	}

	// The handler outlives Received, so it keeps ctx's values but is
	// cancelled by the end of the session it arrived on.
	base := context.WithoutCancel(ctx)
	c.inbound.push(func() {
		hctx, cancel := context.WithCancel(base)
		defer cancel()
		stop := context.AfterFunc(st.life, cancel)
		defer stop()

		if err := c.runHandler(hctx, msg, info, res); err != nil {
			c.logger.Debug("inbound call finished with error", "action", msg.Action, "id", msg.ID.String(), "error", err)
		}
	})
	return nil
}

// runHandler executes the bound handler inside the executeCallHandler hook and
// answers InternalError when it fails without replying.
func (c *Controller) runHandler(ctx context.Context, msg domain.Message, info hooks.Info, res *responder) error {
	var handlerErr error
	_, err := c.hooks.Execute(ctx, hooks.ExecuteCallHandler, func(ctx context.Context) (any, error) {
		handlerErr = c.actions.Execute(ctx, msg.Action, msg.Payload, res)
		return nil, handlerErr
	}, info)

	if handlerErr != nil && !res.replied.Load() {
		c.logger.Warn("call handler failed", "action", msg.Action, "id", msg.ID.String(), "error", handlerErr)
		if replyErr := res.CallError(ctx, domain.CodeCallInternalError, internalErrorDescription, nil); replyErr != nil {
			c.logger.Error("internal error reply failed", "action", msg.Action, "id", msg.ID.String(), "error", replyErr)
		}
	}
	return err
}

// responder answers a single inbound call. The first reply wins; replies
// after the session has changed are refused.
type responder struct {
	c       *Controller
	st      state
	id      domain.MessageID
	action  string
	replied atomic.Bool
}

var _ actions.Responder = (*responder)(nil)

func (r *responder) CallResult(ctx context.Context, payload any) error {
	const op = "Responder.CallResult"
	frame, err := r.st.codec.EncodeResult(r.id, payload)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return r.reply(ctx, op, hooks.SendCallRespond, frame)
}

func (r *responder) CallError(ctx context.Context, code, description string, details any) error {
	const op = "Responder.CallError"
	frame, err := r.st.codec.EncodeError(r.id, code, description, details)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return r.reply(ctx, op, hooks.SendCallError, frame)
}

func (r *responder) reply(ctx context.Context, op, event string, frame domain.Frame) error {
	if !r.replied.CompareAndSwap(false, true) {
		return domain.NewDomainError(op, domain.ErrAlreadyResponded, r.id.String())
	}
	if r.c.epoch() != r.st.epoch {
		return domain.NewDomainError(op, domain.ErrNotConnected, "session changed since the call was received")
	}

	info := hooks.Info{Version: r.st.version, Raw: frame.Data, Action: r.action, ID: r.id}
	_, err := r.c.hooks.Execute(ctx, event, func(ctx context.Context) (any, error) {
		return nil, r.c.transmit(ctx, r.st, frame.Data, info)
	}, info)
	return err
}
