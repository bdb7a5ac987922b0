// Package session implements the connection-scoped RPC controller: it gates
// calls on connection state, sends outgoing calls with retry, and dispatches
// incoming frames to the outstanding-call and inbound-action tables.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ocpp-rpc/internal/adapter/codec"
	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/infra/tracer"
	"ocpp-rpc/internal/usecase/actions"
	"ocpp-rpc/internal/usecase/calltable"
	"ocpp-rpc/internal/usecase/hooks"
)

// state is the connection snapshot a single operation works against. epoch
// changes on every Connected and Disconnected, so work started under an older
// session can tell it is stale. life is cancelled when that session ends.
type state struct {
	connected bool
	version   string
	codec     codec.Codec
	epoch     uint64
	life      context.Context
}

// Controller is one client session with a central system.
type Controller struct {
	sender  domain.Sender
	logger  *slog.Logger
	hooks   *hooks.Pipeline
	actions *actions.Table
	calls   *calltable.Table[json.RawMessage, *domain.CallError]
	newID   IDGenerator
	resolve domain.LanguageResolver
	bus     domain.EventBus

	retry          RetryConfig
	callTimeout    time.Duration
	failPending    bool
	inlineHandlers bool
	inbound        callQueue

	pendingHandlers []binding

	mu      sync.RWMutex
	st      state
	endLife context.CancelFunc
}

// New creates a disconnected controller that writes frames through sender.
// A nil sender is accepted; every send then fails with domain.ErrNoSender.
func New(sender domain.Sender, opts ...Option) *Controller {
	c := &Controller{
		sender:  sender,
		logger:  slog.Default(),
		hooks:   hooks.New(),
		actions: actions.New(),
		calls:   calltable.New[json.RawMessage, *domain.CallError](),
		newID:   NewULIDGenerator(),
		resolve: domain.ResolveLanguage,
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	for _, b := range c.pendingHandlers {
		c.actions.Add(b.action, b.handler)
	}
	c.pendingHandlers = nil
	return c
}

// Connected enters the Connected state for version. An unsupported version
// fails with domain.ErrUnsupportedVersion and leaves the state unchanged.
// Calling Connected while connected switches to the new version.
func (c *Controller) Connected(version string) error {
	cd, err := codec.ForVersion(version, c.resolve)
	if err != nil {
		return err
	}

	life, end := context.WithCancel(context.Background())
	c.mu.Lock()
	prevEnd := c.endLife
	c.st = state{connected: true, version: version, codec: cd, epoch: c.st.epoch + 1, life: life}
	c.endLife = end
	c.mu.Unlock()
	if prevEnd != nil {
		prevEnd()
	}

	c.logger.Info("session connected", "version", version, "language", string(cd.Language()))
	c.publish(context.Background(), domain.EventSessionConnected, version, nil)
	return nil
}

// Disconnected enters the Disconnected state. Outstanding calls are kept
// unless WithFailPendingOnDisconnect was set.
func (c *Controller) Disconnected() {
	c.mu.Lock()
	version := c.st.version
	wasConnected := c.st.connected
	c.st = state{epoch: c.st.epoch + 1}
	end := c.endLife
	c.endLife = nil
	c.mu.Unlock()
	if end != nil {
		end()
	}

	if !wasConnected {
		return
	}

	failed := 0
	if c.failPending {
		failed = c.calls.AbandonAll(domain.ErrDisconnected)
	}
	c.logger.Info("session disconnected", "version", version, "pending", c.calls.Len(), "failed", failed)
	c.publish(context.Background(), domain.EventSessionDisconnected, version, nil)
}

// Received handles one raw frame from the peer. Frames that do not decode are
// dropped without error. Answers to our calls are resolved before Received
// returns; inbound calls are queued for their handler unless
// WithInlineHandlers was set, so a handler may itself wait on a Call.
func (c *Controller) Received(ctx context.Context, raw []byte) error {
	st := c.snapshot()
	if !st.connected {
		return domain.NewDomainError("Controller.Received", domain.ErrNotConnected, "")
	}

	ctx, span := tracer.StartSpan(ctx, "ocpp.received",
		trace.WithAttributes(tracer.StringAttr("ocpp.version", st.version), tracer.IntAttr("ocpp.size", len(raw))))
	defer span.End()

	info := hooks.Info{Version: st.version, Raw: raw}
	_, err := c.hooks.Execute(ctx, hooks.MessageReceived, func(ctx context.Context) (any, error) {
		msg := st.codec.Decode(raw)
		if !msg.IsValid() {
			return msg, nil
		}
		span.SetAttributes(tracer.MessageAttrs(msg)...)
		return msg, c.dispatch(ctx, st, msg)
	}, info)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Controller.Received", err)
	}
	tracer.SetOK(span)
	return nil
}

// SendCall encodes and sends a Call, retrying transient transport failures.
// It returns once the frame has been written; the returned PendingCall
// completes when the peer answers.
func (c *Controller) SendCall(ctx context.Context, action string, payload any) (*PendingCall, error) {
	const op = "Controller.SendCall"

	st := c.snapshot()
	if !st.connected {
		return nil, domain.NewDomainError(op, domain.ErrNotConnected, action)
	}

	ctx, span := tracer.StartSpan(ctx, "ocpp.send_call",
		trace.WithAttributes(tracer.StringAttr("ocpp.action", action), tracer.StringAttr("ocpp.version", st.version)))
	defer span.End()

	id := domain.StringID(c.newID())
	span.SetAttributes(tracer.StringAttr("ocpp.id", id.String()))

	frame, err := st.codec.EncodeCall(id, action, payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	pc := newPendingCall(id, action)
	key := id.String()
	bg := context.WithoutCancel(ctx)
	pc.abort = func(cause error) { c.calls.Abandon(key, cause) }

	// The entry exists before the frame is written so that an immediate
	// answer cannot race the registration. It is withdrawn if the send fails.
	err = c.calls.Add(key,
		func(p json.RawMessage) {
			pc.succeed(p)
			c.publishCall(bg, domain.EventCallCompleted, st.version, pc, "CALLRESULT")
		},
		func(e *domain.CallError) {
			pc.fail(e)
			c.publishCall(bg, domain.EventCallCompleted, st.version, pc, "CALLERROR")
		},
		func(cause error) {
			pc.abandon(cause)
			if pc.phase.CompareAndSwap(phaseSending, phaseAbandonedInFlight) {
				return
			}
			c.logger.Debug("call abandoned", "id", key, "action", action, "error", cause)
			c.publishCall(bg, domain.EventCallAbandoned, st.version, pc, cause.Error())
		},
	)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	info := hooks.Info{Version: st.version, Raw: frame.Data, Action: action, ID: id}
	if err := c.deliver(ctx, st, frame.Data, info); err != nil {
		c.calls.Remove(key)
		tracer.RecordError(span, err)
		return nil, err
	}

	if c.callTimeout > 0 {
		pc.expireAfter(c.callTimeout, func() {
			c.calls.Abandon(key, domain.NewDomainError(op, domain.ErrTimeout, action+" "+key))
		})
	}

	c.publishCall(bg, domain.EventCallSent, st.version, pc, "")
	if !pc.phase.CompareAndSwap(phaseSending, phaseSent) {
		// Abandoned during the write that went out.
		_, cause := pc.Wait(bg)
		c.logger.Debug("call abandoned", "id", key, "action", action, "error", cause)
		c.publishCall(bg, domain.EventCallAbandoned, st.version, pc, cause.Error())
	}
	tracer.SetOK(span)
	return pc, nil
}

// Call is SendCall followed by Wait. If ctx ends first the call is cancelled.
func (c *Controller) Call(ctx context.Context, action string, payload any) (Result, error) {
	pc, err := c.SendCall(ctx, action, payload)
	if err != nil {
		return Result{}, err
	}
	res, err := pc.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		pc.Cancel()
	}
	return res, err
}

// OnCall binds handler to an inbound action. Use actions.Wildcard to replace
// the NotImplemented fallback.
func (c *Controller) OnCall(action string, handler actions.Handler) {
	c.actions.Add(action, handler)
}

// Before registers a before hook for event.
func (c *Controller) Before(event string, fn hooks.BeforeFunc) { c.hooks.Before(event, fn) }

// After registers an after hook for event.
func (c *Controller) After(event string, fn hooks.AfterFunc) { c.hooks.After(event, fn) }

// Hooks returns the controller's hook pipeline.
func (c *Controller) Hooks() *hooks.Pipeline { return c.hooks }

// Version returns the connected protocol version, or "" when disconnected.
func (c *Controller) Version() string { return c.snapshot().version }

// IsConnected reports whether the controller is in the Connected state.
func (c *Controller) IsConnected() bool { return c.snapshot().connected }

// Queued returns the number of inbound calls waiting for their handler.
func (c *Controller) Queued() int { return c.inbound.len() }

// Pending returns the number of outstanding calls.
func (c *Controller) Pending() int { return c.calls.Len() }

func (c *Controller) snapshot() state {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st
}

func (c *Controller) epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.epoch
}

// transmit hands one frame to the sender inside the transportSend hook.
func (c *Controller) transmit(ctx context.Context, st state, raw []byte, info hooks.Info) error {
	if c.sender == nil {
		return domain.NewDomainError("Controller.transmit", domain.ErrNoSender, "")
	}
	_, err := c.hooks.Execute(ctx, hooks.TransportSend, func(ctx context.Context) (any, error) {
		return nil, c.sender.Send(ctx, raw, st.version)
	}, info)
	return err
}

func (c *Controller) publish(ctx context.Context, typ domain.EventType, version string, payload any) {
	if c.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.logger.Warn("event payload not serializable", "event", string(typ), "error", err)
		} else {
			raw = b
		}
	}
	c.bus.Publish(ctx, domain.Event{Type: typ, Timestamp: time.Now(), Version: version, Payload: raw})
}

// CallEvent is the payload of call.* events.
type CallEvent struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

func (c *Controller) publishCall(ctx context.Context, typ domain.EventType, version string, pc *PendingCall, detail string) {
	c.publish(ctx, typ, version, CallEvent{ID: pc.ID.String(), Action: pc.Action, Detail: detail})
}

// isStale reports whether err came from a session that has since changed.
func isStale(err error) bool {
	return errors.Is(err, domain.ErrNotConnected)
}
