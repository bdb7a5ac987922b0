package session

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/actions"
	"ocpp-rpc/internal/usecase/calltable"
	"ocpp-rpc/internal/usecase/hooks"
)

// RetryConfig bounds the exponential backoff applied to outgoing calls.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the policy used when WithRetry is not given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// IDGenerator produces unique message ids for outgoing calls.
type IDGenerator func() string

// NewULIDGenerator returns a generator of monotonic ULIDs. It is safe for
// concurrent use.
func NewULIDGenerator() IDGenerator {
	var mu sync.Mutex
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// NewUUIDGenerator returns a generator of random (version 4) UUIDs.
func NewUUIDGenerator() IDGenerator {
	return func() string { return uuid.NewString() }
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks shares an existing hook pipeline.
func WithHooks(p *hooks.Pipeline) Option {
	return func(c *Controller) {
		if p != nil {
			c.hooks = p
		}
	}
}

// WithActions shares an existing inbound action table.
func WithActions(t *actions.Table) Option {
	return func(c *Controller) {
		if t != nil {
			c.actions = t
		}
	}
}

// WithCalls shares an existing outstanding call table.
func WithCalls(t *calltable.Table[json.RawMessage, *domain.CallError]) Option {
	return func(c *Controller) {
		if t != nil {
			c.calls = t
		}
	}
}

// WithIDGenerator replaces the ULID generator used for outgoing call ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Controller) {
		if g != nil {
			c.newID = g
		}
	}
}

// WithLanguageResolver replaces domain.ResolveLanguage.
func WithLanguageResolver(r domain.LanguageResolver) Option {
	return func(c *Controller) {
		if r != nil {
			c.resolve = r
		}
	}
}

// WithRetry sets the send retry policy. Zero fields fall back to
// DefaultRetryConfig.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Controller) {
		def := DefaultRetryConfig()
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = def.MaxAttempts
		}
		if cfg.InitialInterval <= 0 {
			cfg.InitialInterval = def.InitialInterval
		}
		if cfg.MaxInterval <= 0 {
			cfg.MaxInterval = def.MaxInterval
		}
		if cfg.Multiplier < 1 {
			cfg.Multiplier = def.Multiplier
		}
		c.retry = cfg
	}
}

// WithCallTimeout abandons outstanding calls with domain.ErrTimeout when no
// response arrives within d. Zero waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) { c.callTimeout = d }
}

// WithFailPendingOnDisconnect makes Disconnected reject every outstanding
// call with domain.ErrDisconnected. By default they stay pending and can
// still be answered after a reconnect.
func WithFailPendingOnDisconnect(enabled bool) Option {
	return func(c *Controller) { c.failPending = enabled }
}

// WithInlineHandlers runs inbound call handlers on the goroutine calling
// Received, which then returns the handler's error. Such a handler must not
// wait on a Call of its own: the answer cannot be read until it returns.
func WithInlineHandlers() Option {
	return func(c *Controller) { c.inlineHandlers = true }
}

// WithEventBus publishes session and call lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithHandlers binds inbound action handlers at construction.
func WithHandlers(handlers map[string]actions.Handler) Option {
	return func(c *Controller) {
		for action, h := range handlers {
			c.pendingHandlers = append(c.pendingHandlers, binding{action: action, handler: h})
		}
	}
}

type binding struct {
	action  string
	handler actions.Handler
}
