// Package actions routes inbound calls to the handler registered for their
// action name.
package actions

import (
	"context"
	"encoding/json"
	"sync"

	"ocpp-rpc/internal/domain"
)

// Wildcard is the action name of the fallback binding.
const Wildcard = "*"

// Responder answers one inbound call. Handlers reply through it; the runtime
// takes care of framing and transport.
type Responder interface {
	CallResult(ctx context.Context, payload any) error
	CallError(ctx context.Context, code, description string, details any) error
}

// Handler serves one inbound action.
type Handler func(ctx context.Context, payload json.RawMessage, res Responder) error

func noop(context.Context, json.RawMessage, Responder) error { return nil }

// NotImplemented is the default wildcard handler. It answers every call with a
// NotImplemented CallError.
func NotImplemented(ctx context.Context, _ json.RawMessage, res Responder) error {
	return res.CallError(ctx, domain.CodeCallNotImplemented, "Action isn't supported yet", nil)
}

// Option configures a Table.
type Option func(*Table)

// WithoutDefault leaves the wildcard unbound, so unknown actions are ignored.
func WithoutDefault() Option {
	return func(t *Table) { delete(t.handlers, Wildcard) }
}

// Table is a goroutine-safe action name to handler map with a wildcard fallback.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a table whose wildcard answers NotImplemented.
func New(opts ...Option) *Table {
	t := &Table{handlers: map[string]Handler{Wildcard: NotImplemented}}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add binds handler to action, replacing any previous binding. A nil handler
// is stored as a no-op. Binding Wildcard replaces the fallback.
func (t *Table) Add(action string, handler Handler) {
	if handler == nil {
		handler = noop
	}
	t.mu.Lock()
	t.handlers[action] = handler
	t.mu.Unlock()
}

// Remove rebinds action to a no-op. The call is still considered handled, so
// the wildcard does not answer it.
func (t *Table) Remove(action string) {
	t.Add(action, nil)
}

// Lookup returns the handler that Execute would run for action.
func (t *Table) Lookup(action string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.handlers[action]; ok {
		return h, true
	}
	h, ok := t.handlers[Wildcard]
	return h, ok
}

// Execute runs the handler for action, falling back to the wildcard. With no
// wildcard bound it does nothing. The handler runs without the table lock held.
func (t *Table) Execute(ctx context.Context, action string, payload json.RawMessage, res Responder) error {
	h, ok := t.Lookup(action)
	if !ok {
		return nil
	}
	return h(ctx, payload, res)
}

// Actions lists the explicitly bound action names, wildcard excluded.
func (t *Table) Actions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		if name != Wildcard {
			out = append(out, name)
		}
	}
	return out
}
