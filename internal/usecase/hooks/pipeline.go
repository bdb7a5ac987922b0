// Package hooks runs user-supplied before/after hooks around the runtime's
// internal operations.
package hooks

import (
	"context"
	"sync"

	"ocpp-rpc/internal/domain"
)

// Event names passed to Execute by the session controller.
const (
	MessageReceived          = "messageReceived"
	SendCall                 = "sendCall"
	SendCallRespond          = "sendCallRespond"
	SendCallError            = "sendCallError"
	ExecuteCallHandler       = "executeCallHandler"
	ExecuteCallResultHandler = "executeCallResultHandler"
	ExecuteCallErrorHandler  = "executeCallErrorHandler"
	TransportSend            = "transportSend"
)

// Events lists every event the controller emits.
var Events = []string{
	MessageReceived,
	SendCall,
	SendCallRespond,
	SendCallError,
	ExecuteCallHandler,
	ExecuteCallResultHandler,
	ExecuteCallErrorHandler,
	TransportSend,
}

// Info describes the operation a hook is observing. Fields that do not apply
// to an event are left zero.
type Info struct {
	Event   string
	Version string
	Raw     []byte
	Message domain.Message
	Action  string
	ID      domain.MessageID
}

// Result is what the wrapped task produced.
type Result struct {
	Value any
	Err   error
}

// BeforeFunc runs before the task. A non-nil error aborts the operation.
type BeforeFunc func(ctx context.Context, info Info) error

// AfterFunc runs after the task with its outcome.
type AfterFunc func(ctx context.Context, info Info, res Result) error

// Task is the operation wrapped by Execute.
type Task func(ctx context.Context) (any, error)

// Pipeline holds hook registrations keyed by event name.
type Pipeline struct {
	mu     sync.RWMutex
	before map[string][]BeforeFunc
	after  map[string][]AfterFunc
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{
		before: make(map[string][]BeforeFunc),
		after:  make(map[string][]AfterFunc),
	}
}

// Before appends fn to the before hooks of event.
func (p *Pipeline) Before(event string, fn BeforeFunc) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.before[event] = append(p.before[event], fn)
	p.mu.Unlock()
}

// After appends fn to the after hooks of event.
func (p *Pipeline) After(event string, fn AfterFunc) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.after[event] = append(p.after[event], fn)
	p.mu.Unlock()
}

// Execute runs the before hooks of event in registration order, then task,
// then the after hooks. A failing before hook stops everything and the task
// never runs. A failing after hook replaces the task's outcome. Both surface
// as domain.ErrHookFailed wrapping the hook's error.
func (p *Pipeline) Execute(ctx context.Context, event string, task Task, info Info) (any, error) {
	if event == "" {
		return nil, domain.NewDomainError("Pipeline.Execute", domain.ErrInvalidHookName, "")
	}
	info.Event = event

	before, after := p.snapshot(event)

	for _, fn := range before {
		if err := fn(ctx, info); err != nil {
			return nil, &HookError{Event: event, Phase: "before", Err: err}
		}
	}

	var res Result
	if task != nil {
		res.Value, res.Err = task(ctx)
	}

	for _, fn := range after {
		if err := fn(ctx, info, res); err != nil {
			return nil, &HookError{Event: event, Phase: "after", Err: err}
		}
	}
	return res.Value, res.Err
}

// Len returns the number of hooks registered for event.
func (p *Pipeline) Len(event string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.before[event]) + len(p.after[event])
}

func (p *Pipeline) snapshot(event string) ([]BeforeFunc, []AfterFunc) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	before := make([]BeforeFunc, len(p.before[event]))
	copy(before, p.before[event])
	after := make([]AfterFunc, len(p.after[event]))
	copy(after, p.after[event])
	return before, after
}

// HookError reports a failing hook. It matches domain.ErrHookFailed under
// errors.Is and unwraps to the hook's own error as well.
type HookError struct {
	Event string
	Phase string
	Err   error
}

func (e *HookError) Error() string {
	return "hook " + e.Phase + " " + e.Event + ": " + e.Err.Error()
}

func (e *HookError) Unwrap() []error {
	return []error{domain.ErrHookFailed, e.Err}
}
