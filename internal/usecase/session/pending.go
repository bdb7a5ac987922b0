package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"ocpp-rpc/internal/domain"
)

// Result is the outcome of a call that was answered by the peer. A CallError
// answer is still a Result, with OK false.
type Result struct {
	OK bool
	// Payload is the CallResult payload, or the CallError triple
	// ({"errorCode","errorDescription","errorDetails"}) when OK is false.
	Payload json.RawMessage
	Error   *domain.CallError
}

// PendingCall is the future returned by SendCall. It completes exactly once:
// with a Result when the peer answers, or with an error when the call is
// abandoned (timeout, Cancel, fail-pending disconnect).
type PendingCall struct {
	ID     domain.MessageID
	Action string

	done  chan struct{}
	once  sync.Once
	res   Result
	err   error
	abort func(cause error)

	mu    sync.Mutex
	timer *time.Timer

	phase atomic.Int32
}

// Send phases of a PendingCall. An abandon that lands while the frame is
// still being delivered moves it to phaseAbandonedInFlight, and the sender
// decides afterwards whether the call was ever on the wire.
const (
	phaseSending int32 = iota
	phaseSent
	phaseAbandonedInFlight
)

func newPendingCall(id domain.MessageID, action string) *PendingCall {
	return &PendingCall{ID: id, Action: action, done: make(chan struct{})}
}

// Done is closed once the call has completed.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call completes or ctx ends. Returning because of ctx
// does not abandon the call; use Cancel for that.
func (p *PendingCall) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel abandons the call. A response arriving later is dropped and Wait
// returns context.Canceled. Cancel after completion does nothing.
func (p *PendingCall) Cancel() {
	if p.abort != nil {
		p.abort(context.Canceled)
	}
}

func (p *PendingCall) succeed(payload json.RawMessage) {
	p.complete(Result{OK: true, Payload: payload}, nil)
}

func (p *PendingCall) fail(callErr *domain.CallError) {
	res := Result{Error: callErr}
	if callErr != nil {
		if raw, err := json.Marshal(callErr); err == nil {
			res.Payload = raw
		}
	}
	p.complete(res, nil)
}

func (p *PendingCall) abandon(cause error) {
	p.complete(Result{}, cause)
}

func (p *PendingCall) complete(res Result, err error) {
	p.once.Do(func() {
		p.res, p.err = res, err
		close(p.done)

		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
	})
}

// expireAfter abandons the call via abort once d elapses.
func (p *PendingCall) expireAfter(d time.Duration, abort func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.timer = time.AfterFunc(d, abort)
}
