package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/actions"
	"ocpp-rpc/internal/usecase/calltable"
	"ocpp-rpc/internal/usecase/eventbus"
	"ocpp-rpc/internal/usecase/hooks"
)

// --- test doubles ---

type fakeSender struct {
	mu       sync.Mutex
	frames   []string
	versions []string
	attempts int
	failN    int   // fail the first failN attempts
	err      error // error returned while failing; defaults to errTransport
	onSend   func(raw []byte)
}

var errTransport = errors.New("socket write failed")

func (s *fakeSender) Send(_ context.Context, raw []byte, version string) error {
	s.mu.Lock()
	s.attempts++
	if s.attempts <= s.failN {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = errTransport
		}
		return err
	}
	s.frames = append(s.frames, string(raw))
	s.versions = append(s.versions, version)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(raw)
	}
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func sequentialIDs() IDGenerator {
	var n atomic.Int64
	return func() string { return "id-" + strconv.FormatInt(n.Add(1), 10) }
}

func fastRetry(attempts int) Option {
	return WithRetry(RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	})
}

func newTestController(t *testing.T, sender domain.Sender, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithIDGenerator(sequentialIDs()), fastRetry(3)}, opts...)
	return New(sender, opts...)
}

func newRejectingTable() *calltable.Table[json.RawMessage, *domain.CallError] {
	return calltable.New[json.RawMessage, *domain.CallError](calltable.WithRejectDuplicates())
}

func waitResult(t *testing.T, pc *PendingCall) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return pc.Wait(ctx)
}

// --- connection state ---

func TestDisconnectedGuard(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	ctx := context.Background()

	_, err := c.SendCall(ctx, "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, c.Received(ctx, []byte(`[3,"x",{}]`)), domain.ErrNotConnected)
	assert.Empty(t, sender.sent())

	require.NoError(t, c.Connected("1.6j"))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "1.6j", c.Version())

	_, err = c.SendCall(ctx, "Heartbeat", nil)
	require.NoError(t, err)
	require.NoError(t, c.Received(ctx, []byte(`[3,"unknown",{}]`)))

	c.Disconnected()
	assert.False(t, c.IsConnected())
	assert.Equal(t, "", c.Version())

	_, err = c.SendCall(ctx, "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, c.Received(ctx, []byte(`[3,"x",{}]`)), domain.ErrNotConnected)
}

func TestConnectedUnsupportedVersion(t *testing.T) {
	c := newTestController(t, &fakeSender{})

	err := c.Connected("1.6x")
	assert.ErrorIs(t, err, domain.ErrUnsupportedVersion)
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Connected("1.6j"))
	assert.ErrorIs(t, c.Connected("bogus1"), domain.ErrUnsupportedVersion)
	assert.Equal(t, "1.6j", c.Version(), "failed Connected must leave state unchanged")
}

func TestConnectedSOAPFailsOnSend(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	require.NoError(t, c.Connected("1.5s"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrNotImplemented)
	assert.Empty(t, sender.sent())
	assert.Equal(t, 0, c.Pending())
}

func TestCustomLanguageResolver(t *testing.T) {
	c := newTestController(t, &fakeSender{}, WithLanguageResolver(func(v string) domain.Language {
		if v == "ocpp2.0.1" {
			return domain.LanguageJSON
		}
		return domain.LanguageUnknown
	}))
	require.NoError(t, c.Connected("ocpp2.0.1"))
	assert.ErrorIs(t, c.Connected("1.6j"), domain.ErrUnsupportedVersion)
}

// --- outgoing calls ---

func TestHeartbeatEndToEnd(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "id-1", pc.ID.String())
	assert.Equal(t, "Heartbeat", pc.Action)
	assert.Equal(t, []string{`[2,"id-1","Heartbeat",{}]`}, sender.sent())
	assert.Equal(t, []string{"1.6j"}, sender.versions)
	assert.Equal(t, 1, c.Pending())

	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{"currentTime":"2026-10-19T10:00:00Z"}]`)))

	res, err := waitResult(t, pc)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"currentTime":"2026-10-19T10:00:00Z"}`, string(res.Payload))
	assert.Nil(t, res.Error)
	assert.Equal(t, 0, c.Pending())
}

func TestSendCallResolvedByCallError(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Authorize", map[string]string{"idTag": "ABC"})
	require.NoError(t, err)

	require.NoError(t, c.Received(context.Background(),
		[]byte(`[4,"id-1","SecurityError","tag blocked",{"reason":"x"}]`)))

	res, err := waitResult(t, pc)
	require.NoError(t, err, "a CallError resolves the future, it does not reject it")
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeCallSecurityError, res.Error.Code)
	assert.Equal(t, "tag blocked", res.Error.Description)
	assert.JSONEq(t, `{"errorCode":"SecurityError","errorDescription":"tag blocked","errorDetails":{"reason":"x"}}`,
		string(res.Payload))
}

func TestDuplicateResolutionIgnored(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)

	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{"n":1}]`)))
	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{"n":2}]`)))
	require.NoError(t, c.Received(context.Background(), []byte(`[4,"id-1","GenericError","",{}]`)))

	res, err := waitResult(t, pc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Payload))
}

func TestImmediateAnswerDuringSend(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	sender.onSend = func(raw []byte) {
		var frame []json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &frame))
		reply := fmt.Sprintf(`[3,%s,{"status":"Accepted"}]`, frame[1])
		require.NoError(t, c.Received(context.Background(), []byte(reply)))
	}
	require.NoError(t, c.Connected("1.6j"))

	res, err := c.Call(context.Background(), "BootNotification", map[string]string{"chargePointModel": "M"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(res.Payload))
}

func TestSendCallRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failN: 2}
	c := newTestController(t, sender, fastRetry(5))
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	assert.NotNil(t, pc)
	assert.Equal(t, 3, sender.attemptCount())
	assert.Len(t, sender.sent(), 1)
	assert.Equal(t, 1, c.Pending())
}

func TestSendCallRetryExhausted(t *testing.T) {
	sender := &fakeSender{failN: 100}
	c := newTestController(t, sender, fastRetry(3))
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.Nil(t, pc)
	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, errTransport)
	assert.Equal(t, domain.CodeSendFailed, domain.ErrorCodeOf(err))
	assert.Equal(t, 3, sender.attemptCount())
	assert.Equal(t, 0, c.Pending(), "failed sends must not leave an outstanding entry")
}

func TestSendCallPermanentFailureNotRetried(t *testing.T) {
	sender := &fakeSender{failN: 100, err: domain.ErrCircuitOpen}
	c := newTestController(t, sender, fastRetry(5))
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, sender.attemptCount())
}

func TestSendCallNoSender(t *testing.T) {
	c := newTestController(t, nil)
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, domain.ErrNoSender)
}

func TestSendCallContextCancelledDuringRetry(t *testing.T) {
	sender := &fakeSender{failN: 100}
	c := New(sender, WithRetry(RetryConfig{MaxAttempts: 50, InitialInterval: 50 * time.Millisecond}))
	require.NoError(t, c.Connected("1.6j"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.SendCall(ctx, "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, sender.attemptCount(), 50)
}

func TestSendCallAbortsWhenSessionChanges(t *testing.T) {
	sender := &fakeSender{failN: 100}
	c := newTestController(t, sender, fastRetry(50))
	require.NoError(t, c.Connected("1.6j"))

	var once sync.Once
	c.Before(hooks.SendCall, func(context.Context, hooks.Info) error {
		once.Do(c.Disconnected)
		return nil
	})

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.NotErrorIs(t, err, domain.ErrSendFailed)
	assert.LessOrEqual(t, sender.attemptCount(), 1)
}

func TestSendCallInvalidPayload(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", "not an object")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestRejectDuplicateIDs(t *testing.T) {
	c := newTestController(t, &fakeSender{},
		WithIDGenerator(func() string { return "same" }),
		WithCalls(newRejectingTable()),
	)
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	_, err = c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateCall)
	assert.Equal(t, 1, c.Pending())
}

// --- timeouts, cancellation, disconnect ---

func TestCallTimeout(t *testing.T) {
	c := newTestController(t, &fakeSender{}, WithCallTimeout(20*time.Millisecond))
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)

	_, err = waitResult(t, pc)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, c.Pending())

	// A late answer is dropped.
	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{}]`)))
}

func TestCancel(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	pc.Cancel()

	_, err = waitResult(t, pc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())

	pc.Cancel() // no-op after completion
}

func TestCallCancelsOnContext(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	require.NoError(t, c.Connected("1.6j"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "Heartbeat", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestDisconnectKeepsPendingByDefault(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)

	c.Disconnected()
	assert.Equal(t, 1, c.Pending())
	select {
	case <-pc.Done():
		t.Fatal("pending call must survive a disconnect")
	default:
	}

	require.NoError(t, c.Connected("1.6j"))
	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{"late":true}]`)))
	res, err := waitResult(t, pc)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestDisconnectFailsPending(t *testing.T) {
	c := newTestController(t, &fakeSender{}, WithFailPendingOnDisconnect(true))
	require.NoError(t, c.Connected("1.6j"))

	first, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	second, err := c.SendCall(context.Background(), "StatusNotification", map[string]any{"connectorId": 1})
	require.NoError(t, err)

	c.Disconnected()
	assert.Equal(t, 0, c.Pending())

	for _, pc := range []*PendingCall{first, second} {
		_, err := waitResult(t, pc)
		assert.ErrorIs(t, err, domain.ErrDisconnected)
	}
}

// --- inbound calls ---

func TestInboundCallReply(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	var got json.RawMessage
	c.OnCall("Reset", func(ctx context.Context, payload json.RawMessage, res actions.Responder) error {
		got = payload
		return res.CallResult(ctx, map[string]string{"status": "Accepted"})
	})
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,"abc","Reset",{"type":"Soft"}]`)))
	c.inbound.wait()

	assert.JSONEq(t, `{"type":"Soft"}`, string(got))
	assert.Equal(t, []string{`[3,"abc",{"status":"Accepted"}]`}, sender.sent())
}

func TestInboundNumericIDEchoed(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender, WithHandlers(map[string]actions.Handler{
		"ClearCache": func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
			return res.CallResult(ctx, nil)
		},
	}))
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,42,"ClearCache",null]`)))
	c.inbound.wait()
	assert.Equal(t, []string{`[3,42,{}]`}, sender.sent())
}

func TestInboundUnknownActionNotImplemented(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,"x","FirmwareUpdate",{}]`)))
	c.inbound.wait()
	assert.Equal(t, []string{`[4,"x","NotImplemented","Action isn't supported yet",{}]`}, sender.sent())
}

func TestInboundHandlerErrorRepliesInternalError(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender, WithInlineHandlers())
	boom := errors.New("db down")
	c.OnCall("GetConfiguration", func(context.Context, json.RawMessage, actions.Responder) error {
		return boom
	})
	require.NoError(t, c.Connected("1.6j"))

	err := c.Received(context.Background(), []byte(`[2,"q","GetConfiguration",{}]`))
	assert.ErrorIs(t, err, boom)

	frames := sender.sent()
	require.Len(t, frames, 1)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &frame))
	assert.Equal(t, `4`, string(frame[0]))
	assert.Equal(t, `"q"`, string(frame[1]))
	assert.Equal(t, `"InternalError"`, string(frame[2]))
}

func TestInboundHandlerErrorAfterReplyIsNotAnsweredTwice(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	c.OnCall("Reset", func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
		_ = res.CallResult(ctx, map[string]string{"status": "Rejected"})
		return errors.New("after reply")
	})
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,"r","Reset",{}]`)))
	c.inbound.wait()
	assert.Len(t, sender.sent(), 1)
}

func TestResponderRepliesOnce(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	var second error
	c.OnCall("Reset", func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
		assert.NoError(t, res.CallResult(ctx, nil))
		second = res.CallError(ctx, domain.CodeCallGenericError, "", nil)
		return nil
	})
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,"r","Reset",{}]`)))
	c.inbound.wait()
	assert.ErrorIs(t, second, domain.ErrAlreadyResponded)
	assert.Len(t, sender.sent(), 1)
}

func TestResponderRefusesAfterReconnect(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)

	saved := make(chan actions.Responder, 1)
	c.OnCall("RemoteStartTransaction", func(_ context.Context, _ json.RawMessage, res actions.Responder) error {
		saved <- res
		return nil
	})
	require.NoError(t, c.Connected("1.6j"))
	require.NoError(t, c.Received(context.Background(), []byte(`[2,"s","RemoteStartTransaction",{}]`)))

	c.Disconnected()
	require.NoError(t, c.Connected("1.6j"))

	res := <-saved
	err := res.CallResult(context.Background(), map[string]string{"status": "Accepted"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Empty(t, sender.sent())
}

func nextFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return ""
	}
}

func TestHandlerCanWaitOnItsOwnCall(t *testing.T) {
	outbound := make(chan string, 4)
	sender := &fakeSender{onSend: func(raw []byte) { outbound <- string(raw) }}
	c := newTestController(t, sender, WithCallTimeout(2*time.Second))
	c.OnCall("RemoteStartTransaction", func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
		r, err := c.Call(ctx, "StartTransaction", map[string]int{"connectorId": 1})
		if err != nil {
			return err
		}
		if !r.OK {
			return res.CallResult(ctx, map[string]string{"status": "Rejected"})
		}
		return res.CallResult(ctx, map[string]string{"status": "Accepted"})
	})
	require.NoError(t, c.Connected("1.6j"))

	// Received returns while the handler waits, so the answer can be fed in.
	require.NoError(t, c.Received(context.Background(), []byte(`[2,"cs-1","RemoteStartTransaction",{}]`)))
	assert.Equal(t, `[2,"id-1","StartTransaction",{"connectorId":1}]`, nextFrame(t, outbound))

	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{"transactionId":7}]`)))
	assert.Equal(t, `[3,"cs-1",{"status":"Accepted"}]`, nextFrame(t, outbound))
	assert.Equal(t, 0, c.Pending())
}

func TestQueuedHandlersKeepArrivalOrder(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	release := make(chan struct{})
	c.OnCall("ChangeConfiguration", func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
		<-release
		return res.CallResult(ctx, map[string]string{"status": "Accepted"})
	})
	c.OnCall("ClearCache", func(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
		return res.CallResult(ctx, map[string]string{"status": "Accepted"})
	})
	require.NoError(t, c.Connected("1.6j"))

	require.NoError(t, c.Received(context.Background(), []byte(`[2,"a","ChangeConfiguration",{}]`)))
	require.NoError(t, c.Received(context.Background(), []byte(`[2,"b","ClearCache",{}]`)))
	assert.Empty(t, sender.sent())

	close(release)
	c.inbound.wait()
	assert.Equal(t, []string{
		`[3,"a",{"status":"Accepted"}]`,
		`[3,"b",{"status":"Accepted"}]`,
	}, sender.sent())
	assert.Equal(t, 0, c.Queued())
}

func TestQueuedHandlerCancelledOnDisconnect(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	started := make(chan struct{})
	ended := make(chan error, 1)
	c.OnCall("Reset", func(ctx context.Context, _ json.RawMessage, _ actions.Responder) error {
		close(started)
		<-ctx.Done()
		ended <- ctx.Err()
		return nil
	})
	require.NoError(t, c.Connected("1.6j"))
	require.NoError(t, c.Received(context.Background(), []byte(`[2,"r","Reset",{}]`)))
	<-started

	c.Disconnected()
	select {
	case err := <-ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled")
	}
}

func collectEvents(bus *eventbus.Bus) func() []domain.EventType {
	var mu sync.Mutex
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	return func() []domain.EventType {
		bus.Close()
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.EventType(nil), types...)
	}
}

func TestDisconnectDuringSendRetryPublishesNoAbandon(t *testing.T) {
	bus := eventbus.New(nil, 0)
	events := collectEvents(bus)

	var c *Controller
	var attempts atomic.Int32
	sender := domain.SenderFunc(func(context.Context, []byte, string) error {
		if attempts.Add(1) == 1 {
			c.Disconnected()
		}
		return errTransport
	})
	c = newTestController(t, sender, WithEventBus(bus), WithFailPendingOnDisconnect(true))
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.Nil(t, pc)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, int32(1), attempts.Load())

	assert.NotContains(t, events(), domain.EventCallAbandoned)
}

func TestDisconnectDuringSuccessfulWriteIsReported(t *testing.T) {
	bus := eventbus.New(nil, 0)
	events := collectEvents(bus)

	var c *Controller
	sender := domain.SenderFunc(func(context.Context, []byte, string) error {
		c.Disconnected()
		return nil
	})
	c = newTestController(t, sender, WithEventBus(bus), WithFailPendingOnDisconnect(true))
	require.NoError(t, c.Connected("1.6j"))

	pc, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	_, err = waitResult(t, pc)
	assert.ErrorIs(t, err, domain.ErrDisconnected)

	assert.Equal(t, []domain.EventType{
		domain.EventSessionConnected,
		domain.EventSessionDisconnected,
		domain.EventCallSent,
		domain.EventCallAbandoned,
	}, events())
}

func TestInvalidFramesDropped(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)

	var dispatched atomic.Int32
	for _, event := range []string{hooks.ExecuteCallHandler, hooks.ExecuteCallResultHandler, hooks.ExecuteCallErrorHandler} {
		c.Before(event, func(context.Context, hooks.Info) error {
			dispatched.Add(1)
			return nil
		})
	}
	var received []domain.Message
	c.After(hooks.MessageReceived, func(_ context.Context, _ hooks.Info, res hooks.Result) error {
		received = append(received, res.Value.(domain.Message))
		return nil
	})
	require.NoError(t, c.Connected("1.6j"))

	for _, raw := range []string{`[1,"x",{}]`, `not json`, `{}`, `[2,"","A",{}]`, ``} {
		assert.NoError(t, c.Received(context.Background(), []byte(raw)), raw)
	}

	assert.Equal(t, int32(0), dispatched.Load())
	assert.Empty(t, sender.sent())
	require.Len(t, received, 5)
	for _, msg := range received {
		assert.False(t, msg.IsValid())
	}
}

// --- hooks ---

func TestSendHooksOrder(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)

	var trace []string
	record := func(name string) hooks.BeforeFunc {
		return func(context.Context, hooks.Info) error {
			trace = append(trace, name)
			return nil
		}
	}
	c.Before(hooks.SendCall, record("sendCall"))
	c.Before(hooks.TransportSend, record("transportSend"))
	c.After(hooks.SendCall, func(_ context.Context, info hooks.Info, res hooks.Result) error {
		trace = append(trace, "sendCall:after")
		assert.Equal(t, "Heartbeat", info.Action)
		assert.Equal(t, `[2,"id-1","Heartbeat",{}]`, string(info.Raw))
		assert.NoError(t, res.Err)
		return nil
	})
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sendCall", "transportSend", "sendCall:after"}, trace)
}

func TestBeforeHookBlocksSend(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender, fastRetry(1))
	denied := errors.New("quota")
	c.Before(hooks.SendCall, func(context.Context, hooks.Info) error { return denied })
	require.NoError(t, c.Connected("1.6j"))

	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	assert.ErrorIs(t, err, domain.ErrHookFailed)
	assert.ErrorIs(t, err, denied)
	assert.Empty(t, sender.sent())
	assert.Equal(t, 0, c.Pending())
}

func TestReceivedHookFailureSurfaces(t *testing.T) {
	c := newTestController(t, &fakeSender{})
	c.Before(hooks.MessageReceived, func(context.Context, hooks.Info) error { return errors.New("nope") })
	require.NoError(t, c.Connected("1.6j"))

	err := c.Received(context.Background(), []byte(`[3,"x",{}]`))
	assert.ErrorIs(t, err, domain.ErrHookFailed)
}

// --- events ---

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New(nil, 0)
	var mu sync.Mutex
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	c := newTestController(t, &fakeSender{}, WithEventBus(bus))
	require.NoError(t, c.Connected("1.6j"))
	_, err := c.SendCall(context.Background(), "Heartbeat", nil)
	require.NoError(t, err)
	require.NoError(t, c.Received(context.Background(), []byte(`[3,"id-1",{}]`)))
	require.NoError(t, c.Received(context.Background(), []byte(`[2,"in","Reset",{}]`)))
	c.inbound.wait()
	c.Disconnected()
	bus.Close()

	assert.Equal(t, []domain.EventType{
		domain.EventSessionConnected,
		domain.EventCallSent,
		domain.EventCallCompleted,
		domain.EventCallReceived,
		domain.EventSessionDisconnected,
	}, types)
}

// --- concurrency ---

func TestConcurrentCalls(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(t, sender)
	require.NoError(t, c.Connected("1.6j"))

	const n = 50
	calls := make([]*PendingCall, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pc, err := c.SendCall(context.Background(), "DataTransfer", map[string]int{"seq": i})
			if err == nil {
				calls[i] = pc
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, c.Pending())

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pc *PendingCall) {
			defer wg.Done()
			raw := fmt.Sprintf(`[3,"%s",{"ok":true}]`, pc.ID.String())
			_ = c.Received(context.Background(), []byte(raw))
		}(calls[i])
	}
	wg.Wait()

	for _, pc := range calls {
		res, err := waitResult(t, pc)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}
	assert.Equal(t, 0, c.Pending())
}
