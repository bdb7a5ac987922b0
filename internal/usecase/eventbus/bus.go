// Package eventbus fans session lifecycle events out to subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ocpp-rpc/internal/domain"
)

var _ domain.EventBus = (*Bus)(nil)

// DefaultQueueSize is the per-subscriber buffer used when New is given zero.
const DefaultQueueSize = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by a single goroutine, so it observes
// events in publish order (session.connected before call.sent before
// call.completed).
type subscriber struct {
	id      uint64
	match   domain.EventType // empty matches every event
	handler domain.EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// Bus is an in-process, goroutine-safe event bus. Publish never blocks: when a
// subscriber falls behind by more than its queue size, events are dropped for
// that subscriber and counted.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscriber
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an event bus. queueSize <= 0 selects DefaultQueueSize.
func New(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{logger: logger, queueSize: queueSize}
}

// Publish enqueues event for every matching subscriber. A zero Timestamp is
// stamped with the current time.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.match == "" || s.match == event.Type {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- delivery{ctx: ctx, event: event}:
		case <-s.done:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

// Dropped returns the number of deliveries discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes, lets every subscriber drain what is already
// queued and waits for them. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

func (b *Bus) add(match domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		for i, other := range b.subs {
			if other.id == s.id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.stop()
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case d := <-s.queue:
			b.deliver(s, d)
		case <-s.done:
			for {
				select {
				case d := <-s.queue:
					b.deliver(s, d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}
