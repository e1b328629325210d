// Package events provides an event bus implementation using Go channels.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// Handler is a function that handles events.
type Handler func(event shared.Event)

// EventBus provides a publish-subscribe event system using Go channels.
// Publishing never blocks: a saturated subscriber channel drops the event and
// increments the drop counter instead of stalling the publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[shared.EventType][]chan shared.Event
	handlers    map[shared.EventType][]Handler
	bufferSize  int
	closed      bool
	dropped     uint64
}

// Option configures the EventBus.
type Option func(*EventBus)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		eb.bufferSize = size
	}
}

// New creates a new EventBus.
func New(opts ...Option) *EventBus {
	eb := &EventBus{
		subscribers: make(map[shared.EventType][]chan shared.Event),
		handlers:    make(map[shared.EventType][]Handler),
		bufferSize:  100,
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

// Subscribe creates a channel to receive events of the given type.
func (eb *EventBus) Subscribe(eventType shared.EventType) <-chan shared.Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan shared.Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a channel to receive all events.
func (eb *EventBus) SubscribeAll() <-chan shared.Event {
	return eb.Subscribe("*")
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(eventType shared.EventType, ch <-chan shared.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, sub := range subs {
		if sub == ch {
			eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
}

// On registers a handler for events of the given type.
func (eb *EventBus) On(eventType shared.EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Off removes all handlers for the given type.
func (eb *EventBus) Off(eventType shared.EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	delete(eb.handlers, eventType)
}

// Emit publishes an event to all subscribers and handlers.
func (eb *EventBus) Emit(event shared.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = shared.Now()
	}

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			atomic.AddUint64(&eb.dropped, 1)
		}
	}

	for _, ch := range eb.subscribers["*"] {
		select {
		case ch <- event:
		default:
			atomic.AddUint64(&eb.dropped, 1)
		}
	}

	for _, handler := range eb.handlers[event.Type] {
		go handler(event)
	}

	for _, handler := range eb.handlers["*"] {
		go handler(event)
	}
}

// EmitAsync publishes an event asynchronously.
func (eb *EventBus) EmitAsync(event shared.Event) {
	go eb.Emit(event)
}

// EmitWithContext publishes an event unless the context is already done.
func (eb *EventBus) EmitWithContext(ctx context.Context, event shared.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		eb.Emit(event)
		return nil
	}
}

// Dropped returns the number of events dropped on saturated subscribers.
func (eb *EventBus) Dropped() uint64 {
	return atomic.LoadUint64(&eb.dropped)
}

// Close closes all subscriber channels and stops the event bus.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, subs := range eb.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}

	eb.subscribers = make(map[shared.EventType][]chan shared.Event)
	eb.handlers = make(map[shared.EventType][]Handler)
}

// ============================================================================
// Helper Functions
// ============================================================================

// EmitTaskSubmitted emits a task submitted event.
func (eb *EventBus) EmitTaskSubmitted(taskID string, domainHint shared.PrincessDomain) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskSubmitted,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":     taskID,
			"domainHint": string(domainHint),
		},
	})
}

// EmitTaskAssigned emits a task assigned event.
func (eb *EventBus) EmitTaskAssigned(taskID string, primary shared.PrincessDomain, quorumSize int) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskAssigned,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":     taskID,
			"primary":    string(primary),
			"quorumSize": quorumSize,
		},
	})
}

// EmitTaskExecuting emits a task executing event.
func (eb *EventBus) EmitTaskExecuting(taskID string, attempts int) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskExecuting,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":   taskID,
			"attempts": attempts,
		},
	})
}

// EmitVoteRecorded emits a vote recorded event.
func (eb *EventBus) EmitVoteRecorded(vote shared.Vote) {
	eb.Emit(shared.Event{
		Type:      shared.EventVoteRecorded,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":   vote.TaskID,
			"attempts": vote.Attempts,
			"domain":   string(vote.Domain),
			"decision": string(vote.Decision),
		},
	})
}

// EmitTaskCommitted emits a task committed event.
func (eb *EventBus) EmitTaskCommitted(taskID, resultDigest string, durationMs int64) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskCommitted,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":       taskID,
			"resultDigest": resultDigest,
			"duration":     durationMs,
		},
	})
}

// EmitTaskAborted emits a task aborted event.
func (eb *EventBus) EmitTaskAborted(taskID, reason string, attempts int) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskAborted,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":   taskID,
			"reason":   reason,
			"attempts": attempts,
		},
	})
}

// EmitTaskRetried emits a task retried event.
func (eb *EventBus) EmitTaskRetried(taskID string, attempts int) {
	eb.Emit(shared.Event{
		Type:      shared.EventTaskRetried,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"taskId":   taskID,
			"attempts": attempts,
		},
	})
}

// EmitHealthChanged emits a domain health transition event.
func (eb *EventBus) EmitHealthChanged(domain shared.PrincessDomain, healthy bool, reason string) {
	eb.Emit(shared.Event{
		Type:      shared.EventHealthChanged,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"domain":  string(domain),
			"healthy": healthy,
			"reason":  reason,
		},
	})
}

// EmitStatusPublished emits a status snapshot event.
func (eb *EventBus) EmitStatusPublished(status *shared.SwarmStatus) {
	eb.Emit(shared.Event{
		Type:      shared.EventStatusPublished,
		Timestamp: shared.Now(),
		Payload: map[string]interface{}{
			"queueDepth": status.QueueDepth,
			"degraded":   status.Degraded,
		},
	})
}
