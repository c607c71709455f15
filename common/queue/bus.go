// Package queue is the in-process event bus for execution lifecycle events.
// The engine publishes as executions and nodes change state; observers (the
// Redis stream mirror, tests, future workers) subscribe without coupling to
// the scheduling driver.
package queue

import (
	"sync"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// EventType names an execution lifecycle transition
type EventType string

const (
	ExecutionStarted   EventType = "execution.started"
	ExecutionFinished  EventType = "execution.finished"
	ExecutionPaused    EventType = "execution.paused"
	ExecutionResumed   EventType = "execution.resumed"
	ExecutionCancelled EventType = "execution.cancelled"

	NodeStarted   EventType = "node.started"
	NodeCompleted EventType = "node.completed"
	NodeFailed    EventType = "node.failed"
	NodeSkipped   EventType = "node.skipped"
)

// Event is one lifecycle transition
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler consumes events on the subscriber's own goroutine
type Handler func(Event)

// Bus distributes lifecycle events to subscribers
type Bus interface {
	Publish(event Event)
	Subscribe(handler Handler) (unsubscribe func())
	Close()
}

const subscriberBuffer = 1000

type busSubscriber struct {
	ch chan Event
}

// MemoryBus is the in-process Bus implementation. Publish never blocks: a
// subscriber that falls more than subscriberBuffer events behind loses the
// overflow, the driver is never throttled by a slow observer.
type MemoryBus struct {
	logger Logger

	mu     sync.RWMutex
	subs   map[int]*busSubscriber
	nextID int
	closed bool
}

// NewMemoryBus creates an in-process event bus
func NewMemoryBus(logger Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger,
		subs:   make(map[int]*busSubscriber),
	}
}

// Publish delivers the event to every subscriber. A zero Timestamp is
// stamped with the current time.
func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("event bus subscriber full, dropping event",
				"type", event.Type, "execution_id", event.ExecutionID)
		}
	}
}

// Subscribe registers a handler and returns its unsubscribe function. The
// handler runs on a dedicated goroutine until unsubscribed or the bus closes.
func (b *MemoryBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &busSubscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	go func() {
		for event := range sub.ch {
			handler(event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Close drops all subscribers and stops their handler goroutines
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.logger.Debug("event bus closed")
}
