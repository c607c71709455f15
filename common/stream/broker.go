package stream

import (
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity
const DefaultSubscriberBuffer = 256

// subscriber holds one consumer's bounded line buffer
type subscriber struct {
	ch      chan Line
	dropped uint64
}

// Broker is an in-process fanout of execution output. Each subscriber gets a
// bounded buffer; when a buffer is full the oldest line is dropped so slow
// consumers see recent output rather than stalling the producer.
type Broker struct {
	buffer int
	logger Logger

	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewBroker creates a broker with the given per-subscriber buffer size.
// Zero or negative falls back to DefaultSubscriberBuffer.
func NewBroker(buffer int, logger Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{
		buffer: buffer,
		logger: logger,
		subs:   make(map[string][]*subscriber),
	}
}

// Publish implements Sink. Never blocks.
func (b *Broker) Publish(executionID, stream, text string) {
	line := Line{
		ExecutionID: executionID,
		Stream:      stream,
		Text:        text,
		Timestamp:   time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[executionID] {
		select {
		case sub.ch <- line:
		default:
			// Buffer full: drop the oldest line, then retry once
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- line:
			default:
				sub.dropped++
			}
		}
	}
}

// Subscribe registers a consumer for one execution's output. The returned
// cancel function must be called exactly once; it closes the channel.
func (b *Broker) Subscribe(executionID string) (<-chan Line, func()) {
	sub := &subscriber{ch: make(chan Line, b.buffer)}

	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], sub)
	count := len(b.subs[executionID])
	b.mu.Unlock()

	b.logger.Debug("stream subscriber added", "execution_id", executionID, "subscribers", count)

	cancel := func() { b.remove(executionID, sub) }
	return sub.ch, cancel
}

// CloseExecution drops all subscribers for an execution, closing their
// channels. Called once the execution is terminal and its output is flushed.
func (b *Broker) CloseExecution(executionID string) {
	b.mu.Lock()
	subs := b.subs[executionID]
	delete(b.subs, executionID)
	b.mu.Unlock()

	var dropped uint64
	for _, sub := range subs {
		dropped += sub.dropped
		close(sub.ch)
	}
	if dropped > 0 {
		b.logger.Debug("stream lines dropped for slow subscribers",
			"execution_id", executionID, "dropped", dropped)
	}
}

// SubscriberCount returns the number of live subscribers for an execution
func (b *Broker) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

func (b *Broker) remove(executionID string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[executionID]
	for i, sub := range subs {
		if sub == target {
			b.subs[executionID] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.subs[executionID]) == 0 {
		delete(b.subs, executionID)
	}
}
