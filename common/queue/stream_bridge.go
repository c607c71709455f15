package queue

import (
	"context"
	"time"

	redisw "github.com/chainworks/cascade/common/redis"
)

// EventStreamKey is the Redis stream that mirrors the in-process bus
const EventStreamKey = "executions:events"

const appendTimeout = 2 * time.Second

// StreamBridge mirrors bus events into a Redis stream so external consumers
// can follow or replay execution history without an in-process subscription.
type StreamBridge struct {
	client *redisw.Client
	logger Logger
	stop   func()
}

// NewStreamBridge subscribes to the bus and starts mirroring
func NewStreamBridge(bus Bus, client *redisw.Client, logger Logger) *StreamBridge {
	b := &StreamBridge{client: client, logger: logger}
	b.stop = bus.Subscribe(b.mirror)
	return b
}

func (b *StreamBridge) mirror(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	values := map[string]interface{}{
		"type":         string(event.Type),
		"execution_id": event.ExecutionID,
		"timestamp":    event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.WorkflowID != "" {
		values["workflow_id"] = event.WorkflowID
	}
	if event.NodeID != "" {
		values["node_id"] = event.NodeID
	}
	if event.Status != "" {
		values["status"] = event.Status
	}
	if event.Error != "" {
		values["error"] = event.Error
	}

	if _, err := b.client.AddToStream(ctx, EventStreamKey, values); err != nil {
		b.logger.Warn("failed to mirror event to stream",
			"type", event.Type, "execution_id", event.ExecutionID, "error", err)
	}
}

// Close stops mirroring; already-queued events still drain
func (b *StreamBridge) Close() {
	b.stop()
}
