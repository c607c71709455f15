package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisw "github.com/chainworks/cascade/common/redis"
)

// publishTimeout bounds each fire-and-forget publish
const publishTimeout = 2 * time.Second

// RedisSink mirrors output lines onto a per-execution Redis pub/sub channel
// so consumers outside this process (other replicas, socket gateways) can
// follow a run live. Publishing is best-effort; failures are logged and the
// line is still retained by the capture buffer.
type RedisSink struct {
	client *redisw.Client
	logger Logger
}

// NewRedisSink creates a sink publishing to exec:{executionId}:output
func NewRedisSink(client *redisw.Client, logger Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

// Channel returns the pub/sub channel name for an execution
func Channel(executionID string) string {
	return fmt.Sprintf("exec:%s:output", executionID)
}

// Publish implements Sink
func (s *RedisSink) Publish(executionID, stream, text string) {
	line := Line{
		ExecutionID: executionID,
		Stream:      stream,
		Text:        text,
		Timestamp:   time.Now().UTC(),
	}
	payload, err := json.Marshal(line)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.client.PublishEvent(ctx, Channel(executionID), string(payload)); err != nil {
		s.logger.Debug("failed to publish output line", "execution_id", executionID, "error", err)
	}
}
