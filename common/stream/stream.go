// Package stream fans live process output out to interested consumers.
// Capture is always authoritative; sinks are best-effort and may drop lines.
package stream

import "time"

// Stream names carried on every published line
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Line is one captured line of child process output
type Line struct {
	ExecutionID string    `json:"execution_id"`
	Stream      string    `json:"stream"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives output lines as they are produced. Implementations must not
// block: the publisher is the process capture loop.
type Sink interface {
	Publish(executionID, stream, text string)
}

// Tee forwards every line to all member sinks
type Tee []Sink

func (t Tee) Publish(executionID, stream, text string) {
	for _, s := range t {
		s.Publish(executionID, stream, text)
	}
}
