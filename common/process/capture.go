package process

import (
	"bufio"
	"io"
	"strings"
)

// TruncationMarker is prepended to captured output whose head was dropped
const TruncationMarker = "[output truncated]"

// maxLineBytes bounds a single scanned line; longer lines abort the scan
const maxLineBytes = 1 << 20

// capture accumulates one stream's lines under a byte budget. When the budget
// is exceeded the oldest lines are dropped so the tail of the output survives,
// since that is where errors usually are. Line order within the stream is preserved.
type capture struct {
	stream      string
	limit       int
	executionID string
	sink        Sink
	logger      Logger

	lines     []string
	size      int
	truncated bool
}

func newCapture(stream string, limit int, executionID string, sink Sink, logger Logger) *capture {
	return &capture{
		stream:      stream,
		limit:       limit,
		executionID: executionID,
		sink:        sink,
		logger:      logger,
	}
}

// consume reads the pipe to EOF. Runs on its own goroutine; the result is
// read only after the process wait completes, so no locking is needed.
func (c *capture) consume(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		c.append(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("output stream read aborted",
			"stream", c.stream, "execution_id", c.executionID, "error", err)
	}
}

func (c *capture) append(line string) {
	if c.sink != nil && c.executionID != "" {
		c.sink.Publish(c.executionID, c.stream, line)
	}

	c.lines = append(c.lines, line)
	c.size += len(line) + 1 // newline

	for c.size > c.limit && len(c.lines) > 1 {
		c.size -= len(c.lines[0]) + 1
		c.lines = c.lines[1:]
		c.truncated = true
	}
}

// String renders the retained output, prefixed with the truncation marker
// when the head was dropped
func (c *capture) String() string {
	if len(c.lines) == 0 {
		return ""
	}
	joined := strings.Join(c.lines, "\n")
	if c.truncated {
		return TruncationMarker + "\n" + joined
	}
	return joined
}
