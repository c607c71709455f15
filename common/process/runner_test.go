package process

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

func newTestRunner(t *testing.T, opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = &testLogger{t}
	}
	return NewRunner(opts)
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{})
	res := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2"},
	})

	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "hello" {
		t.Errorf("stdout = %q, want %q", res.Output, "hello")
	}
	if res.ErrorOutput != "oops" {
		t.Errorf("stderr = %q, want %q", res.ErrorOutput, "oops")
	}
	if res.DurationMS < 0 {
		t.Errorf("negative duration: %d", res.DurationMS)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{})
	res := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo failing; exit 3"},
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Output != "failing" {
		t.Errorf("stdout = %q, want %q", res.Output, "failing")
	}
}

func TestRun_CommandNotFound(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{})
	res := r.Run(context.Background(), Request{Command: "no-such-binary-cascade-test"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != ExitStartFailed {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitStartFailed)
	}
	if res.ErrorOutput == "" {
		t.Error("expected error output describing the start failure")
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{})
	res := r.Run(context.Background(), Request{})
	if res.ExitCode != ExitStartFailed {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitStartFailed)
	}
}

func TestRun_Cancelled(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{KillGrace: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := r.Run(ctx, Request{Command: "sleep", Args: []string{"30"}})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != ExitCancelled {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitCancelled)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took %v, expected prompt termination", elapsed)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{KillGrace: 2 * time.Second})

	res := r.Run(context.Background(), Request{
		Command:         "sleep",
		Args:            []string{"30"},
		timeoutOverride: 150 * time.Millisecond,
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != ExitTimeout {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitTimeout)
	}
}

func TestRun_KillEscalation(t *testing.T) {
	// The child ignores SIGTERM; only SIGKILL after the grace period ends it
	r := newTestRunner(t, RunnerOpts{KillGrace: 200 * time.Millisecond})

	start := time.Now()
	res := r.Run(context.Background(), Request{
		Command:         "sh",
		Args:            []string{"-c", `trap "" TERM; sleep 30`},
		timeoutOverride: 100 * time.Millisecond,
	})

	if res.ExitCode != ExitTimeout {
		t.Fatalf("exit code = %d, want %d", res.ExitCode, ExitTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("SIGKILL escalation took %v", elapsed)
	}
}

func TestRun_TruncatesOldestOutput(t *testing.T) {
	r := newTestRunner(t, RunnerOpts{MaxOutputBytes: 64})

	res := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", `i=1; while [ $i -le 40 ]; do echo "line $i"; i=$((i+1)); done`},
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.HasPrefix(res.Output, TruncationMarker) {
		t.Fatalf("expected truncation marker prefix, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "line 40") {
		t.Errorf("expected the tail retained, got %q", res.Output)
	}
	if strings.Contains(res.Output, "line 1\n") {
		t.Errorf("expected the head dropped, got %q", res.Output)
	}
}

func TestRun_EnvironmentIsExplicit(t *testing.T) {
	t.Setenv("CASCADE_LEAK_CHECK", "should-not-leak")

	r := newTestRunner(t, RunnerOpts{})
	res := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", `echo "mine=$CASCADE_TEST_VAR leak=$CASCADE_LEAK_CHECK"`},
		Env:     map[string]string{"CASCADE_TEST_VAR": "42"},
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "mine=42 leak=" {
		t.Errorf("unexpected child environment: %q", res.Output)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	lines []Line
}

type Line struct {
	ExecutionID string
	Stream      string
	Text        string
}

func (s *recordingSink) Publish(executionID, stream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, Line{executionID, stream, text})
}

func TestRun_StreamsToSink(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRunner(t, RunnerOpts{Sink: sink})

	res := r.Run(context.Background(), Request{
		ExecutionID: "exec-7",
		Command:     "sh",
		Args:        []string{"-c", "echo out1; echo out2; echo err1 >&2"},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	var stdout, stderr []string
	for _, l := range sink.lines {
		if l.ExecutionID != "exec-7" {
			t.Fatalf("unexpected execution id on line: %+v", l)
		}
		switch l.Stream {
		case "stdout":
			stdout = append(stdout, l.Text)
		case "stderr":
			stderr = append(stderr, l.Text)
		}
	}
	if len(stdout) != 2 || stdout[0] != "out1" || stdout[1] != "out2" {
		t.Errorf("stdout lines = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "err1" {
		t.Errorf("stderr lines = %v", stderr)
	}
}

func TestRun_NoSinkWithoutExecutionID(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRunner(t, RunnerOpts{Sink: sink})

	res := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo quiet"},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.lines) != 0 {
		t.Errorf("expected no streamed lines without execution id, got %v", sink.lines)
	}
}
