// Package process runs a single child process under a timeout with bounded
// output capture. It is the lowest layer of project execution: no project or
// language knowledge, only command, environment and lifecycle.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/chainworks/cascade/common/models"
)

// Sentinel exit codes for runs that never produced a real exit status
const (
	// ExitTimeout is reported when the run exceeded its timeout
	ExitTimeout = -1
	// ExitCancelled is reported when the caller cancelled the run
	ExitCancelled = -2
	// ExitStartFailed is reported when the process could not be started
	ExitStartFailed = -3
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Sink receives captured output lines as they are produced. Implementations
// must not block. A nil sink means capture-only.
type Sink interface {
	Publish(executionID, stream, text string)
}

// Request describes one child process run
type Request struct {
	// ExecutionID tags streamed output lines; empty disables streaming
	ExecutionID string

	Command string
	Args    []string
	Dir     string

	// Env is the complete child environment. The child inherits nothing from
	// this process beyond PATH/HOME/TMPDIR/LANG defaults filled in when absent.
	Env map[string]string

	TimeoutMinutes int

	// timeoutOverride replaces TimeoutMinutes when set; lets tests exercise
	// the kill path without minute-scale waits
	timeoutOverride time.Duration
}

func (req Request) timeout() time.Duration {
	if req.timeoutOverride > 0 {
		return req.timeoutOverride
	}
	if req.TimeoutMinutes > 0 {
		return time.Duration(req.TimeoutMinutes) * time.Minute
	}
	return 0
}

// Runner executes child processes with per-stream output caps and a
// SIGTERM-then-SIGKILL shutdown path.
type Runner struct {
	maxOutputBytes int
	killGrace      time.Duration
	sink           Sink
	logger         Logger
}

// RunnerOpts configures a Runner
type RunnerOpts struct {
	// MaxOutputBytes caps each captured stream; excess drops the oldest lines
	MaxOutputBytes int
	// KillGrace is the wait between SIGTERM and SIGKILL
	KillGrace time.Duration
	// Sink receives live output lines; nil disables streaming
	Sink Sink
	// Logger for structured logging
	Logger Logger
}

// NewRunner creates a process runner
func NewRunner(opts RunnerOpts) *Runner {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Runner{
		maxOutputBytes: opts.MaxOutputBytes,
		killGrace:      opts.KillGrace,
		sink:           opts.Sink,
		logger:         opts.Logger,
	}
}

// verdict records why a run ended
type verdict int

const (
	verdictNatural verdict = iota
	verdictTimeout
	verdictCancelled
)

// Run executes the request and always returns a result; failures are folded
// into Success=false with a sentinel or real exit code. Timeout and caller
// cancellation both terminate the process group with SIGTERM, escalating to
// SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, req Request) *models.ProcessResult {
	if req.Command == "" {
		return startFailure(errors.New("no command given"))
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(req.Env)
	// Own process group so shutdown signals reach grandchildren too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return startFailure(fmt.Errorf("failed to open stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return startFailure(fmt.Errorf("failed to open stderr pipe: %w", err))
	}

	stdout := newCapture("stdout", r.maxOutputBytes, req.ExecutionID, r.sink, r.logger)
	stderr := newCapture("stderr", r.maxOutputBytes, req.ExecutionID, r.sink, r.logger)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return startFailure(fmt.Errorf("failed to start %s: %w", req.Command, err))
	}

	r.logger.Debug("process started",
		"command", req.Command, "pid", cmd.Process.Pid,
		"dir", req.Dir, "timeout_minutes", req.TimeoutMinutes,
		"execution_id", req.ExecutionID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stdout.consume(stdoutPipe) }()
	go func() { defer wg.Done(); stderr.consume(stderrPipe) }()

	// Streams must be drained before Wait releases the pipes
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if d := req.timeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var why verdict
	var waitErr error
	select {
	case waitErr = <-done:
		why = verdictNatural
	case <-timeoutCh:
		why = verdictTimeout
		waitErr = r.terminate(cmd, done)
	case <-ctx.Done():
		why = verdictCancelled
		waitErr = r.terminate(cmd, done)
	}

	result := &models.ProcessResult{
		Output:      stdout.String(),
		ErrorOutput: stderr.String(),
		DurationMS:  time.Since(start).Milliseconds(),
	}
	recordUsage(cmd, result)

	switch why {
	case verdictTimeout:
		result.ExitCode = ExitTimeout
		r.logger.Warn("process timed out",
			"command", req.Command, "timeout_minutes", req.TimeoutMinutes,
			"execution_id", req.ExecutionID)
	case verdictCancelled:
		result.ExitCode = ExitCancelled
		r.logger.Info("process cancelled",
			"command", req.Command, "execution_id", req.ExecutionID)
	default:
		result.ExitCode = exitCodeOf(waitErr)
		result.Success = waitErr == nil
	}

	r.logger.Debug("process finished",
		"command", req.Command, "exit_code", result.ExitCode,
		"duration_ms", result.DurationMS, "execution_id", req.ExecutionID)
	return result
}

// terminate signals the process group and waits for the reaped exit,
// escalating to SIGKILL after the grace period
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) error {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(r.killGrace):
		r.logger.Warn("process ignored SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
		signalGroup(cmd, syscall.SIGKILL)
		return <-done
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole group (Setpgid above)
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// buildEnv produces the child environment: the supplied variables plus the
// OS defaults a toolchain cannot run without, when the caller left them unset
func buildEnv(env map[string]string) []string {
	merged := make(map[string]string, len(env)+4)
	for _, name := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if v := os.Getenv(name); v != "" {
			merged[name] = v
		}
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// recordUsage copies rusage accounting off the reaped process state.
// Maxrss is in KB on Linux; fine for the coarse estimates built on top.
func recordUsage(cmd *exec.Cmd, result *models.ProcessResult) {
	state := cmd.ProcessState
	if state == nil {
		return
	}
	result.CPUTimeMS = (state.UserTime() + state.SystemTime()).Milliseconds()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		result.MaxRSSKB = int64(ru.Maxrss)
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return ExitStartFailed
}

func startFailure(err error) *models.ProcessResult {
	return &models.ProcessResult{
		Success:     false,
		ExitCode:    ExitStartFailed,
		ErrorOutput: err.Error(),
	}
}
