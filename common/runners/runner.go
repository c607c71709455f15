// Package runners holds the per-language project runners and the registry
// that picks one for a project directory. A runner knows how to detect,
// analyze, build and execute projects of its language; everything process
// level is delegated to the process package.
package runners

import (
	"context"
	"sort"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
)

// Runner priorities; higher wins, registration order breaks ties
const (
	PriorityJava   = 10
	PriorityDotNet = 10
	PriorityNode   = 8
	PriorityPython = 6
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ProjectContext carries per-execution state through build and execute
type ProjectContext struct {
	ExecutionID    string
	Dir            string
	Environment    map[string]string
	TimeoutMinutes int
	ResourceLimits models.ResourceLimits

	// Analysis is filled before Build/Execute are called
	Analysis *models.ProjectStructureAnalysis
}

// Runner handles one language's project layout and toolchain
type Runner interface {
	// Language names the runner, e.g. "java"
	Language() string

	// Priority orders runner probing; higher is probed first
	Priority() int

	// CanHandle reports whether the directory looks like this language's project
	CanHandle(dir string) bool

	// Analyze inspects the project structure without running anything
	Analyze(dir string) (*models.ProjectStructureAnalysis, error)

	// Build prepares the project; projects without a build step return Skipped
	Build(ctx context.Context, pctx *ProjectContext) (*models.ProjectBuildResult, error)

	// Execute runs the project's entry point under the context timeout
	Execute(ctx context.Context, pctx *ProjectContext) (*models.ProjectExecutionResult, error)
}

// Registry holds registered runners ordered by priority
type Registry struct {
	runners []Runner
	logger  Logger
}

// NewRegistry creates an empty runner registry
func NewRegistry(logger Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a runner. Ordering is by priority descending; runners with
// equal priority keep their registration order.
func (r *Registry) Register(runner Runner) {
	r.runners = append(r.runners, runner)
	sort.SliceStable(r.runners, func(i, j int) bool {
		return r.runners[i].Priority() > r.runners[j].Priority()
	})
	r.logger.Debug("runner registered", "language", runner.Language(), "priority", runner.Priority())
}

// Select probes runners in priority order and returns the first match.
// Returns a NoRunnerAvailable error when nothing claims the directory.
func (r *Registry) Select(dir string) (Runner, error) {
	for _, runner := range r.runners {
		if runner.CanHandle(dir) {
			r.logger.Debug("runner selected", "language", runner.Language(), "dir", dir)
			return runner, nil
		}
	}
	return nil, models.NewError(models.ErrNoRunnerAvailable,
		"no runner recognizes the project layout in %s", dir)
}

// Runners returns the registered runners in probe order
func (r *Registry) Runners() []Runner {
	out := make([]Runner, len(r.runners))
	copy(out, r.runners)
	return out
}

// Languages returns the registered language names in probe order
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, runner.Language())
	}
	return out
}

// DefaultRegistry registers the built-in language runners. Java and .NET
// share the top priority; Java is registered first so it probes first.
func DefaultRegistry(proc *process.Runner, logger Logger) *Registry {
	registry := NewRegistry(logger)
	registry.Register(NewJavaRunner(proc, logger))
	registry.Register(NewDotNetRunner(proc, logger))
	registry.Register(NewNodeRunner(proc, logger))
	registry.Register(NewPythonRunner(proc, logger))
	return registry
}
