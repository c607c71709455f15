package runners

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
)

// pythonMemoryFloorMB is the minimum peak-memory estimate for a Python run
const pythonMemoryFloorMB = 30

// Entry point files probed in preference order
var pythonEntryFiles = []string{"main.py", "app.py", "run.py", "__main__.py"}

// PythonRunner handles script and requirements.txt based Python projects
type PythonRunner struct {
	proc   *process.Runner
	logger Logger
}

// NewPythonRunner creates a Python project runner
func NewPythonRunner(proc *process.Runner, logger Logger) *PythonRunner {
	return &PythonRunner{proc: proc, logger: logger}
}

func (r *PythonRunner) Language() string { return "python" }
func (r *PythonRunner) Priority() int    { return PriorityPython }

// CanHandle claims directories with a Python manifest or any .py source
func (r *PythonRunner) CanHandle(dir string) bool {
	for _, name := range []string{"requirements.txt", "pyproject.toml", "main.py"} {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return anyFileWithExt(dir, ".py")
}

// Analyze inspects sources, manifests and entry points
func (r *PythonRunner) Analyze(dir string) (*models.ProjectStructureAnalysis, error) {
	analysis := &models.ProjectStructureAnalysis{
		Language:    "python",
		ProjectType: "script",
		Metadata:    map[string]string{},
	}

	err := walkProject(dir, func(rel string, d fs.DirEntry) {
		switch {
		case strings.HasSuffix(rel, ".py"):
			analysis.SourceFiles = append(analysis.SourceFiles, rel)
		case filepath.Base(rel) == "requirements.txt",
			filepath.Base(rel) == "pyproject.toml",
			filepath.Base(rel) == "setup.py",
			filepath.Base(rel) == "Pipfile":
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze python project: %w", err)
	}

	if fileExists(filepath.Join(dir, "pyproject.toml")) {
		analysis.ProjectType = "package"
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		analysis.HasBuildFile = true
		analysis.Dependencies = requirementsOf(filepath.Join(dir, "requirements.txt"))
	}

	for _, name := range pythonEntryFiles {
		if fileExists(filepath.Join(dir, name)) {
			analysis.EntryPoints = append(analysis.EntryPoints, name)
		}
	}
	if len(analysis.EntryPoints) == 0 {
		// Fall back to scripts carrying a __main__ guard
		for _, rel := range analysis.SourceFiles {
			if fileContains(filepath.Join(dir, rel), `if __name__ ==`) {
				analysis.EntryPoints = append(analysis.EntryPoints, rel)
			}
		}
	}
	if len(analysis.EntryPoints) > 0 {
		analysis.MainEntryPoint = analysis.EntryPoints[0]
	}

	return analysis, nil
}

// Build creates a virtualenv and installs requirements when the project
// declares any; plain scripts have no build step
func (r *PythonRunner) Build(ctx context.Context, pctx *ProjectContext) (*models.ProjectBuildResult, error) {
	if !fileExists(filepath.Join(pctx.Dir, "requirements.txt")) {
		return skippedBuild(), nil
	}

	venv := runStep(ctx, r.proc, pctx, "python3", "-m", "venv", ".venv")
	if !venv.Success {
		return buildResult(venv), nil
	}

	install := runStep(ctx, r.proc, pctx,
		filepath.Join(pctx.Dir, ".venv", "bin", "pip"),
		"install", "--quiet", "-r", "requirements.txt")
	combined := buildResult(install)
	combined.DurationMS += venv.DurationMS
	return combined, nil
}

// Execute runs the entry point with the virtualenv interpreter when present
func (r *PythonRunner) Execute(ctx context.Context, pctx *ProjectContext) (*models.ProjectExecutionResult, error) {
	entry := ""
	if pctx.Analysis != nil {
		entry = pctx.Analysis.MainEntryPoint
	}
	if entry == "" {
		return executionFailure(models.ErrExecution, "no python entry point found"), nil
	}

	interpreter := "python3"
	if venvPython := filepath.Join(pctx.Dir, ".venv", "bin", "python3"); fileExists(venvPython) {
		interpreter = venvPython
	}

	return executionResult(runStep(ctx, r.proc, pctx, interpreter, entry), pythonMemoryFloorMB), nil
}

// requirementsOf lists requirement names with version pins stripped
func requirementsOf(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if i := strings.Index(line, sep); i > 0 {
				line = line[:i]
			}
		}
		deps = append(deps, line)
	}
	return deps
}
