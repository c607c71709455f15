package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
)

// nodeMemoryFloorMB is the minimum peak-memory estimate for a Node run
const nodeMemoryFloorMB = 50

// packageManifest is the slice of package.json this runner cares about
type packageManifest struct {
	Name         string            `json:"name"`
	Main         string            `json:"main"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

// NodeRunner handles npm packages and plain JavaScript scripts
type NodeRunner struct {
	proc   *process.Runner
	logger Logger
}

// NewNodeRunner creates a Node.js project runner
func NewNodeRunner(proc *process.Runner, logger Logger) *NodeRunner {
	return &NodeRunner{proc: proc, logger: logger}
}

func (r *NodeRunner) Language() string { return "node" }
func (r *NodeRunner) Priority() int    { return PriorityNode }

// CanHandle claims directories with a package.json or any JavaScript source
func (r *NodeRunner) CanHandle(dir string) bool {
	if fileExists(filepath.Join(dir, "package.json")) {
		return true
	}
	return anyFileWithExt(dir, ".js", ".mjs", ".cjs")
}

// Analyze inspects the manifest, sources and entry points
func (r *NodeRunner) Analyze(dir string) (*models.ProjectStructureAnalysis, error) {
	analysis := &models.ProjectStructureAnalysis{
		Language:    "node",
		ProjectType: "script",
		Metadata:    map[string]string{},
	}

	err := walkProject(dir, func(rel string, d fs.DirEntry) {
		switch {
		case strings.HasSuffix(rel, ".js"),
			strings.HasSuffix(rel, ".mjs"),
			strings.HasSuffix(rel, ".cjs"),
			strings.HasSuffix(rel, ".ts"):
			analysis.SourceFiles = append(analysis.SourceFiles, rel)
		case filepath.Base(rel) == "package.json",
			filepath.Base(rel) == "package-lock.json",
			filepath.Base(rel) == "tsconfig.json":
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze node project: %w", err)
	}

	manifest := readManifest(dir)
	if manifest != nil {
		analysis.ProjectType = "npm"
		analysis.HasBuildFile = true
		if manifest.Name != "" {
			analysis.Metadata["package_name"] = manifest.Name
		}
		if _, ok := manifest.Scripts["start"]; ok {
			analysis.Metadata["start_script"] = "true"
		}
		for dep := range manifest.Dependencies {
			analysis.Dependencies = append(analysis.Dependencies, dep)
		}
		sort.Strings(analysis.Dependencies)
	}

	for _, candidate := range entryCandidates(manifest) {
		if fileExists(filepath.Join(dir, candidate)) {
			analysis.EntryPoints = append(analysis.EntryPoints, candidate)
		}
	}
	if len(analysis.EntryPoints) > 0 {
		analysis.MainEntryPoint = analysis.EntryPoints[0]
	}

	return analysis, nil
}

// Build installs dependencies when the manifest declares any. npm ci is used
// when a lockfile exists so installs are reproducible.
func (r *NodeRunner) Build(ctx context.Context, pctx *ProjectContext) (*models.ProjectBuildResult, error) {
	manifest := readManifest(pctx.Dir)
	if manifest == nil || len(manifest.Dependencies) == 0 {
		return skippedBuild(), nil
	}

	installCmd := "install"
	if fileExists(filepath.Join(pctx.Dir, "package-lock.json")) {
		installCmd = "ci"
	}
	return buildResult(runStep(ctx, r.proc, pctx, "npm", installCmd, "--no-audit", "--no-fund", "--silent")), nil
}

// Execute prefers the package's start script, falling back to the entry file
func (r *NodeRunner) Execute(ctx context.Context, pctx *ProjectContext) (*models.ProjectExecutionResult, error) {
	manifest := readManifest(pctx.Dir)
	if manifest != nil {
		if _, ok := manifest.Scripts["start"]; ok {
			return executionResult(runStep(ctx, r.proc, pctx, "npm", "start", "--silent"), nodeMemoryFloorMB), nil
		}
	}

	entry := ""
	if pctx.Analysis != nil {
		entry = pctx.Analysis.MainEntryPoint
	}
	if entry == "" {
		return executionFailure(models.ErrExecution, "no node entry point found"), nil
	}
	return executionResult(runStep(ctx, r.proc, pctx, "node", entry), nodeMemoryFloorMB), nil
}

func readManifest(dir string) *packageManifest {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	return &manifest
}

func entryCandidates(manifest *packageManifest) []string {
	candidates := []string{}
	if manifest != nil && manifest.Main != "" {
		candidates = append(candidates, manifest.Main)
	}
	return append(candidates, "index.js", "server.js", "app.js", "main.js")
}
