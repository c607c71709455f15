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

// dotnetMemoryFloorMB is the minimum peak-memory estimate for a .NET run
const dotnetMemoryFloorMB = 80

// DotNetRunner handles csproj and solution based .NET projects
type DotNetRunner struct {
	proc   *process.Runner
	logger Logger
}

// NewDotNetRunner creates a .NET project runner
func NewDotNetRunner(proc *process.Runner, logger Logger) *DotNetRunner {
	return &DotNetRunner{proc: proc, logger: logger}
}

func (r *DotNetRunner) Language() string { return "dotnet" }
func (r *DotNetRunner) Priority() int    { return PriorityDotNet }

// CanHandle claims directories with a project or solution file
func (r *DotNetRunner) CanHandle(dir string) bool {
	if fileExists(filepath.Join(dir, "Program.cs")) {
		return true
	}
	return anyFileWithExt(dir, ".csproj", ".sln")
}

// Analyze inspects sources, project files and package references
func (r *DotNetRunner) Analyze(dir string) (*models.ProjectStructureAnalysis, error) {
	analysis := &models.ProjectStructureAnalysis{
		Language:    "dotnet",
		ProjectType: "dotnet",
		Metadata:    map[string]string{},
	}

	var projectFile string
	err := walkProject(dir, func(rel string, d fs.DirEntry) {
		switch {
		case strings.HasSuffix(rel, ".cs"):
			analysis.SourceFiles = append(analysis.SourceFiles, rel)
		case strings.HasSuffix(rel, ".csproj"):
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
			if projectFile == "" {
				projectFile = rel
			}
		case strings.HasSuffix(rel, ".sln"),
			filepath.Base(rel) == "appsettings.json":
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze dotnet project: %w", err)
	}

	if projectFile != "" {
		analysis.HasBuildFile = true
		analysis.Metadata["project_file"] = projectFile
		framework, packages := csprojInfo(filepath.Join(dir, projectFile))
		if framework != "" {
			analysis.Metadata["target_framework"] = framework
		}
		analysis.Dependencies = packages
	}

	for _, rel := range analysis.SourceFiles {
		// Program.cs covers top-level statement programs; otherwise look
		// for a classic Main
		if filepath.Base(rel) == "Program.cs" || fileContains(filepath.Join(dir, rel), "static void Main") {
			analysis.EntryPoints = append(analysis.EntryPoints, rel)
		}
	}
	if len(analysis.EntryPoints) > 0 {
		analysis.MainEntryPoint = analysis.EntryPoints[0]
	}

	return analysis, nil
}

// Build compiles a Release configuration
func (r *DotNetRunner) Build(ctx context.Context, pctx *ProjectContext) (*models.ProjectBuildResult, error) {
	args := []string{"build", "-c", "Release", "--nologo", "-v", "quiet"}
	if project := r.projectFile(pctx); project != "" {
		args = append(args, project)
	}
	return buildResult(runStep(ctx, r.proc, pctx, "dotnet", args...)), nil
}

// Execute runs the built binary via dotnet run without rebuilding
func (r *DotNetRunner) Execute(ctx context.Context, pctx *ProjectContext) (*models.ProjectExecutionResult, error) {
	args := []string{"run", "-c", "Release", "--no-build"}
	if project := r.projectFile(pctx); project != "" {
		args = append(args, "--project", project)
	}
	return executionResult(runStep(ctx, r.proc, pctx, "dotnet", args...), dotnetMemoryFloorMB), nil
}

func (r *DotNetRunner) projectFile(pctx *ProjectContext) string {
	if pctx.Analysis == nil {
		return ""
	}
	return pctx.Analysis.Metadata["project_file"]
}

// csprojInfo extracts the target framework and package references.
// String scanning is deliberate: these are analysis hints, not a build graph.
func csprojInfo(path string) (framework string, packages []string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil
	}
	content := string(data)

	if i := strings.Index(content, "<TargetFramework>"); i >= 0 {
		rest := content[i+len("<TargetFramework>"):]
		if j := strings.Index(rest, "</TargetFramework>"); j >= 0 {
			framework = strings.TrimSpace(rest[:j])
		}
	}

	rest := content
	for {
		i := strings.Index(rest, `<PackageReference Include="`)
		if i < 0 {
			break
		}
		rest = rest[i+len(`<PackageReference Include="`):]
		j := strings.Index(rest, `"`)
		if j < 0 {
			break
		}
		packages = append(packages, rest[:j])
		rest = rest[j:]
	}
	return framework, packages
}
