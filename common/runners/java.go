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

// javaMemoryFloorMB is the minimum peak-memory estimate for a JVM run
const javaMemoryFloorMB = 100

// JavaRunner handles Maven, Gradle and plain javac projects
type JavaRunner struct {
	proc   *process.Runner
	logger Logger
}

// NewJavaRunner creates a Java project runner
func NewJavaRunner(proc *process.Runner, logger Logger) *JavaRunner {
	return &JavaRunner{proc: proc, logger: logger}
}

func (r *JavaRunner) Language() string { return "java" }
func (r *JavaRunner) Priority() int    { return PriorityJava }

// CanHandle claims directories with a Maven/Gradle build file or any .java source
func (r *JavaRunner) CanHandle(dir string) bool {
	for _, name := range []string{"pom.xml", "build.gradle", "build.gradle.kts"} {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return anyFileWithExt(dir, ".java")
}

// Analyze inspects the project layout, build tool and entry points
func (r *JavaRunner) Analyze(dir string) (*models.ProjectStructureAnalysis, error) {
	analysis := &models.ProjectStructureAnalysis{
		Language: "java",
		Metadata: map[string]string{},
	}

	err := walkProject(dir, func(rel string, d fs.DirEntry) {
		switch {
		case strings.HasSuffix(rel, ".java"):
			analysis.SourceFiles = append(analysis.SourceFiles, rel)
		case filepath.Base(rel) == "pom.xml",
			filepath.Base(rel) == "build.gradle",
			filepath.Base(rel) == "build.gradle.kts",
			filepath.Base(rel) == "settings.gradle",
			filepath.Base(rel) == "gradle.properties":
			analysis.ConfigFiles = append(analysis.ConfigFiles, rel)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze java project: %w", err)
	}

	switch {
	case fileExists(filepath.Join(dir, "pom.xml")):
		analysis.ProjectType = "maven"
		analysis.HasBuildFile = true
		analysis.Dependencies = mavenDependencies(filepath.Join(dir, "pom.xml"))
	case fileExists(filepath.Join(dir, "build.gradle")) || fileExists(filepath.Join(dir, "build.gradle.kts")):
		analysis.ProjectType = "gradle"
		analysis.HasBuildFile = true
		analysis.Dependencies = gradleDependencies(dir)
	default:
		analysis.ProjectType = "plain"
	}
	analysis.Metadata["build_tool"] = analysis.ProjectType

	for _, rel := range analysis.SourceFiles {
		path := filepath.Join(dir, rel)
		if fileContains(path, "static void main") {
			analysis.EntryPoints = append(analysis.EntryPoints, rel)
		}
	}
	if len(analysis.EntryPoints) > 0 {
		analysis.MainEntryPoint = analysis.EntryPoints[0]
		if fq := javaMainClass(filepath.Join(dir, analysis.MainEntryPoint)); fq != "" {
			analysis.Metadata["main_class"] = fq
		}
	}

	return analysis, nil
}

// Build compiles the project with its declared build tool, falling back to
// plain javac into bin/ when there is none
func (r *JavaRunner) Build(ctx context.Context, pctx *ProjectContext) (*models.ProjectBuildResult, error) {
	switch projectType(pctx) {
	case "maven":
		return buildResult(runStep(ctx, r.proc, pctx, "mvn", "-q", "-DskipTests", "clean", "compile")), nil

	case "gradle":
		command, baseArgs := r.gradleCommand(pctx.Dir)
		args := append(baseArgs, "build", "-x", "test", "-q")
		return buildResult(runStep(ctx, r.proc, pctx, command, args...)), nil

	default:
		sources := sourcesOf(pctx)
		if len(sources) == 0 {
			return skippedBuild(), nil
		}
		args := append([]string{"-d", "bin"}, sources...)
		return buildResult(runStep(ctx, r.proc, pctx, "javac", args...)), nil
	}
}

// Execute runs the project entry point. Plain projects get an explicit -Xmx
// when resource limits declare a memory cap.
func (r *JavaRunner) Execute(ctx context.Context, pctx *ProjectContext) (*models.ProjectExecutionResult, error) {
	switch projectType(pctx) {
	case "maven":
		args := []string{"-q", "exec:java"}
		if mc := mainClassOf(pctx); mc != "" {
			args = append(args, "-Dexec.mainClass="+mc)
		}
		return executionResult(runStep(ctx, r.proc, pctx, "mvn", args...), javaMemoryFloorMB), nil

	case "gradle":
		command, baseArgs := r.gradleCommand(pctx.Dir)
		args := append(baseArgs, "run", "-q")
		return executionResult(runStep(ctx, r.proc, pctx, command, args...), javaMemoryFloorMB), nil

	default:
		mainClass := mainClassOf(pctx)
		if mainClass == "" {
			return executionFailure(models.ErrExecution, "no class with a main method found"), nil
		}
		var args []string
		if pctx.ResourceLimits.MaxMemoryMB > 0 {
			args = append(args, fmt.Sprintf("-Xmx%dm", pctx.ResourceLimits.MaxMemoryMB))
		}
		args = append(args, "-cp", "bin", mainClass)
		return executionResult(runStep(ctx, r.proc, pctx, "java", args...), javaMemoryFloorMB), nil
	}
}

// gradleCommand prefers the project's wrapper over a system gradle
func (r *JavaRunner) gradleCommand(dir string) (string, []string) {
	wrapper := filepath.Join(dir, "gradlew")
	if fileExists(wrapper) {
		// Materialized files arrive without the exec bit
		if err := os.Chmod(wrapper, 0o755); err != nil {
			r.logger.Warn("failed to mark gradlew executable", "error", err)
		}
		return wrapper, nil
	}
	return "gradle", nil
}

func projectType(pctx *ProjectContext) string {
	if pctx.Analysis != nil && pctx.Analysis.ProjectType != "" {
		return pctx.Analysis.ProjectType
	}
	return "plain"
}

func sourcesOf(pctx *ProjectContext) []string {
	if pctx.Analysis == nil {
		return nil
	}
	return pctx.Analysis.SourceFiles
}

func mainClassOf(pctx *ProjectContext) string {
	if pctx.Analysis == nil {
		return ""
	}
	return pctx.Analysis.Metadata["main_class"]
}

// javaMainClass derives the fully qualified class name from a source file:
// its package declaration plus the file's base name
func javaMainClass(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".java")

	f, err := os.Open(path)
	if err != nil {
		return name
	}
	defer f.Close()

	buf := make([]byte, maxScanBytes)
	n, _ := f.Read(buf)
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			pkg := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "package ")), ";")
			if pkg != "" {
				return pkg + "." + name
			}
			break
		}
	}
	return name
}

// mavenDependencies pulls artifact ids out of the pom's dependencies block.
// It does not resolve transitives; the list is an analysis hint only.
func mavenDependencies(pomPath string) []string {
	data, err := os.ReadFile(pomPath)
	if err != nil {
		return nil
	}
	content := string(data)

	start := strings.Index(content, "<dependencies>")
	end := strings.Index(content, "</dependencies>")
	if start < 0 || end < 0 || end < start {
		return nil
	}
	block := content[start:end]

	var deps []string
	for {
		i := strings.Index(block, "<artifactId>")
		if i < 0 {
			break
		}
		block = block[i+len("<artifactId>"):]
		j := strings.Index(block, "</artifactId>")
		if j < 0 {
			break
		}
		deps = append(deps, strings.TrimSpace(block[:j]))
		block = block[j:]
	}
	return deps
}

// gradleDependencies pulls quoted coordinates from dependency declarations
func gradleDependencies(dir string) []string {
	var data []byte
	for _, name := range []string{"build.gradle", "build.gradle.kts"} {
		if b, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			data = b
			break
		}
	}
	if data == nil {
		return nil
	}

	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "implementation") &&
			!strings.HasPrefix(line, "api") &&
			!strings.HasPrefix(line, "compile") {
			continue
		}
		if coord := quoted(line); coord != "" {
			deps = append(deps, coord)
		}
	}
	return deps
}

// quoted extracts the first single- or double-quoted string in a line
func quoted(line string) string {
	for _, q := range []string{`"`, `'`} {
		i := strings.Index(line, q)
		if i < 0 {
			continue
		}
		j := strings.Index(line[i+1:], q)
		if j < 0 {
			continue
		}
		return line[i+1 : i+1+j]
	}
	return ""
}
