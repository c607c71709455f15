// Package project turns a program reference plus parameters into a finished
// run: fetch the files, lay them out in an isolated directory, pick a
// language runner, then build and execute. Failures never escape as errors;
// every outcome is a structured result.
package project

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/chainworks/cascade/common/config"
	"github.com/chainworks/cascade/common/contract"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
	"github.com/chainworks/cascade/common/runners"
	"github.com/chainworks/cascade/common/storage"
)

// ParametersFileName is written into every project root before execution
const ParametersFileName = "parameters.json"

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Engine executes single programs end to end
type Engine struct {
	files    storage.FileStore
	registry *runners.Registry
	mapper   *contract.Mapper
	cfg      config.EngineConfig
	logger   Logger
}

// EngineOpts holds the project engine dependencies
type EngineOpts struct {
	Files    storage.FileStore
	Registry *runners.Registry
	Mapper   *contract.Mapper
	Config   config.EngineConfig
	Logger   Logger
}

// NewEngine creates a project execution engine
func NewEngine(opts EngineOpts) *Engine {
	return &Engine{
		files:    opts.Files,
		registry: opts.Registry,
		mapper:   opts.Mapper,
		cfg:      opts.Config,
		logger:   opts.Logger,
	}
}

// ExecuteProject runs one program and always returns a result. Anything that
// goes wrong (missing program, no runner, build failure, timeout, panic) is
// folded into Success=false with the taxonomy kind in ErrorType.
func (e *Engine) ExecuteProject(ctx context.Context, req *models.ProjectExecutionRequest) (result *models.ProjectExecutionResult) {
	executionID := uuid.New().String()
	dir := filepath.Join(e.cfg.WorkDir, executionID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("project execution panicked",
				"execution_id", executionID, "program_id", req.ProgramID, "panic", r)
			result = failure(executionID, models.ErrSystem, fmt.Sprintf("internal failure: %v", r))
		}
	}()
	defer e.cleanup(dir, executionID, req.RetainArtifacts)

	e.logger.Info("project execution starting",
		"execution_id", executionID, "program_id", req.ProgramID,
		"version_id", req.VersionID, "user_id", req.UserID)

	// 1. Isolated project directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure(executionID, models.ErrSystem, fmt.Sprintf("failed to create project directory: %v", err))
	}

	// 2. Materialize the program's files
	if errType, msg := e.materializeProgram(ctx, dir, req); errType != "" {
		return failure(executionID, errType, msg)
	}

	// 3. Parameters contract: JSON-safe tree written to parameters.json
	if err := e.writeParameters(dir, req.Parameters); err != nil {
		return failure(executionID, models.ErrSystem, fmt.Sprintf("failed to write parameters: %v", err))
	}

	// 4. Input files: explicit on the request plus any embedded in parameters
	inputFiles := append(e.mapper.ExtractInputFiles(req.Parameters), req.InputFiles...)
	if err := e.materializeInputFiles(dir, inputFiles); err != nil {
		return failure(executionID, models.ErrValidation, err.Error())
	}

	// 5. Runner selection
	runner, err := e.registry.Select(dir)
	if err != nil {
		return failure(executionID, models.TypeOf(err), err.Error())
	}

	analysis, err := runner.Analyze(dir)
	if err != nil {
		return failure(executionID, models.ErrSystem, fmt.Sprintf("project analysis failed: %v", err))
	}

	pctx := &runners.ProjectContext{
		ExecutionID:    executionID,
		Dir:            dir,
		Environment:    req.Environment,
		TimeoutMinutes: e.effectiveTimeout(req.TimeoutMinutes),
		ResourceLimits: req.ResourceLimits,
		Analysis:       analysis,
	}

	// 6. Build
	build, err := runner.Build(ctx, pctx)
	if err != nil {
		return failure(executionID, models.ErrSystem, fmt.Sprintf("build step failed: %v", err))
	}
	if !build.Success {
		e.logger.Warn("project build failed",
			"execution_id", executionID, "language", runner.Language(), "exit_code", build.ExitCode)
		result = failure(executionID, models.ErrBuildFailed, "project build failed")
		result.ExitCode = build.ExitCode
		result.Output = build.Output
		result.ErrorOutput = build.ErrorOutput
		result.DurationMS = build.DurationMS
		return result
	}
	if !build.Skipped {
		e.logger.Debug("project built",
			"execution_id", executionID, "language", runner.Language(), "duration_ms", build.DurationMS)
	}

	// 7. Execute
	result, err = runner.Execute(ctx, pctx)
	if err != nil {
		return failure(executionID, models.ErrSystem, fmt.Sprintf("execution step failed: %v", err))
	}
	result.ExecutionID = executionID

	// 8. Collect produced files
	result.OutputFiles = e.collectOutputFiles(dir)
	result.ResourceUsage.DiskWrittenMB = diskWrittenMB(dir, e.cfg.OutputDirName)

	e.logger.Info("project execution finished",
		"execution_id", executionID, "program_id", req.ProgramID,
		"success", result.Success, "exit_code", result.ExitCode,
		"duration_ms", result.DurationMS, "output_files", len(result.OutputFiles))
	return result
}

// materializeProgram fetches and writes the program's file tree. Returns a
// non-empty error type on failure.
func (e *Engine) materializeProgram(ctx context.Context, dir string, req *models.ProjectExecutionRequest) (models.ErrorType, string) {
	manifest, err := e.files.ListProgramFiles(ctx, req.ProgramID, req.VersionID)
	if err != nil {
		return models.TypeOf(err), err.Error()
	}

	contents, err := e.fetchContents(ctx, manifest)
	if err != nil {
		return models.TypeOf(err), err.Error()
	}

	for _, file := range manifest {
		if err := validateRelativePath(file.Path); err != nil {
			return models.ErrValidation, fmt.Sprintf("program file rejected: %v", err)
		}
		target := filepath.Join(dir, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return models.ErrSystem, fmt.Sprintf("failed to create %s: %v", filepath.Dir(file.Path), err)
		}
		if err := os.WriteFile(target, contents[file.Key], 0o644); err != nil {
			return models.ErrSystem, fmt.Sprintf("failed to write %s: %v", file.Path, err)
		}
	}

	e.logger.Debug("program materialized", "program_id", req.ProgramID, "files", len(manifest))
	return "", ""
}

// fetchContents uses the store's batch path when available
func (e *Engine) fetchContents(ctx context.Context, manifest []storage.ProgramFile) (map[string][]byte, error) {
	keys := make([]string, len(manifest))
	for i, f := range manifest {
		keys[i] = f.Key
	}

	if batch, ok := e.files.(storage.BatchFetcher); ok {
		return batch.GetFileContents(ctx, keys)
	}

	contents := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := e.files.GetFileContent(ctx, key)
		if err != nil {
			return nil, err
		}
		contents[key] = data
	}
	return contents, nil
}

// writeParameters maps the parameter tree through the data contract and
// writes parameters.json at the project root
func (e *Engine) writeParameters(dir string, params map[string]interface{}) error {
	safe := e.mapper.MapDocument(bson.M(params))
	if safe == nil {
		safe = map[string]interface{}{}
	}

	encoded, err := json.MarshalIndent(safe, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ParametersFileName), encoded, 0o644)
}

// materializeInputFiles writes files embedded in node parameters. Content is
// base64 for binary content types, UTF-8 text otherwise.
func (e *Engine) materializeInputFiles(dir string, files []models.InputFile) error {
	for _, file := range files {
		if err := validateRelativePath(file.Name); err != nil {
			return fmt.Errorf("input file rejected: %w", err)
		}

		var data []byte
		if isBinaryContentType(file.ContentType) {
			decoded, err := base64.StdEncoding.DecodeString(file.Content)
			if err != nil {
				return fmt.Errorf("input file %s is not valid base64: %w", file.Name, err)
			}
			data = decoded
		} else {
			data = []byte(file.Content)
		}

		target := filepath.Join(dir, filepath.FromSlash(file.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for input file %s: %w", file.Name, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write input file %s: %w", file.Name, err)
		}
	}
	return nil
}

// collectOutputFiles lists files under the output directory, paths relative
// to the project root (prefix included), sorted for stable results
func (e *Engine) collectOutputFiles(dir string) []string {
	outputDir := filepath.Join(dir, e.cfg.OutputDirName)
	info, err := os.Stat(outputDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	var files []string
	_ = filepath.WalkDir(outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files
}

// effectiveTimeout clamps the requested timeout to the configured ceiling,
// falling back to the default when the request declares none
func (e *Engine) effectiveTimeout(requested int) int {
	minutes := requested
	if minutes <= 0 {
		minutes = e.cfg.DefaultTimeoutMinutes
	}
	if e.cfg.MaxTimeoutMinutes > 0 && minutes > e.cfg.MaxTimeoutMinutes {
		minutes = e.cfg.MaxTimeoutMinutes
	}
	return minutes
}

func (e *Engine) cleanup(dir, executionID string, retain bool) {
	if retain || e.cfg.RetainArtifacts {
		e.logger.Debug("retaining project directory", "execution_id", executionID, "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove project directory", "execution_id", executionID, "error", err)
	}
}

func isBinaryContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "base64" || strings.HasPrefix(ct, "application/octet-stream") || strings.HasPrefix(ct, "image/")
}

// diskWrittenMB measures the output directory size
func diskWrittenMB(dir, outputDirName string) int {
	var total int64
	_ = filepath.WalkDir(filepath.Join(dir, outputDirName), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return int(total >> 20)
}

func failure(executionID string, t models.ErrorType, msg string) *models.ProjectExecutionResult {
	return &models.ProjectExecutionResult{
		ExecutionID: executionID,
		Success:     false,
		ExitCode:    process.ExitStartFailed,
		ErrorOutput: msg,
		ErrorType:   t,
	}
}
