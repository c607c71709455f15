package runners

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
)

// Directories never scanned during probe/analysis: tool output and caches
var skippedDirs = map[string]bool{
	".git":         true,
	".gradle":      true,
	".venv":        true,
	"venv":         true,
	"node_modules": true,
	"__pycache__":  true,
	"target":       true,
	"build":        true,
	"bin":          true,
	"obj":          true,
	"dist":         true,
}

// maxScanBytes caps how much of a source file content probes read
const maxScanBytes = 256 * 1024

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// walkProject visits every non-skipped file under dir with its relative path
func walkProject(dir string, visit func(rel string, d fs.DirEntry)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		visit(rel, d)
		return nil
	})
}

// anyFileWithExt reports whether the project contains a file with one of the
// extensions, stopping at the first hit
func anyFileWithExt(dir string, exts ...string) bool {
	found := false
	_ = walkProject(dir, func(rel string, d fs.DirEntry) {
		if found {
			return
		}
		for _, ext := range exts {
			if strings.HasSuffix(rel, ext) {
				found = true
				return
			}
		}
	})
	return found
}

// fileContains reports whether the file's head contains the needle
func fileContains(path, needle string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, maxScanBytes)
	n, _ := f.Read(buf)
	return strings.Contains(string(buf[:n]), needle)
}

// runStep executes one toolchain command inside the project directory
func runStep(ctx context.Context, proc *process.Runner, pctx *ProjectContext, command string, args ...string) *models.ProcessResult {
	return proc.Run(ctx, process.Request{
		ExecutionID:    pctx.ExecutionID,
		Command:        command,
		Args:           args,
		Dir:            pctx.Dir,
		Env:            pctx.Environment,
		TimeoutMinutes: pctx.TimeoutMinutes,
	})
}

// classify maps a process outcome onto the error taxonomy; empty for success
func classify(res *models.ProcessResult) models.ErrorType {
	switch {
	case res.Success:
		return ""
	case res.ExitCode == process.ExitTimeout:
		return models.ErrTimeout
	case res.ExitCode == process.ExitCancelled:
		return models.ErrCancelled
	case res.ExitCode == process.ExitStartFailed:
		return models.ErrSystem
	default:
		return models.ErrExecution
	}
}

// executionResult lifts a process outcome into a project execution result.
// Peak memory is the measured RSS with a per-language floor: short runs
// finish before the kernel accounts anything meaningful.
func executionResult(res *models.ProcessResult, memoryFloorMB int) *models.ProjectExecutionResult {
	usage := models.ResourceUsage{
		PeakMemoryMB: memoryFloorMB,
		CPUTimeMS:    res.CPUTimeMS,
	}
	if rssMB := int(res.MaxRSSKB / 1024); rssMB > usage.PeakMemoryMB {
		usage.PeakMemoryMB = rssMB
	}
	if res.DurationMS > 0 {
		usage.CPUPercent = math.Round(float64(res.CPUTimeMS)/float64(res.DurationMS)*10000) / 100
	}

	return &models.ProjectExecutionResult{
		Success:       res.Success,
		ExitCode:      res.ExitCode,
		Output:        res.Output,
		ErrorOutput:   res.ErrorOutput,
		DurationMS:    res.DurationMS,
		ResourceUsage: usage,
		ErrorType:     classify(res),
	}
}

// buildResult lifts a process outcome into a build result
func buildResult(res *models.ProcessResult) *models.ProjectBuildResult {
	return &models.ProjectBuildResult{
		Success:     res.Success,
		ExitCode:    res.ExitCode,
		Output:      res.Output,
		ErrorOutput: res.ErrorOutput,
		DurationMS:  res.DurationMS,
	}
}

// skippedBuild is the result for projects that need no build step
func skippedBuild() *models.ProjectBuildResult {
	return &models.ProjectBuildResult{Success: true, Skipped: true}
}

// executionFailure is a result for runs that never launched a process
func executionFailure(t models.ErrorType, msg string) *models.ProjectExecutionResult {
	return &models.ProjectExecutionResult{
		Success:     false,
		ExitCode:    process.ExitStartFailed,
		ErrorOutput: msg,
		ErrorType:   t,
	}
}
