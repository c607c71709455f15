package models

// ProjectExecutionRequest asks the project engine to run one program
type ProjectExecutionRequest struct {
	ProgramID string `json:"program_id"`
	VersionID string `json:"version_id,omitempty"`
	UserID    string `json:"user_id"`

	// JSON-safe tree written to parameters.json in the project root
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Files lifted from parameters, materialized at their declared paths
	InputFiles []InputFile `json:"input_files,omitempty"`

	Environment    map[string]string `json:"environment,omitempty"`
	TimeoutMinutes int               `json:"timeout_minutes"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`

	// Keep the project directory after the run instead of removing it
	RetainArtifacts bool `json:"retain_artifacts,omitempty"`
}

// ProjectExecutionResult is the structured outcome of one program run.
// Failures never escape as errors from the project engine; they are folded
// into Success=false with the taxonomy kind in ErrorType.
type ProjectExecutionResult struct {
	ExecutionID string `json:"execution_id"`
	Success     bool   `json:"success"`
	ExitCode    int    `json:"exit_code"`

	Output      string `json:"output"`
	ErrorOutput string `json:"error_output"`

	DurationMS int64 `json:"duration_ms"`

	// Relative paths under the project root, e.g. "output/result.csv"
	OutputFiles []string `json:"output_files,omitempty"`

	ResourceUsage ResourceUsage `json:"resource_usage"`

	ErrorType ErrorType `json:"error_type,omitempty"`
}

// ResourceUsage is a coarse post-hoc estimate, not an enforced measurement
type ResourceUsage struct {
	PeakMemoryMB  int     `json:"peak_memory_mb"`
	CPUTimeMS     int64   `json:"cpu_time_ms"`
	CPUPercent    float64 `json:"cpu_percent"`
	DiskWrittenMB int     `json:"disk_written_mb"`
}

// ProcessResult is the raw outcome of one child process
type ProcessResult struct {
	Success     bool   `json:"success"`
	ExitCode    int    `json:"exit_code"`
	Output      string `json:"output"`
	ErrorOutput string `json:"error_output"`
	DurationMS  int64  `json:"duration_ms"`

	// Resource accounting from the wait rusage; zero when unavailable
	CPUTimeMS int64 `json:"cpu_time_ms,omitempty"`
	MaxRSSKB  int64 `json:"max_rss_kb,omitempty"`
}

// ProjectStructureAnalysis is a runner's view of a project directory
type ProjectStructureAnalysis struct {
	Language    string `json:"language"`
	ProjectType string `json:"project_type"`

	SourceFiles []string `json:"source_files,omitempty"`
	ConfigFiles []string `json:"config_files,omitempty"`

	HasBuildFile   bool     `json:"has_build_file"`
	EntryPoints    []string `json:"entry_points,omitempty"`
	MainEntryPoint string   `json:"main_entry_point,omitempty"`

	// Shallow hints parsed from build files, not a resolved dependency tree
	Dependencies []string `json:"dependencies,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ProjectBuildResult is the outcome of a runner's build step
type ProjectBuildResult struct {
	Success     bool   `json:"success"`
	ExitCode    int    `json:"exit_code"`
	Output      string `json:"output"`
	ErrorOutput string `json:"error_output"`
	DurationMS  int64  `json:"duration_ms"`

	// True when the project needs no build step (e.g. plain scripts)
	Skipped bool `json:"skipped"`
}
