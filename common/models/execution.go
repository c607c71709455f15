package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the status of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeExecutionStatus represents the status of a single node execution
type NodeExecutionStatus string

const (
	NodePending   NodeExecutionStatus = "PENDING"
	NodeRunning   NodeExecutionStatus = "RUNNING"
	NodeCompleted NodeExecutionStatus = "COMPLETED"
	NodeFailed    NodeExecutionStatus = "FAILED"
	NodeSkipped   NodeExecutionStatus = "SKIPPED"
	NodeRetrying  NodeExecutionStatus = "RETRYING"
)

// IsTerminal reports whether the node reached a final state
func (s NodeExecutionStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// TriggerType records how an execution was started
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerAPI       TriggerType = "API"
)

// WorkflowExecution is the persisted record of one workflow run.
// The workflow version captured here is the authority for the run's shape.
// Maps to: workflow_executions table
type WorkflowExecution struct {
	ID              uuid.UUID `db:"id" json:"id"`
	WorkflowID      uuid.UUID `db:"workflow_id" json:"workflow_id"`
	WorkflowVersion int       `db:"workflow_version" json:"workflow_version"`

	ExecutionName string          `db:"execution_name" json:"execution_name"`
	ExecutedBy    string          `db:"executed_by" json:"executed_by"`
	Status        ExecutionStatus `db:"status" json:"status"`
	TriggerType   TriggerType     `db:"trigger_type" json:"trigger_type"`

	ExecutionContext ExecutionContext  `json:"execution_context"`
	Options          ExecutionOptions  `json:"options"`
	Progress         ExecutionProgress `json:"progress"`

	// One per workflow node, in workflow node order at submission time
	NodeExecutions []NodeExecution `json:"node_executions"`

	Results *ExecutionResults   `json:"results,omitempty"`
	Error   *NodeExecutionError `json:"error,omitempty"`

	// Append-only
	Logs []ExecutionLogEntry `json:"logs,omitempty"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ExecutionContext carries submission-time inputs keyed "nodeId.inputName"
type ExecutionContext struct {
	UserInputs map[string]interface{} `json:"user_inputs,omitempty"`
}

// ExecutionOptions tunes one execution; zero values fall back to workflow settings
type ExecutionOptions struct {
	MaxConcurrentNodes int  `json:"max_concurrent_nodes,omitempty"`
	ContinueOnError    bool `json:"continue_on_error,omitempty"`
	RetainArtifacts    bool `json:"retain_artifacts,omitempty"`
}

// ExecutionProgress is updated as nodes reach terminal states.
// CompletedNodes and FailedNodes are monotonic; never decremented.
type ExecutionProgress struct {
	TotalNodes      int     `json:"total_nodes"`
	CompletedNodes  int     `json:"completed_nodes"`
	FailedNodes     int     `json:"failed_nodes"`
	RunningNodes    int     `json:"running_nodes"`
	SkippedNodes    int     `json:"skipped_nodes"`
	PercentComplete float64 `json:"percent_complete"`
	CurrentPhase    string  `json:"current_phase"`
}

// NodeExecution is the persisted record of one node within an execution
type NodeExecution struct {
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	ProgramID string `json:"program_id"`

	Status NodeExecutionStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`

	// Id of the underlying project execution (set once dispatched)
	ProgramExecutionID string `json:"program_execution_id,omitempty"`

	InputData  map[string]interface{} `json:"input_data,omitempty"`
	OutputData map[string]interface{} `json:"output_data,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Error *NodeExecutionError `json:"error,omitempty"`

	WasSkipped bool   `json:"was_skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// NodeExecutionError is the persisted error detail for a failed node
type NodeExecutionError struct {
	ErrorType ErrorType `json:"error_type"`
	Message   string    `json:"message"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CanRetry  bool      `json:"can_retry"`
}

// ExecutionResults is assembled at finalization
type ExecutionResults struct {
	// nodeId -> that node's assembled output
	FinalOutputs map[string]map[string]interface{} `json:"final_outputs"`

	// Identical to the session's node-outputs table, kept for inspection
	IntermediateResults map[string]map[string]interface{} `json:"intermediate_results"`

	Summary string `json:"summary"`
}

// ExecutionLogEntry is one line in the append-only execution log
type ExecutionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
}

// ExecutionStatistics aggregates per-node timings for one execution
type ExecutionStatistics struct {
	TotalExecutionTimeMS   int64   `json:"total_execution_time_ms"`
	TotalRetries           int     `json:"total_retries"`
	AverageNodeExecutionMS float64 `json:"average_node_execution_ms"`
	SlowestNodeID          string  `json:"slowest_node_id,omitempty"`
	FastestNodeID          string  `json:"fastest_node_id,omitempty"`
	CompletedNodes         int     `json:"completed_nodes"`
	FailedNodes            int     `json:"failed_nodes"`
	SkippedNodes           int     `json:"skipped_nodes"`
}

// NodeExecutionByID returns the node execution record for the node id, or nil
func (e *WorkflowExecution) NodeExecutionByID(nodeID string) *NodeExecution {
	for i := range e.NodeExecutions {
		if e.NodeExecutions[i].NodeID == nodeID {
			return &e.NodeExecutions[i]
		}
	}
	return nil
}

// AppendLog adds an entry to the append-only execution log
func (e *WorkflowExecution) AppendLog(level, nodeID, message string) {
	e.Logs = append(e.Logs, ExecutionLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		NodeID:    nodeID,
		Message:   message,
	})
}
