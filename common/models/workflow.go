package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle state of a workflow definition
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

// Workflow is a versioned DAG of program nodes
// Maps to: workflows table (definition column carries nodes/edges/settings)
type Workflow struct {
	ID      uuid.UUID      `db:"id" json:"id"`
	Name    string         `db:"name" json:"name"`
	Version int            `db:"version" json:"version"`
	Status  WorkflowStatus `db:"status" json:"status"`

	Settings    WorkflowSettings    `json:"settings"`
	Permissions WorkflowPermissions `json:"permissions"`

	// Ordered: node order at submission time fixes the order of NodeExecutions
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	Tags []string `json:"tags,omitempty"`

	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Rolling execution counters maintained by the engine
	ExecutionCount    int64 `db:"execution_count" json:"execution_count"`
	AverageDurationMS int64 `db:"average_duration_ms" json:"average_duration_ms"`
}

// WorkflowSettings holds run-wide knobs
type WorkflowSettings struct {
	MaxConcurrentNodes int  `json:"max_concurrent_nodes"`
	ContinueOnError    bool `json:"continue_on_error"`
	RetainArtifacts    bool `json:"retain_artifacts"`
}

// WorkflowPermissions controls who may execute the workflow
type WorkflowPermissions struct {
	IsPublic     bool     `json:"is_public"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	AllowedRoles []string `json:"allowed_roles,omitempty"`

	// Per-user permission sets, e.g. {"user-1": ["view", "execute"]}
	UserPermissions map[string][]string `json:"user_permissions,omitempty"`
}

// Node is a single program invocation unit within a workflow
type Node struct {
	// Stable id, unique within the workflow
	ID   string `json:"id"`
	Name string `json:"name"`

	// External program reference; the project store resolves it to files
	ProgramID string `json:"program_id"`
	VersionID string `json:"version_id,omitempty"`

	IsDisabled bool `json:"is_disabled"`

	ExecutionSettings   ExecutionSettings   `json:"execution_settings"`
	InputConfiguration  InputConfiguration  `json:"input_configuration"`
	OutputConfiguration OutputConfiguration `json:"output_configuration"`
}

// Edge is a dependency between two nodes; data routing is expressed by the
// target node's input mappings, not by the edge itself
type Edge struct {
	ID           string    `json:"id"`
	SourceNodeID string    `json:"source_node_id"`
	TargetNodeID string    `json:"target_node_id"`
	IsDisabled   bool      `json:"is_disabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExecutionSettings bounds a single node execution
type ExecutionSettings struct {
	TimeoutMinutes int               `json:"timeout_minutes"`
	RetryCount     int               `json:"retry_count"`
	Environment    map[string]string `json:"environment,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
}

// ResourceLimits are advisory caps passed down to the project engine
type ResourceLimits struct {
	MaxCPUPercent int `json:"max_cpu_percent"`
	MaxMemoryMB   int `json:"max_memory_mb"`
	MaxDiskMB     int `json:"max_disk_mb"`
}

// InputConfiguration declares where a node's parameters come from.
// Later layers override earlier: static < user < mappings.
type InputConfiguration struct {
	StaticInputs  []StaticInput  `json:"static_inputs,omitempty"`
	UserInputs    []UserInput    `json:"user_inputs,omitempty"`
	InputMappings []InputMapping `json:"input_mappings,omitempty"`
}

// StaticInput is a constant parameter baked into the workflow
type StaticInput struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// UserInput is supplied at submission time under the key "nodeId.name"
type UserInput struct {
	Name         string      `json:"name"`
	DefaultValue interface{} `json:"default_value,omitempty"`
}

// InputMapping routes an upstream node's output field into this node
type InputMapping struct {
	InputName        string      `json:"input_name"`
	SourceNodeID     string      `json:"source_node_id"`
	SourceOutputName string      `json:"source_output_name"`
	Transformation   string      `json:"transformation,omitempty"`
	IsOptional       bool        `json:"is_optional"`
	DefaultValue     interface{} `json:"default_value,omitempty"`
}

// OutputConfiguration declares custom fields assembled into a node's output
type OutputConfiguration struct {
	OutputMappings []OutputMapping `json:"output_mappings,omitempty"`
}

// OutputMapping exposes a field of the program result under a custom name
type OutputMapping struct {
	OutputName     string `json:"output_name"`
	SourceField    string `json:"source_field"`
	Transformation string `json:"transformation,omitempty"`
}

// NodeByID returns the node with the given id, or nil
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// EnabledEdges returns edges whose endpoints and the edge itself are enabled
func (w *Workflow) EnabledEdges() []Edge {
	enabled := make([]Edge, 0, len(w.Edges))
	disabledNodes := make(map[string]bool)
	for _, n := range w.Nodes {
		if n.IsDisabled {
			disabledNodes[n.ID] = true
		}
	}
	for _, e := range w.Edges {
		if e.IsDisabled || disabledNodes[e.SourceNodeID] || disabledNodes[e.TargetNodeID] {
			continue
		}
		enabled = append(enabled, e)
	}
	return enabled
}

// MappingFor returns the node's input mapping sourced from the given node id, or nil
func (n *Node) MappingFor(sourceNodeID string) *InputMapping {
	for i := range n.InputConfiguration.InputMappings {
		if n.InputConfiguration.InputMappings[i].SourceNodeID == sourceNodeID {
			return &n.InputConfiguration.InputMappings[i]
		}
	}
	return nil
}
