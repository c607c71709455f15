package models

import "time"

// WorkflowDataContract is the JSON-safe currency passed between nodes.
// Data is produced by the source node's output assembly and consumed by the
// target node's input mappings.
type WorkflowDataContract struct {
	SourceNodeID string                 `json:"source_node_id"`
	TargetNodeID string                 `json:"target_node_id,omitempty"`
	Data         map[string]interface{} `json:"data"`
	DataType     string                 `json:"data_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     ContractMetadata       `json:"metadata"`
}

// ContractMetadata describes the contract payload
type ContractMetadata struct {
	SizeBytes   int    `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// InputFile is a file embedded in node parameters, materialized into the
// project directory before execution. Content is UTF-8 text or base64
// depending on ContentType.
type InputFile struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// NewDataContract wraps a node's assembled output as an inter-node contract
func NewDataContract(sourceNodeID string, data map[string]interface{}, sizeBytes int) *WorkflowDataContract {
	return &WorkflowDataContract{
		SourceNodeID: sourceNodeID,
		Data:         data,
		DataType:     "json",
		Timestamp:    time.Now().UTC(),
		Metadata: ContractMetadata{
			SizeBytes:   sizeBytes,
			ContentType: "application/json",
		},
	}
}
