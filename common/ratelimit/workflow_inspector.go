package ratelimit

import (
	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/models"
)

// WorkflowTier represents the rate limit tier based on workflow size
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // Up to 5 nodes
	TierStandard WorkflowTier = "standard" // 6-20 nodes
	TierHeavy    WorkflowTier = "heavy"    // More than 20 nodes
)

// WorkflowProfile contains the graph measurements behind a tier decision
type WorkflowProfile struct {
	Tier          WorkflowTier // Determined tier
	NodeCount     int          // Total node count
	EdgeCount     int          // Total edge count
	Depth         int          // Longest dependency chain, in waves
	ParallelWidth int          // Widest wave
}

// InspectWorkflow analyzes a workflow and determines its rate limit tier.
// Unmeasurable graphs (cycles) land in the heavy tier; validation rejects
// them later anyway.
func InspectWorkflow(workflow *models.Workflow) WorkflowProfile {
	complexity, err := graph.ComputeComplexity(workflow)
	if err != nil {
		return WorkflowProfile{
			Tier:      TierHeavy,
			NodeCount: len(workflow.Nodes),
			EdgeCount: len(workflow.Edges),
		}
	}

	return WorkflowProfile{
		Tier:          determineTier(complexity.NodeCount),
		NodeCount:     complexity.NodeCount,
		EdgeCount:     complexity.EdgeCount,
		Depth:         complexity.Depth,
		ParallelWidth: complexity.ParallelWidth,
	}
}

// determineTier returns the appropriate tier based on node count
func determineTier(nodeCount int) WorkflowTier {
	switch {
	case nodeCount <= 5:
		return TierSimple
	case nodeCount <= 20:
		return TierStandard
	default:
		return TierHeavy
	}
}

// String returns a human-readable description of the tier
func (t WorkflowTier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}
