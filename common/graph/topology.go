// Package graph holds the static analysis of workflow DAGs: structural
// validation, topological ordering, wave partitioning and complexity metrics.
package graph

import (
	"github.com/chainworks/cascade/common/models"
)

// Complexity summarizes the shape of a workflow graph
type Complexity struct {
	NodeCount       int     `json:"node_count"`
	EdgeCount       int     `json:"edge_count"`
	Depth           int     `json:"depth"`
	ParallelWidth   int     `json:"parallel_width"`
	BranchingFactor float64 `json:"branching_factor"`
}

// orderingEdges returns the edges that constrain execution order: enabled
// edges between enabled nodes. Edges touching disabled nodes impose no order
// because disabled nodes are skipped, not executed.
func orderingEdges(wf *models.Workflow) []models.Edge {
	return wf.EnabledEdges()
}

// TopologicalOrder returns all node ids in an order where every ordering
// edge (u,v) has u before v. Ties break by node insertion order. A cycle in
// the enabled subgraph is a ValidationError.
func TopologicalOrder(wf *models.Workflow) ([]string, error) {
	waves, err := Waves(wf)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(wf.Nodes))
	for _, wave := range waves {
		order = append(order, wave...)
	}
	return order, nil
}

// Waves partitions all node ids into topological levels: a node's wave is
// 1 + the highest wave of its ordering predecessors. Nodes within a wave
// have no ordering edges between them and are eligible to run concurrently.
// Disabled nodes carry no constraints and land in the first wave.
func Waves(wf *models.Workflow) ([][]string, error) {
	edges := orderingEdges(wf)

	// 1. Kahn's algorithm: in-degrees over ordering edges
	inDegree := make(map[string]int, len(wf.Nodes))
	successors := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		successors[e.SourceNodeID] = append(successors[e.SourceNodeID], e.TargetNodeID)
		inDegree[e.TargetNodeID]++
	}

	// 2. Peel waves; scanning nodes in insertion order keeps ties stable
	remaining := len(wf.Nodes)
	done := make(map[string]bool, len(wf.Nodes))
	var waves [][]string

	for remaining > 0 {
		var wave []string
		for _, n := range wf.Nodes {
			if !done[n.ID] && inDegree[n.ID] == 0 {
				wave = append(wave, n.ID)
			}
		}

		// No progress with nodes left means a cycle
		if len(wave) == 0 {
			return nil, models.NewError(models.ErrValidation,
				"workflow contains a cycle in the enabled subgraph")
		}

		for _, id := range wave {
			done[id] = true
			remaining--
			for _, succ := range successors[id] {
				inDegree[succ]--
			}
		}
		waves = append(waves, wave)
	}

	return waves, nil
}

// DependencyGraph maps each node id to the ids it depends on, considering
// every non-disabled edge (including those from disabled sources, which
// block the dependent at dispatch time).
func DependencyGraph(wf *models.Workflow) map[string][]string {
	deps := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		deps[n.ID] = []string{}
	}
	for _, e := range wf.Edges {
		if e.IsDisabled {
			continue
		}
		deps[e.TargetNodeID] = append(deps[e.TargetNodeID], e.SourceNodeID)
	}
	return deps
}

// ComputeComplexity derives graph metrics from the enabled subgraph
func ComputeComplexity(wf *models.Workflow) (Complexity, error) {
	waves, err := Waves(wf)
	if err != nil {
		return Complexity{}, err
	}

	edges := orderingEdges(wf)

	width := 0
	for _, wave := range waves {
		if len(wave) > width {
			width = len(wave)
		}
	}

	// Average out-degree over nodes that fan out at all
	outDegree := make(map[string]int)
	for _, e := range edges {
		outDegree[e.SourceNodeID]++
	}
	branching := 0.0
	if len(outDegree) > 0 {
		total := 0
		for _, d := range outDegree {
			total += d
		}
		branching = float64(total) / float64(len(outDegree))
	}

	return Complexity{
		NodeCount:       len(wf.Nodes),
		EdgeCount:       len(wf.Edges),
		Depth:           len(waves),
		ParallelWidth:   width,
		BranchingFactor: branching,
	}, nil
}

// hasCycle runs a DFS with a recursion stack over the ordering edges. Kept
// alongside Kahn's sort as the cheap standalone check used by validation.
func hasCycle(wf *models.Workflow) (bool, string) {
	successors := make(map[string][]string)
	for _, e := range orderingEdges(wf) {
		successors[e.SourceNodeID] = append(successors[e.SourceNodeID], e.TargetNodeID)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(nodeID string) (bool, string)
	visit = func(nodeID string) (bool, string) {
		visited[nodeID] = true
		recStack[nodeID] = true

		for _, succ := range successors[nodeID] {
			if !visited[succ] {
				if found, at := visit(succ); found {
					return true, at
				}
			} else if recStack[succ] {
				return true, succ
			}
		}

		recStack[nodeID] = false
		return false, ""
	}

	for _, n := range wf.Nodes {
		if !visited[n.ID] {
			if found, at := visit(n.ID); found {
				return true, at
			}
		}
	}
	return false, ""
}

// ancestorSets computes, per node, the set of ids reachable backwards over
// ordering edges. Used to check that input mappings reference ancestors.
func ancestorSets(wf *models.Workflow) (map[string]map[string]bool, error) {
	order, err := TopologicalOrder(wf)
	if err != nil {
		return nil, err
	}

	preds := make(map[string][]string)
	for _, e := range orderingEdges(wf) {
		preds[e.TargetNodeID] = append(preds[e.TargetNodeID], e.SourceNodeID)
	}

	ancestors := make(map[string]map[string]bool, len(order))
	for _, id := range order {
		set := make(map[string]bool)
		for _, p := range preds[id] {
			set[p] = true
			for a := range ancestors[p] {
				set[a] = true
			}
		}
		ancestors[id] = set
	}
	return ancestors, nil
}
