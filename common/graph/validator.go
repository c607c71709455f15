package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainworks/cascade/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RoleLookup resolves the roles a user carries; nil skips role checks
type RoleLookup interface {
	RolesOf(ctx context.Context, userID string) ([]string, error)
}

// Validator performs the static checks a workflow must pass before any
// execution record is created. All failures are ValidationError or
// PermissionDenied; warnings never block.
type Validator struct {
	roles  RoleLookup
	logger Logger
}

// NewValidator creates a workflow validator
func NewValidator(roles RoleLookup, logger Logger) *Validator {
	return &Validator{roles: roles, logger: logger}
}

// ValidateWorkflow checks the structure of the DAG. It returns non-blocking
// warnings (e.g. edges touching disabled nodes) and the first hard error.
func (v *Validator) ValidateWorkflow(wf *models.Workflow) ([]string, error) {
	var warnings []string

	if len(wf.Nodes) == 0 {
		return nil, models.NewError(models.ErrValidation, "workflow has no nodes")
	}

	// 1. Node ids unique and non-empty
	nodeByID := make(map[string]*models.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.ID == "" {
			return warnings, models.NewError(models.ErrValidation, "node %q has an empty id", n.Name)
		}
		if _, dup := nodeByID[n.ID]; dup {
			return warnings, models.NewError(models.ErrValidation, "duplicate node id: %s", n.ID)
		}
		nodeByID[n.ID] = n
	}

	// 2. Edge endpoints exist; disabled endpoints are flagged, not fatal
	for _, e := range wf.Edges {
		src, srcOK := nodeByID[e.SourceNodeID]
		if !srcOK {
			return warnings, models.NewError(models.ErrValidation,
				"edge %s references non-existent node: %s", e.ID, e.SourceNodeID)
		}
		tgt, tgtOK := nodeByID[e.TargetNodeID]
		if !tgtOK {
			return warnings, models.NewError(models.ErrValidation,
				"edge %s references non-existent node: %s", e.ID, e.TargetNodeID)
		}
		if e.SourceNodeID == e.TargetNodeID {
			return warnings, models.NewError(models.ErrValidation,
				"edge %s is a self-loop on node %s", e.ID, e.SourceNodeID)
		}
		if !e.IsDisabled && (src.IsDisabled || tgt.IsDisabled) {
			warnings = append(warnings,
				fmt.Sprintf("edge %s references disabled node", e.ID))
		}
	}

	// 3. No cycles over the enabled subgraph
	if found, at := hasCycle(wf); found {
		return warnings, models.NewError(models.ErrValidation,
			"workflow contains a cycle through node %s", at)
	}

	// 4. Input mappings reference ancestors and resolvable output names
	ancestors, err := ancestorSets(wf)
	if err != nil {
		return warnings, err
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		for _, m := range n.InputConfiguration.InputMappings {
			src, ok := nodeByID[m.SourceNodeID]
			if !ok {
				return warnings, models.NewError(models.ErrValidation,
					"node %s: input %q maps from non-existent node: %s",
					n.ID, m.InputName, m.SourceNodeID).WithNode(n.ID)
			}
			if !ancestors[n.ID][m.SourceNodeID] {
				// Optional mappings from non-ancestors still have no value to
				// read; requireds are unsatisfiable, which is a definition bug
				if m.IsOptional || m.DefaultValue != nil {
					warnings = append(warnings, fmt.Sprintf(
						"node %s: optional input %q maps from non-ancestor %s and will use its default",
						n.ID, m.InputName, m.SourceNodeID))
					continue
				}
				return warnings, models.NewError(models.ErrValidation,
					"node %s: input %q maps from %s, which is not an ancestor",
					n.ID, m.InputName, m.SourceNodeID).WithNode(n.ID)
			}
			if !outputNameResolvable(src, m.SourceOutputName) {
				return warnings, models.NewError(models.ErrValidation,
					"node %s: input %q maps from undeclared output %q of node %s",
					n.ID, m.InputName, m.SourceOutputName, m.SourceNodeID).WithNode(n.ID)
			}
			if err := validTransformation(m.Transformation); err != nil {
				return warnings, models.WrapError(models.ErrValidation, err,
					"node %s: input %q", n.ID, m.InputName).WithNode(n.ID)
			}
		}

		for _, om := range n.OutputConfiguration.OutputMappings {
			if om.OutputName == "" {
				return warnings, models.NewError(models.ErrValidation,
					"node %s: output mapping with empty name", n.ID).WithNode(n.ID)
			}
			if err := validTransformation(om.Transformation); err != nil {
				return warnings, models.WrapError(models.ErrValidation, err,
					"node %s: output %q", n.ID, om.OutputName).WithNode(n.ID)
			}
		}
	}

	return warnings, nil
}

// outputNameResolvable checks that name is a declared output mapping of the
// source node or one of the built-in output fields
func outputNameResolvable(src *models.Node, name string) bool {
	if models.IsBuiltinOutputField(name) {
		return true
	}
	for _, om := range src.OutputConfiguration.OutputMappings {
		if om.OutputName == name {
			return true
		}
	}
	return false
}

// Transformations are a closed set of named operators; today only the
// identity is defined. Unknown names are rejected up front.
func validTransformation(name string) error {
	switch name {
	case "", "identity":
		return nil
	default:
		return fmt.Errorf("unknown transformation: %s", name)
	}
}

// ValidateExecution checks a submission context against the workflow's
// declared inputs: every key must parse as "nodeId.inputName" and reference
// a declared user input on an existing node.
func (v *Validator) ValidateExecution(wf *models.Workflow, execCtx *models.ExecutionContext) error {
	if execCtx == nil || len(execCtx.UserInputs) == 0 {
		return nil
	}

	for key := range execCtx.UserInputs {
		nodeID, inputName, ok := strings.Cut(key, ".")
		if !ok || nodeID == "" || inputName == "" {
			return models.NewError(models.ErrValidation,
				"user input key %q is not of the form nodeId.inputName", key)
		}

		node := wf.NodeByID(nodeID)
		if node == nil {
			return models.NewError(models.ErrValidation,
				"user input %q references non-existent node: %s", key, nodeID)
		}

		declared := false
		for _, ui := range node.InputConfiguration.UserInputs {
			if ui.Name == inputName {
				declared = true
				break
			}
		}
		if !declared {
			return models.NewError(models.ErrValidation,
				"user input %q is not declared on node %s", key, nodeID).WithNode(nodeID)
		}
	}

	return nil
}

// ValidatePermissions checks execute permission: the creator, an allowed
// user, a user granted "execute" explicitly, or a carrier of an allowed role
// may run the workflow. A public workflow is readable, not executable.
func (v *Validator) ValidatePermissions(ctx context.Context, wf *models.Workflow, userID string) error {
	if userID == "" {
		return models.NewError(models.ErrPermissionDenied, "user id is required")
	}

	if wf.CreatedBy == userID {
		return nil
	}

	for _, u := range wf.Permissions.AllowedUsers {
		if u == userID {
			return nil
		}
	}

	for _, p := range wf.Permissions.UserPermissions[userID] {
		if p == "execute" {
			return nil
		}
	}

	if len(wf.Permissions.AllowedRoles) > 0 && v.roles != nil {
		roles, err := v.roles.RolesOf(ctx, userID)
		if err != nil {
			return models.WrapError(models.ErrSystem, err, "failed to resolve roles for user %s", userID)
		}
		for _, have := range roles {
			for _, want := range wf.Permissions.AllowedRoles {
				if have == want {
					return nil
				}
			}
		}
	}

	return models.NewError(models.ErrPermissionDenied,
		"user %s lacks execute permission on workflow %s", userID, wf.ID)
}
