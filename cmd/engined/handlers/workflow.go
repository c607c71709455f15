package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/common/bootstrap"
	"github.com/chainworks/cascade/common/cache"
	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/middleware"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/repository"
)

// WorkflowHandler handles workflow definition requests. Registration is the
// only write; authoring and versioning live elsewhere.
type WorkflowHandler struct {
	components *bootstrap.Components
	repo       *repository.WorkflowRepository
	snapshots  *cache.WorkflowSnapshots
	validator  *graph.Validator
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{
		components: c.Components,
		repo:       c.WorkflowRepo,
		snapshots:  c.Snapshots,
		validator:  c.Validator,
	}
}

// Register stores a structurally valid workflow definition
// POST /api/v1/workflows
func (h *WorkflowHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Name        string                     `json:"name" validate:"required"`
		Settings    models.WorkflowSettings    `json:"settings"`
		Permissions models.WorkflowPermissions `json:"permissions"`
		Nodes       []models.Node              `json:"nodes" validate:"required,min=1"`
		Edges       []models.Edge              `json:"edges"`
		Tags        []string                   `json:"tags"`
	}

	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.New(),
		Name:        req.Name,
		Version:     1,
		Status:      models.WorkflowActive,
		Settings:    req.Settings,
		Permissions: req.Permissions,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Tags:        req.Tags,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Reject structurally broken definitions before they reach the table
	warnings, err := h.validator.ValidateWorkflow(workflow)
	if err != nil {
		h.components.Logger.Warn("workflow registration rejected",
			"name", req.Name, "user_id", userID, "error", err)
		return respondError(c, err)
	}

	if err := h.repo.Create(ctx, workflow); err != nil {
		h.components.Logger.Error("failed to store workflow",
			"name", req.Name, "error", err)
		return respondError(c, err)
	}

	h.components.Logger.Info("workflow registered",
		"workflow_id", workflow.ID,
		"name", workflow.Name,
		"nodes", len(workflow.Nodes),
		"edges", len(workflow.Edges),
		"created_by", userID)

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":       workflow.ID,
		"name":     workflow.Name,
		"version":  workflow.Version,
		"status":   workflow.Status,
		"warnings": warnings,
	})
}

// Get returns a workflow definition through the snapshot cache
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("id")

	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	workflow, err := h.snapshots.Get(ctx, workflowID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow": workflow,
	})
}
