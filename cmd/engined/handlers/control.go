package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/common/bootstrap"
	"github.com/chainworks/cascade/common/engine"
	"github.com/chainworks/cascade/common/middleware"
)

// ControlHandler handles execution lifecycle requests
type ControlHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
}

// NewControlHandler creates a new lifecycle handler
func NewControlHandler(c *container.Container) *ControlHandler {
	return &ControlHandler{
		components: c.Components,
		engine:     c.Engine,
	}
}

// Pause suspends scheduling of new nodes
// POST /api/v1/executions/:id/pause
func (h *ControlHandler) Pause(c echo.Context) error {
	return h.lifecycle(c, "pause", h.engine.Pause)
}

// Resume continues a paused execution
// POST /api/v1/executions/:id/resume
func (h *ControlHandler) Resume(c echo.Context) error {
	return h.lifecycle(c, "resume", h.engine.Resume)
}

// Cancel stops an execution and interrupts running nodes
// POST /api/v1/executions/:id/cancel
func (h *ControlHandler) Cancel(c echo.Context) error {
	return h.lifecycle(c, "cancel", h.engine.Cancel)
}

// lifecycle runs one id-addressed engine operation and reports the new state
func (h *ControlHandler) lifecycle(c echo.Context, action string, op func(ctx context.Context, executionID string) error) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	h.components.Logger.Info("execution lifecycle request",
		"execution_id", executionID,
		"action", action,
		"user_id", userID)

	if err := op(ctx, executionID); err != nil {
		h.components.Logger.Error("lifecycle operation failed",
			"execution_id", executionID, "action", action, "error", err)
		return respondError(c, err)
	}

	execution, err := h.engine.GetExecution(ctx, executionID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":     executionID,
		"action": action,
		"status": execution.Status,
	})
}

// RetryNode re-runs a failed node in a completed-with-errors execution
// POST /api/v1/executions/:id/nodes/:nodeId/retry
func (h *ControlHandler) RetryNode(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")
	nodeID := c.Param("nodeId")

	if executionID == "" || nodeID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id and nodeId are required",
		})
	}

	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	h.components.Logger.Info("retrying node",
		"execution_id", executionID,
		"node_id", nodeID,
		"user_id", userID)

	if err := h.engine.RetryNode(ctx, executionID, nodeID); err != nil {
		h.components.Logger.Error("node retry failed",
			"execution_id", executionID, "node_id", nodeID, "error", err)
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": executionID,
		"node_id":      nodeID,
		"action":       "retry",
	})
}

// SkipNode marks a node skipped so dependents can proceed without its output
// POST /api/v1/executions/:id/nodes/:nodeId/skip
func (h *ControlHandler) SkipNode(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")
	nodeID := c.Param("nodeId")

	if executionID == "" || nodeID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id and nodeId are required",
		})
	}

	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	h.components.Logger.Info("skipping node",
		"execution_id", executionID,
		"node_id", nodeID,
		"user_id", userID,
		"reason", req.Reason)

	if err := h.engine.SkipNode(ctx, executionID, nodeID, req.Reason); err != nil {
		h.components.Logger.Error("node skip failed",
			"execution_id", executionID, "node_id", nodeID, "error", err)
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"node_id":      nodeID,
		"action":       "skip",
		"reason":       req.Reason,
	})
}
