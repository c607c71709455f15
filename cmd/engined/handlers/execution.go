package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/common/bootstrap"
	"github.com/chainworks/cascade/common/cache"
	"github.com/chainworks/cascade/common/engine"
	"github.com/chainworks/cascade/common/middleware"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/ratelimit"
)

// defaultLogTake bounds log slices when the query leaves take unset
const defaultLogTake = 100

// ExecutionHandler handles HTTP requests for workflow executions
type ExecutionHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
	snapshots  *cache.WorkflowSnapshots
	limiter    *ratelimit.RateLimiter
}

// NewExecutionHandler creates a new execution handler. A nil limiter disables
// the tiered submission check.
func NewExecutionHandler(c *container.Container, limiter *ratelimit.RateLimiter) *ExecutionHandler {
	return &ExecutionHandler{
		components: c.Components,
		engine:     c.Engine,
		snapshots:  c.Snapshots,
		limiter:    limiter,
	}
}

// Submit admits a new workflow execution
// POST /api/v1/executions
func (h *ExecutionHandler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	// Extract user id from context (set by middleware)
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		WorkflowID    string                  `json:"workflow_id" validate:"required,uuid"`
		ExecutionName string                  `json:"execution_name"`
		UserInputs    map[string]interface{}  `json:"user_inputs"`
		Options       models.ExecutionOptions `json:"options"`
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

	// Tiered limit: heavier graphs get a smaller submission budget. The
	// check fails open when the definition cannot be loaded; Execute
	// surfaces the real error.
	if h.limiter != nil {
		if workflow, err := h.snapshots.Get(ctx, req.WorkflowID); err == nil {
			profile := ratelimit.InspectWorkflow(workflow)
			result, err := h.limiter.CheckTieredLimit(ctx, userID, profile.Tier)
			if err == nil && !result.Allowed {
				if result.RetryAfterSeconds > 0 {
					c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error": "workflow_rate_limit_exceeded",
					"details": map[string]interface{}{
						"tier":                string(profile.Tier),
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}
		}
	}

	// Service-to-service submissions are recorded as API-triggered
	trigger := models.TriggerManual
	if middleware.IsInternalRequest(c) {
		trigger = models.TriggerAPI
	}

	h.components.Logger.Info("submitting workflow execution",
		"workflow_id", req.WorkflowID,
		"user_id", userID,
		"execution_name", req.ExecutionName)

	execution, err := h.engine.Execute(ctx, &engine.ExecuteRequest{
		WorkflowID:    req.WorkflowID,
		ExecutionName: req.ExecutionName,
		UserID:        userID,
		UserInputs:    req.UserInputs,
		Options:       req.Options,
		TriggerType:   trigger,
	})
	if err != nil {
		h.components.Logger.Error("failed to submit execution",
			"workflow_id", req.WorkflowID, "error", err)
		return respondError(c, err)
	}

	h.components.Logger.Info("execution admitted",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"total_nodes", execution.Progress.TotalNodes)

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":             execution.ID,
		"workflow_id":    execution.WorkflowID,
		"execution_name": execution.ExecutionName,
		"status":         execution.Status,
		"trigger_type":   execution.TriggerType,
		"progress":       execution.Progress,
		"started_at":     execution.StartedAt,
	})
}

// Get returns an execution record
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	execution, err := h.engine.GetExecution(ctx, executionID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution": execution,
	})
}

// GetStatistics returns aggregate timings for an execution
// GET /api/v1/executions/:id/statistics
func (h *ExecutionHandler) GetStatistics(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	stats, err := h.engine.GetStatistics(ctx, executionID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"statistics":   stats,
	})
}

// GetLogs returns a slice of the execution log
// GET /api/v1/executions/:id/logs?skip&take
func (h *ExecutionHandler) GetLogs(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "id is required",
		})
	}

	skip := queryInt(c, "skip", 0)
	take := queryInt(c, "take", defaultLogTake)

	logs, err := h.engine.GetLogs(ctx, executionID, skip, take)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"skip":         skip,
		"take":         take,
		"logs":         logs,
		"count":        len(logs),
	})
}

// List returns recent executions of a workflow
// GET /api/v1/executions?workflowId=&limit=
func (h *ExecutionHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	workflowID := c.QueryParam("workflowId")
	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "workflowId query parameter is required",
		})
	}
	limit := queryInt(c, "limit", 0)

	executions, err := h.engine.GetHistory(ctx, workflowID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id": workflowID,
		"executions":  executions,
		"count":       len(executions),
	})
}

// Active returns all Running or Paused executions
// GET /api/v1/executions/active
func (h *ExecutionHandler) Active(c echo.Context) error {
	ctx := c.Request().Context()

	executions, err := h.engine.GetActiveExecutions(ctx)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// queryInt parses an integer query parameter, falling back on absence or junk
func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
