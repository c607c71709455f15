package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/cmd/engined/handlers"
	"github.com/chainworks/cascade/common/middleware"
	"github.com/chainworks/cascade/common/ratelimit"
)

// RegisterExecutionRoutes registers all execution-related routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	var limiter *ratelimit.RateLimiter
	if c.Components.Config.Features.EnableRateLimits {
		limiter = c.RateLimiter
	}

	h := handlers.NewExecutionHandler(c, limiter)
	control := handlers.NewControlHandler(c)

	// Submissions carry the global and per-user fixed-window limits; the
	// tier-aware check runs inside the handler once the graph is known
	var submitLimits []echo.MiddlewareFunc
	if limiter != nil {
		submitLimits = append(submitLimits,
			middleware.GlobalRateLimitMiddleware(limiter, ratelimit.DefaultGlobalConfig.Limit),
			middleware.UserRateLimitMiddleware(limiter, ratelimit.DefaultUserLimit),
		)
	}

	// Execution routes with user id extraction middleware
	executions := e.Group("/api/v1/executions")
	executions.Use(middleware.ExtractUserID()) // Extract X-User-ID into context
	{
		executions.POST("", h.Submit, submitLimits...)                 // POST /api/v1/executions
		executions.GET("", h.List)                                     // GET /api/v1/executions?workflowId=&limit=
		executions.GET("/active", h.Active)                            // GET /api/v1/executions/active
		executions.GET("/:id", h.Get)                                  // GET /api/v1/executions/{execution_id}
		executions.GET("/:id/statistics", h.GetStatistics)             // GET /api/v1/executions/{execution_id}/statistics
		executions.GET("/:id/logs", h.GetLogs)                         // GET /api/v1/executions/{execution_id}/logs?skip&take
		executions.POST("/:id/pause", control.Pause)                   // POST /api/v1/executions/{execution_id}/pause
		executions.POST("/:id/resume", control.Resume)                 // POST /api/v1/executions/{execution_id}/resume
		executions.POST("/:id/cancel", control.Cancel)                 // POST /api/v1/executions/{execution_id}/cancel
		executions.POST("/:id/nodes/:nodeId/retry", control.RetryNode) // POST /api/v1/executions/{execution_id}/nodes/{node_id}/retry
		executions.POST("/:id/nodes/:nodeId/skip", control.SkipNode)   // POST /api/v1/executions/{execution_id}/nodes/{node_id}/skip
	}
}
