package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/cmd/engined/handlers"
	"github.com/chainworks/cascade/common/middleware"
)

// RegisterWorkflowRoutes registers workflow definition routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c)

	// Workflow routes with user id extraction middleware
	workflows := e.Group("/api/v1/workflows")
	workflows.Use(middleware.ExtractUserID()) // Extract X-User-ID into context
	{
		workflows.POST("", h.Register) // POST /api/v1/workflows
		workflows.GET("/:id", h.Get)   // GET /api/v1/workflows/{workflow_id}
	}
}
