package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chainworks/cascade/cmd/engined/container"
	"github.com/chainworks/cascade/cmd/engined/routes"
	"github.com/chainworks/cascade/common/bootstrap"
	"github.com/chainworks/cascade/common/metrics"
	"github.com/chainworks/cascade/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, Redis, logger, bus, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "engined")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engined: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, serviceContainer)
}

// requestValidator plugs go-playground/validator into echo's Validate hook
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &requestValidator{validate: validator.New()}
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	info := metrics.GetSystemInfo()

	e.GET("/health", func(c echo.Context) error {
		status := http.StatusOK
		state := "ok"
		if err := components.Health(c.Request().Context()); err != nil {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		return c.JSON(status, map[string]interface{}{
			"status":  state,
			"service": "engined",
			"system":  info,
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterWorkflowRoutes(e, serviceContainer)
}

// startServer starts the HTTP server and wires the drain order: stop taking
// requests, stop cron submissions, then let the engine finish or fail over
// its in-flight executions.
func startServer(e *echo.Echo, serviceContainer *container.Container) {
	components := serviceContainer.Components
	srv := server.New("engined", components.Config.Service.Port, e, components.Logger)

	if serviceContainer.Scheduler != nil {
		srv.OnShutdown(func(ctx context.Context) error {
			serviceContainer.Scheduler.Stop()
			return nil
		})
	}
	srv.OnShutdown(func(ctx context.Context) error {
		return serviceContainer.Engine.Shutdown(ctx)
	})
	srv.OnShutdown(func(ctx context.Context) error {
		serviceContainer.Bridge.Close()
		return nil
	})

	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
