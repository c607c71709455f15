package container

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chainworks/cascade/common/bootstrap"
	"github.com/chainworks/cascade/common/cache"
	"github.com/chainworks/cascade/common/contract"
	"github.com/chainworks/cascade/common/engine"
	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/logger"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/process"
	"github.com/chainworks/cascade/common/project"
	"github.com/chainworks/cascade/common/queue"
	"github.com/chainworks/cascade/common/ratelimit"
	"github.com/chainworks/cascade/common/repository"
	"github.com/chainworks/cascade/common/runners"
	"github.com/chainworks/cascade/common/scheduler"
	"github.com/chainworks/cascade/common/storage"
	"github.com/chainworks/cascade/common/stream"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	ExecutionRepo *repository.ExecutionRepository
	WorkflowRepo  *repository.WorkflowRepository

	// Services
	Snapshots   *cache.WorkflowSnapshots
	Validator   *graph.Validator
	Files       storage.FileStore
	Broker      *stream.Broker
	Projects    *project.Engine
	Engine      *engine.Engine
	Bridge      *queue.StreamBridge
	RateLimiter *ratelimit.RateLimiter
	Scheduler   *scheduler.Scheduler
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	executionRepo := repository.NewExecutionRepository(components.DB)
	workflowRepo := repository.NewWorkflowRepository(components.DB)

	// Read-through snapshot cache in front of the workflow table; the
	// submission path goes through it, counter updates bypass it
	snapshots := cache.NewWorkflowSnapshots(
		components.Cache, workflowRepo.GetByID, cache.DefaultSnapshotTTL, log)
	workflows := &workflowStore{snapshots: snapshots, repo: workflowRepo}

	// Role lookups are out of scope for this service; permission checks
	// run against the definition's allowed users only
	validator := graph.NewValidator(nil, log)

	// Program files come from Redis unless an external file service is configured
	var files storage.FileStore
	if cfg.Features.EnableHTTPStorage {
		files = storage.NewHTTPFileStore(
			getEnv("FILE_SERVICE_URL", "http://localhost:8081"), 30*time.Second, log)
	} else {
		files = storage.NewRedisFileStore(components.Redis, log)
	}

	// Live output fanout: in-process broker plus the Redis publisher for
	// external consumers. Disabled means capture-only.
	var broker *stream.Broker
	var sink process.Sink
	if cfg.Features.EnableLiveOutput {
		broker = stream.NewBroker(0, log)
		sink = stream.Tee{broker, stream.NewRedisSink(components.Redis, log)}
	}

	// Initialize the project runner stack (bottom-up: dependencies first)
	proc := process.NewRunner(process.RunnerOpts{
		MaxOutputBytes: cfg.Engine.MaxOutputBytes,
		KillGrace:      cfg.Engine.KillGracePeriod,
		Sink:           sink,
		Logger:         log,
	})

	registry := runners.NewRegistry(log)
	registry.Register(runners.NewPythonRunner(proc, log))
	registry.Register(runners.NewNodeRunner(proc, log))
	registry.Register(runners.NewJavaRunner(proc, log))
	registry.Register(runners.NewDotNetRunner(proc, log))

	projects := project.NewEngine(project.EngineOpts{
		Files:    files,
		Registry: registry,
		Mapper:   contract.NewMapper(log),
		Config:   cfg.Engine,
		Logger:   log,
	})

	// Engine metrics are optional; bootstrap only builds telemetry when an
	// observability endpoint is enabled
	var metrics engine.Metrics
	if components.Telemetry != nil {
		metrics = components.Telemetry.Engine
	}

	eng := engine.New(engine.Opts{
		Executions: executionRepo,
		Workflows:  workflows,
		Projects:   projects,
		Validator:  validator,
		Config:     cfg.Engine,
		Logger:     log,
		Bus:        components.Bus,
		Metrics:    metrics,
	})

	// Mirror lifecycle events into a Redis stream for external consumers
	bridge := queue.NewStreamBridge(components.Bus, components.Redis, log)

	rateLimiter := ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)

	var sched *scheduler.Scheduler
	if cfg.Features.EnableScheduler {
		var err error
		sched, err = buildScheduler(cfg.Scheduler.Entries, eng, log)
		if err != nil {
			return nil, err
		}
	}

	return &Container{
		Components:    components,
		ExecutionRepo: executionRepo,
		WorkflowRepo:  workflowRepo,
		Snapshots:     snapshots,
		Validator:     validator,
		Files:         files,
		Broker:        broker,
		Projects:      projects,
		Engine:        eng,
		Bridge:        bridge,
		RateLimiter:   rateLimiter,
		Scheduler:     sched,
	}, nil
}

// buildScheduler registers the configured cron entries and starts the scheduler
func buildScheduler(raw string, submitter scheduler.Submitter, log *logger.Logger) (*scheduler.Scheduler, error) {
	entries, err := scheduler.ParseEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduler entries: %w", err)
	}

	sched := scheduler.New(submitter, log)
	for _, entry := range entries {
		if _, err := sched.Add(entry.Spec, entry.WorkflowID, entry.UserID); err != nil {
			return nil, fmt.Errorf("failed to register schedule %q: %w", entry.Spec, err)
		}
	}
	sched.Start()

	return sched, nil
}

// workflowStore serves engine reads through the snapshot cache while counter
// updates go straight to Postgres
type workflowStore struct {
	snapshots *cache.WorkflowSnapshots
	repo      *repository.WorkflowRepository
}

func (s *workflowStore) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	return s.snapshots.Get(ctx, id)
}

func (s *workflowStore) RecordExecution(ctx context.Context, workflowID string, durationMS int64) error {
	return s.repo.RecordExecution(ctx, workflowID, durationMS)
}

// getEnv gets an environment variable or returns a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
