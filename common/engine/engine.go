// Package engine is the workflow graph scheduler. It validates and admits
// executions, drives nodes through topological waves with bounded
// parallelism, routes data between nodes, and owns the lifecycle operations
// (pause, resume, cancel, retry, skip).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/chainworks/cascade/common/config"
	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/queue"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecutionStore persists workflow executions. Read-your-writes per
// execution id is assumed; the engine serializes its own writes per session.
type ExecutionStore interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Update(ctx context.Context, execution *models.WorkflowExecution) error
	UpdateStatus(ctx context.Context, id string, status models.ExecutionStatus) error
	UpdateProgress(ctx context.Context, id string, progress models.ExecutionProgress) error
	UpdateNodeExecution(ctx context.Context, id string, nodeExecution *models.NodeExecution) error
	AppendLog(ctx context.Context, id string, entry models.ExecutionLogEntry) error
	GetRunning(ctx context.Context) ([]*models.WorkflowExecution, error)
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
	GetHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// WorkflowStore resolves workflow definitions and keeps rolling counters
type WorkflowStore interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	RecordExecution(ctx context.Context, workflowID string, durationMS int64) error
}

// ProjectEngine runs one node's program and always returns a result
type ProjectEngine interface {
	ExecuteProject(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult
}

// Metrics receives engine lifecycle measurements; nil disables them
type Metrics interface {
	ExecutionStarted()
	ExecutionFinished(status models.ExecutionStatus)
	NodeFinished(status models.NodeExecutionStatus, duration time.Duration)
	ActiveSessions(count int)
}

// ExecuteRequest is a workflow submission
type ExecuteRequest struct {
	WorkflowID    string
	ExecutionName string
	UserID        string
	UserInputs    map[string]interface{}
	Options       models.ExecutionOptions
	TriggerType   models.TriggerType
}

// Engine schedules workflow executions
type Engine struct {
	executions ExecutionStore
	workflows  WorkflowStore
	projects   ProjectEngine
	validator  *graph.Validator
	cfg        config.EngineConfig
	logger     Logger

	bus     queue.Bus
	metrics Metrics

	workflowSem *semaphore.Weighted
	sessions    *xsync.MapOf[string, *session]

	// Tracks detached drivers so Shutdown can wait for them
	drivers sync.WaitGroup
}

// Opts holds the engine dependencies. Bus and Metrics are optional.
type Opts struct {
	Executions ExecutionStore
	Workflows  WorkflowStore
	Projects   ProjectEngine
	Validator  *graph.Validator
	Config     config.EngineConfig
	Logger     Logger
	Bus        queue.Bus
	Metrics    Metrics
}

// New creates the workflow execution engine
func New(opts Opts) *Engine {
	maxWorkflows := opts.Config.MaxConcurrentWorkflows
	if maxWorkflows <= 0 {
		maxWorkflows = 1
	}
	return &Engine{
		executions:  opts.Executions,
		workflows:   opts.Workflows,
		projects:    opts.Projects,
		validator:   opts.Validator,
		cfg:         opts.Config,
		logger:      opts.Logger,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		workflowSem: semaphore.NewWeighted(int64(maxWorkflows)),
		sessions:    xsync.NewMapOf[string, *session](),
	}
}

// Execute validates and admits a workflow run. The execution record is
// persisted with status Running and one Pending NodeExecution per node, a
// session is registered, and a detached driver takes over; the persisted
// record is returned immediately.
func (e *Engine) Execute(ctx context.Context, req *ExecuteRequest) (*models.WorkflowExecution, error) {
	// 1. Load and validate the workflow
	workflow, err := e.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", req.WorkflowID, err)
	}
	if workflow.Status == models.WorkflowArchived {
		return nil, models.NewError(models.ErrValidation, "workflow %s is archived", req.WorkflowID)
	}

	if _, err := e.validator.ValidateWorkflow(workflow); err != nil {
		return nil, err
	}
	if err := e.validator.ValidatePermissions(ctx, workflow, req.UserID); err != nil {
		return nil, err
	}

	// 2. Validate submission inputs against declared node inputs
	execCtx := models.ExecutionContext{UserInputs: req.UserInputs}
	if err := e.validator.ValidateExecution(workflow, &execCtx); err != nil {
		return nil, err
	}

	// 3. Persist the execution record: Running, all nodes Pending
	execution := e.newExecution(workflow, req, execCtx)
	if err := e.executions.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	// 4. Register the session and detach the driver
	s := newSession(ctx, execution, workflow)
	e.sessions.Store(s.executionID, s)
	e.reportSessions()
	if e.metrics != nil {
		e.metrics.ExecutionStarted()
	}
	e.publish(queue.Event{
		Type:        queue.ExecutionStarted,
		ExecutionID: s.executionID,
		WorkflowID:  workflow.ID.String(),
		Status:      string(models.ExecutionRunning),
	})

	e.logger.Info("execution admitted",
		"execution_id", s.executionID, "workflow_id", req.WorkflowID,
		"nodes", len(workflow.Nodes), "max_concurrent_nodes", s.options.MaxConcurrentNodes,
		"trigger", execution.TriggerType)

	e.spawnDriver(s)

	return execution, nil
}

// spawnDriver runs drive on a tracked goroutine
func (e *Engine) spawnDriver(s *session) {
	e.drivers.Add(1)
	go func() {
		defer e.drivers.Done()
		e.drive(s)
	}()
}

// newExecution builds the initial persisted record for a submission
func (e *Engine) newExecution(workflow *models.Workflow, req *ExecuteRequest, execCtx models.ExecutionContext) *models.WorkflowExecution {
	name := req.ExecutionName
	if name == "" {
		name = workflow.Name
	}
	trigger := req.TriggerType
	if trigger == "" {
		trigger = models.TriggerManual
	}

	nodeExecutions := make([]models.NodeExecution, 0, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		nodeExecutions = append(nodeExecutions, models.NodeExecution{
			NodeID:     node.ID,
			NodeName:   node.Name,
			ProgramID:  node.ProgramID,
			Status:     models.NodePending,
			MaxRetries: node.ExecutionSettings.RetryCount,
		})
	}

	execution := &models.WorkflowExecution{
		ID:               uuid.New(),
		WorkflowID:       workflow.ID,
		WorkflowVersion:  workflow.Version,
		ExecutionName:    name,
		ExecutedBy:       req.UserID,
		Status:           models.ExecutionRunning,
		TriggerType:      trigger,
		ExecutionContext: execCtx,
		Options:          e.effectiveOptions(workflow, req.Options),
		Progress: models.ExecutionProgress{
			TotalNodes:   len(workflow.Nodes),
			CurrentPhase: "Pending",
		},
		NodeExecutions: nodeExecutions,
		StartedAt:      time.Now().UTC(),
	}
	execution.AppendLog("info", "", fmt.Sprintf("execution submitted with %d nodes", len(workflow.Nodes)))
	return execution
}

// effectiveOptions resolves request overrides against workflow settings and
// engine defaults. Zero request values fall back to the workflow.
func (e *Engine) effectiveOptions(workflow *models.Workflow, requested models.ExecutionOptions) models.ExecutionOptions {
	options := requested
	if options.MaxConcurrentNodes <= 0 {
		options.MaxConcurrentNodes = workflow.Settings.MaxConcurrentNodes
	}
	if options.MaxConcurrentNodes <= 0 {
		options.MaxConcurrentNodes = e.cfg.DefaultMaxConcurrentNodes
	}
	if options.MaxConcurrentNodes <= 0 {
		options.MaxConcurrentNodes = 1
	}
	options.ContinueOnError = options.ContinueOnError || workflow.Settings.ContinueOnError
	options.RetainArtifacts = options.RetainArtifacts || workflow.Settings.RetainArtifacts
	return options
}

// publish sends a lifecycle event when a bus is wired
func (e *Engine) publish(event queue.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

func (e *Engine) reportSessions() {
	if e.metrics != nil {
		e.metrics.ActiveSessions(e.sessions.Size())
	}
}

const persistTimeout = 10 * time.Second

// persistCtx returns a context for store writes that must survive session
// cancellation (terminal states are recorded after the cancel fires).
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}
