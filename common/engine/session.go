package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/queue"
)

// session is the live state of one workflow execution. The driver goroutine
// owns the execution record; node goroutines mutate it only under mu.
// nodeOutputs, completedNodes and failedNodes are concurrent so control
// operations can read them without the session lock.
type session struct {
	executionID string
	workflow    *models.Workflow
	execution   *models.WorkflowExecution
	options     models.ExecutionOptions

	nodeOutputs    *xsync.MapOf[string, *models.WorkflowDataContract]
	completedNodes *xsync.MapOf[string, struct{}]
	failedNodes    *xsync.MapOf[string, struct{}]

	ctx     context.Context
	cancel  context.CancelFunc
	nodeSem *semaphore.Weighted

	// Guards execution record mutation and persistence ordering
	mu sync.Mutex

	// First interrupt disposition wins: Paused or Cancelled
	stopMu     sync.Mutex
	stopStatus models.ExecutionStatus
}

// newSession builds a session around a persisted execution. The session
// context detaches from the caller's lifetime but keeps its values.
func newSession(parent context.Context, execution *models.WorkflowExecution, workflow *models.Workflow) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	options := execution.Options
	if options.MaxConcurrentNodes <= 0 {
		options.MaxConcurrentNodes = 1
	}

	return &session{
		executionID:    execution.ID.String(),
		workflow:       workflow,
		execution:      execution,
		options:        options,
		nodeOutputs:    xsync.NewMapOf[string, *models.WorkflowDataContract](),
		completedNodes: xsync.NewMapOf[string, struct{}](),
		failedNodes:    xsync.NewMapOf[string, struct{}](),
		ctx:            ctx,
		cancel:         cancel,
		nodeSem:        semaphore.NewWeighted(int64(options.MaxConcurrentNodes)),
	}
}

// interrupt cancels the session and records the requested disposition.
// The first disposition sticks; repeated interrupts are no-ops.
func (s *session) interrupt(status models.ExecutionStatus) {
	s.stopMu.Lock()
	if s.stopStatus == "" {
		s.stopStatus = status
	}
	s.stopMu.Unlock()
	s.cancel()
}

func (s *session) interrupted() models.ExecutionStatus {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopStatus
}

// publishOutput records a node's assembled output as the inter-node contract
func (s *session) publishOutput(nodeID string, data map[string]interface{}, sizeBytes int) {
	s.nodeOutputs.Store(nodeID, models.NewDataContract(nodeID, data, sizeBytes))
}

// drive runs the graph to completion on a detached goroutine. It owns
// session teardown: the registry entry is removed whatever the outcome.
func (e *Engine) drive(s *session) {
	defer func() {
		e.sessions.Delete(s.executionID)
		s.cancel()
		e.reportSessions()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow driver panicked",
				"execution_id", s.executionID, "panic", r)
			e.failExecution(s, fmt.Sprintf("internal driver failure: %v", r))
		}
	}()

	// Admission against the process-wide workflow capacity; an interrupt
	// while queued finalizes without running anything.
	if err := e.workflowSem.Acquire(s.ctx, 1); err != nil {
		e.finalize(s)
		return
	}
	defer e.workflowSem.Release(1)

	e.runGraph(s)
	e.finalize(s)
}

// runGraph drives the topological waves. A wave dispatches every node whose
// predecessors are terminal; the driver joins the wave before the next one,
// so upstream outputs are always published before dependents compose inputs.
func (e *Engine) runGraph(s *session) {
	waves, err := graph.Waves(s.workflow)
	if err != nil {
		// Structure was validated at submission; a cycle here means the
		// definition changed underneath us.
		e.failExecution(s, fmt.Sprintf("workflow is no longer schedulable: %v", err))
		return
	}
	e.setPhase(s, "Analyzing dependencies")
	deps := graph.DependencyGraph(s.workflow)
	e.setPhase(s, "Running")

	for _, wave := range waves {
		if s.ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, nodeID := range wave {
			if s.ctx.Err() != nil {
				break
			}

			node := s.workflow.NodeByID(nodeID)
			record := s.execution.NodeExecutionByID(nodeID)
			if node == nil || record == nil {
				continue
			}
			if record.Status.IsTerminal() {
				// Resume path: already finished in a previous drive
				continue
			}
			if node.IsDisabled {
				e.skipNodeInSession(s, nodeID, "Node is disabled")
				continue
			}
			if reason := e.unsatisfiedDependency(s, node, deps[nodeID]); reason != "" {
				e.skipNodeInSession(s, nodeID, reason)
				continue
			}

			wg.Add(1)
			go func(n *models.Node) {
				defer wg.Done()
				e.runNode(s, n)
			}(node)
		}
		wg.Wait()
	}
}

// unsatisfiedDependency reports why node cannot be dispatched, or "" when
// every incoming dependency is satisfied. A dependency is satisfied when the
// source completed or the target's matching input mapping is optional.
func (e *Engine) unsatisfiedDependency(s *session, node *models.Node, sources []string) string {
	for _, sourceID := range sources {
		source := s.execution.NodeExecutionByID(sourceID)
		if source == nil {
			continue
		}
		if source.Status == models.NodeCompleted {
			continue
		}
		if mapping := node.MappingFor(sourceID); mapping != nil && mapping.IsOptional {
			continue
		}
		switch source.Status {
		case models.NodeFailed:
			return fmt.Sprintf("dependency %s failed", sourceID)
		case models.NodeSkipped:
			return fmt.Sprintf("dependency %s skipped", sourceID)
		default:
			return fmt.Sprintf("dependency %s not satisfied", sourceID)
		}
	}
	return ""
}

// finalize settles the execution record after the driver's tasks complete.
// Pause keeps the record non-terminal; everything else is terminal.
func (e *Engine) finalize(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution := s.execution
	if execution.Status.IsTerminal() {
		return
	}

	now := time.Now().UTC()
	failed := s.failedNodes.Size()

	switch {
	case s.interrupted() == models.ExecutionPaused:
		execution.Status = models.ExecutionPaused
		execution.Progress.CurrentPhase = "Paused"
		execution.AppendLog("info", "", "execution paused")
	case s.interrupted() == models.ExecutionCancelled:
		execution.Status = models.ExecutionCancelled
		execution.Progress.CurrentPhase = "Cancelled"
		execution.CompletedAt = &now
		execution.AppendLog("info", "", "execution cancelled")
	case failed > 0 && !s.options.ContinueOnError:
		execution.Status = models.ExecutionFailed
		execution.Progress.CurrentPhase = "Failed"
		execution.CompletedAt = &now
		summary := e.failureSummary(s)
		execution.Error = &models.NodeExecutionError{
			ErrorType: models.ErrExecution,
			Message:   summary,
			Timestamp: now,
		}
		execution.AppendLog("error", "", summary)
	default:
		execution.Status = models.ExecutionCompleted
		execution.Progress.CurrentPhase = "Completed"
		execution.CompletedAt = &now
		execution.Results = e.buildResults(s)
		execution.AppendLog("info", "", execution.Results.Summary)
	}

	e.refreshProgressLocked(s)

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.executions.Update(ctx, execution); err != nil {
		e.logger.Error("failed to persist finalized execution",
			"execution_id", s.executionID, "status", execution.Status, "error", err)
	}

	if execution.Status.IsTerminal() {
		duration := now.Sub(execution.StartedAt).Milliseconds()
		if err := e.workflows.RecordExecution(ctx, execution.WorkflowID.String(), duration); err != nil {
			e.logger.Warn("failed to record workflow counters",
				"workflow_id", execution.WorkflowID, "error", err)
		}
	}

	e.logger.Info("execution finalized",
		"execution_id", s.executionID, "status", execution.Status,
		"completed", execution.Progress.CompletedNodes,
		"failed", execution.Progress.FailedNodes,
		"skipped", execution.Progress.SkippedNodes)

	if e.metrics != nil {
		e.metrics.ExecutionFinished(execution.Status)
	}
	e.publish(queue.Event{
		Type:        finalEventType(execution.Status),
		ExecutionID: s.executionID,
		WorkflowID:  execution.WorkflowID.String(),
		Status:      string(execution.Status),
		Error:       finalEventError(execution),
	})
}

func finalEventType(status models.ExecutionStatus) queue.EventType {
	switch status {
	case models.ExecutionPaused:
		return queue.ExecutionPaused
	case models.ExecutionCancelled:
		return queue.ExecutionCancelled
	default:
		return queue.ExecutionFinished
	}
}

func finalEventError(execution *models.WorkflowExecution) string {
	if execution.Error == nil {
		return ""
	}
	return execution.Error.Message
}

// buildResults assembles finalOutputs and intermediate results from the
// session's output table
func (e *Engine) buildResults(s *session) *models.ExecutionResults {
	finalOutputs := make(map[string]map[string]interface{}, s.nodeOutputs.Size())
	intermediate := make(map[string]map[string]interface{}, s.nodeOutputs.Size())
	s.nodeOutputs.Range(func(nodeID string, contract *models.WorkflowDataContract) bool {
		finalOutputs[nodeID] = contract.Data
		intermediate[nodeID] = contract.Data
		return true
	})

	progress := s.execution.Progress
	summary := fmt.Sprintf("%d of %d nodes completed", progress.CompletedNodes, progress.TotalNodes)
	if progress.FailedNodes > 0 {
		summary += fmt.Sprintf(", %d failed", progress.FailedNodes)
	}
	if progress.SkippedNodes > 0 {
		summary += fmt.Sprintf(", %d skipped", progress.SkippedNodes)
	}

	return &models.ExecutionResults{
		FinalOutputs:        finalOutputs,
		IntermediateResults: intermediate,
		Summary:             summary,
	}
}

func (e *Engine) failureSummary(s *session) string {
	var failedIDs []string
	s.failedNodes.Range(func(nodeID string, _ struct{}) bool {
		failedIDs = append(failedIDs, nodeID)
		return true
	})
	return fmt.Sprintf("%d node(s) failed: %s", len(failedIDs), strings.Join(failedIDs, ", "))
}

// failExecution records a driver-level failure (not a node failure)
func (e *Engine) failExecution(s *session, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution := s.execution
	if execution.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	execution.Status = models.ExecutionFailed
	execution.Progress.CurrentPhase = "Failed"
	execution.CompletedAt = &now
	execution.Error = &models.NodeExecutionError{
		ErrorType: models.ErrSystem,
		Message:   message,
		Timestamp: now,
	}
	execution.AppendLog("error", "", message)

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.executions.Update(ctx, execution); err != nil {
		e.logger.Error("failed to persist failed execution",
			"execution_id", s.executionID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ExecutionFinished(models.ExecutionFailed)
	}
	e.publish(queue.Event{
		Type:        queue.ExecutionFinished,
		ExecutionID: s.executionID,
		WorkflowID:  execution.WorkflowID.String(),
		Status:      string(models.ExecutionFailed),
		Error:       message,
	})
}

// setPhase updates and persists the progress phase
func (e *Engine) setPhase(s *session, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execution.Progress.CurrentPhase = phase
	e.persistProgressLocked(s)
}

// refreshProgressLocked recomputes and persists progress. Caller holds mu.
func (e *Engine) refreshProgressLocked(s *session) {
	recomputeProgress(s.execution)
	e.persistProgressLocked(s)
}

// recomputeProgress rebuilds the progress counters from node statuses.
// Counters only grow because node statuses only move forward.
func recomputeProgress(execution *models.WorkflowExecution) {
	var completed, failedCount, running, skipped int
	for i := range execution.NodeExecutions {
		switch execution.NodeExecutions[i].Status {
		case models.NodeCompleted:
			completed++
		case models.NodeFailed:
			failedCount++
		case models.NodeRunning, models.NodeRetrying:
			running++
		case models.NodeSkipped:
			skipped++
		}
	}

	progress := &execution.Progress
	progress.CompletedNodes = completed
	progress.FailedNodes = failedCount
	progress.RunningNodes = running
	progress.SkippedNodes = skipped
	if progress.TotalNodes > 0 {
		progress.PercentComplete = 100 * float64(completed) / float64(progress.TotalNodes)
	}
}

func (e *Engine) persistProgressLocked(s *session) {
	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.executions.UpdateProgress(ctx, s.executionID, s.execution.Progress); err != nil {
		e.logger.Error("failed to persist progress",
			"execution_id", s.executionID, "error", err)
	}
}

// persistNodeLocked writes one node execution record. Caller holds mu.
func (e *Engine) persistNodeLocked(s *session, record *models.NodeExecution) {
	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.executions.UpdateNodeExecution(ctx, s.executionID, record); err != nil {
		e.logger.Error("failed to persist node execution",
			"execution_id", s.executionID, "node_id", record.NodeID, "error", err)
	}
}

// appendLogLocked records a log line in memory and in the store. Caller holds mu.
func (e *Engine) appendLogLocked(s *session, level, nodeID, message string) {
	s.execution.AppendLog(level, nodeID, message)
	entry := s.execution.Logs[len(s.execution.Logs)-1]

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.executions.AppendLog(ctx, s.executionID, entry); err != nil {
		e.logger.Warn("failed to persist log entry", "execution_id", s.executionID, "error", err)
	}
}
