package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/queue"
)

// Pause stops a live execution after in-flight nodes wind down; node outputs
// are preserved for Resume. Idempotent: pausing a paused execution is a no-op.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	if s, ok := e.sessions.Load(executionID); ok {
		s.interrupt(models.ExecutionPaused)
		// Make the transition visible immediately; the driver persists the
		// full record once its tasks settle.
		if err := e.executions.Pause(ctx, executionID); err != nil {
			e.logger.Debug("pause status write skipped", "execution_id", executionID, "error", err)
		}
		e.logger.Info("execution pause requested", "execution_id", executionID)
		return nil
	}

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status == models.ExecutionPaused {
		return nil
	}
	return models.NewError(models.ErrValidation,
		"cannot pause execution in status %s", execution.Status)
}

// Resume re-creates a session from persisted state and re-drives the nodes
// that have not finished. Completed node outputs are reloaded; nodes that
// were interrupted by the pause run again without consuming a retry.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	if _, ok := e.sessions.Load(executionID); ok {
		return nil
	}

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	switch execution.Status {
	case models.ExecutionRunning:
		return nil
	case models.ExecutionPaused:
	default:
		return models.NewError(models.ErrValidation,
			"cannot resume execution in status %s", execution.Status)
	}

	workflow, err := e.workflows.GetByID(ctx, execution.WorkflowID.String())
	if err != nil {
		return fmt.Errorf("failed to load workflow for resume: %w", err)
	}

	if err := e.executions.Resume(ctx, executionID); err != nil {
		return err
	}

	execution.Status = models.ExecutionRunning
	execution.CompletedAt = nil
	execution.Error = nil
	execution.Progress.CurrentPhase = "Resuming"
	execution.Options = e.effectiveOptions(workflow, execution.Options)
	prepareResume(execution)
	execution.AppendLog("info", "", "execution resumed")
	if err := e.executions.Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist resumed state: %w", err)
	}

	s := e.rehydrateSession(ctx, execution, workflow)
	e.sessions.Store(s.executionID, s)
	e.reportSessions()

	e.publish(queue.Event{
		Type:        queue.ExecutionResumed,
		ExecutionID: executionID,
		WorkflowID:  execution.WorkflowID.String(),
		Status:      string(models.ExecutionRunning),
	})
	e.logger.Info("execution resumed", "execution_id", executionID,
		"workflow_id", execution.WorkflowID)

	e.spawnDriver(s)
	return nil
}

// prepareResume reopens node records the next drive should run again:
// interrupted nodes restart fresh, failed nodes with retry budget are
// re-driven as retries, stale Running markers drop back to Pending.
func prepareResume(execution *models.WorkflowExecution) {
	for i := range execution.NodeExecutions {
		record := &execution.NodeExecutions[i]
		switch {
		case record.Status == models.NodeRunning || record.Status == models.NodeRetrying:
			record.Status = models.NodePending
			record.StartedAt = nil
		case record.Status == models.NodeFailed && record.Error != nil &&
			record.Error.ErrorType == models.ErrCancelled:
			// Interrupted by the pause, not a real failure
			record.Status = models.NodePending
			record.StartedAt = nil
			record.CompletedAt = nil
			record.Error = nil
		case record.Status == models.NodeFailed && record.RetryCount < record.MaxRetries:
			record.RetryCount++
			record.Status = models.NodeRetrying
			record.Error = nil
		}
	}
	recomputeProgress(execution)
}

// rehydrateSession rebuilds the session collections from persisted node state
func (e *Engine) rehydrateSession(ctx context.Context, execution *models.WorkflowExecution, workflow *models.Workflow) *session {
	s := newSession(ctx, execution, workflow)
	for i := range execution.NodeExecutions {
		record := &execution.NodeExecutions[i]
		switch record.Status {
		case models.NodeCompleted:
			if record.OutputData != nil {
				s.publishOutput(record.NodeID, record.OutputData, outputSizeBytes(record.OutputData))
			}
			s.completedNodes.Store(record.NodeID, struct{}{})
		case models.NodeFailed:
			s.failedNodes.Store(record.NodeID, struct{}{})
		}
	}
	return s
}

// Cancel stops an execution for good. Idempotent: cancelling a cancelled
// execution is a no-op; finished executions cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if s, ok := e.sessions.Load(executionID); ok {
		s.interrupt(models.ExecutionCancelled)
		if err := e.executions.Cancel(ctx, executionID); err != nil {
			e.logger.Debug("cancel status write skipped", "execution_id", executionID, "error", err)
		}
		e.logger.Info("execution cancel requested", "execution_id", executionID)
		return nil
	}

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	switch execution.Status {
	case models.ExecutionCancelled:
		return nil
	case models.ExecutionRunning, models.ExecutionPaused:
		// No live session: a paused run, or a record orphaned by a restart
		if err := e.executions.Cancel(ctx, executionID); err != nil {
			return err
		}
		e.publish(queue.Event{
			Type:        queue.ExecutionCancelled,
			ExecutionID: executionID,
			WorkflowID:  execution.WorkflowID.String(),
			Status:      string(models.ExecutionCancelled),
		})
		e.logger.Info("execution cancelled", "execution_id", executionID)
		return nil
	default:
		return models.NewError(models.ErrValidation,
			"cannot cancel execution in status %s", execution.Status)
	}
}

// RetryNode re-runs a failed node of a finished execution and re-finalizes.
// The rerun's output replaces the previous one.
func (e *Engine) RetryNode(ctx context.Context, executionID, nodeID string) error {
	if _, ok := e.sessions.Load(executionID); ok {
		return models.NewError(models.ErrValidation,
			"execution %s is still running", executionID)
	}

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if !execution.Status.IsTerminal() {
		return models.NewError(models.ErrValidation,
			"cannot retry a node while the execution is %s", execution.Status)
	}

	record := execution.NodeExecutionByID(nodeID)
	if record == nil {
		return models.NewError(models.ErrNotFound,
			"node %s not found in execution %s", nodeID, executionID)
	}
	if record.Status != models.NodeFailed {
		return models.NewError(models.ErrValidation,
			"node %s is %s; only failed nodes can be retried", nodeID, record.Status)
	}
	if record.RetryCount >= record.MaxRetries {
		return models.NewError(models.ErrValidation,
			"node %s has exhausted its retries (%d/%d)", nodeID, record.RetryCount, record.MaxRetries)
	}

	workflow, err := e.workflows.GetByID(ctx, execution.WorkflowID.String())
	if err != nil {
		return fmt.Errorf("failed to load workflow for retry: %w", err)
	}
	node := workflow.NodeByID(nodeID)
	if node == nil {
		return models.NewError(models.ErrNotFound,
			"node %s no longer exists in workflow %s", nodeID, execution.WorkflowID)
	}

	// Reopen the record for the rerun
	record.RetryCount++
	record.Status = models.NodeRetrying
	execution.Status = models.ExecutionRunning
	execution.CompletedAt = nil
	execution.Error = nil
	execution.Progress.CurrentPhase = "Retrying"
	execution.AppendLog("info", nodeID,
		fmt.Sprintf("retry %d/%d requested", record.RetryCount, record.MaxRetries))
	recomputeProgress(execution)
	if err := e.executions.Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist retry state: %w", err)
	}

	s := e.rehydrateSession(ctx, execution, workflow)
	s.failedNodes.Delete(nodeID)
	e.sessions.Store(s.executionID, s)
	e.reportSessions()

	e.logger.Info("node retry started", "execution_id", executionID,
		"node_id", nodeID, "attempt", record.RetryCount)

	e.drivers.Add(1)
	go func() {
		defer e.drivers.Done()
		defer func() {
			e.sessions.Delete(s.executionID)
			s.cancel()
			e.reportSessions()
		}()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("node retry panicked",
					"execution_id", executionID, "node_id", nodeID, "panic", r)
				e.failExecution(s, fmt.Sprintf("internal retry failure: %v", r))
			}
		}()
		e.executeNode(s, node)
		e.finalize(s)
	}()
	return nil
}

// SkipNode forces a node to Skipped. Running and completed nodes are not
// skippable; dependents with non-optional mappings will not be dispatched.
func (e *Engine) SkipNode(ctx context.Context, executionID, nodeID, reason string) error {
	if reason == "" {
		reason = "skipped by operator"
	}

	if s, ok := e.sessions.Load(executionID); ok {
		s.mu.Lock()
		record := s.execution.NodeExecutionByID(nodeID)
		if record == nil {
			s.mu.Unlock()
			return models.NewError(models.ErrNotFound,
				"node %s not found in execution %s", nodeID, executionID)
		}
		if record.Status == models.NodeSkipped {
			s.mu.Unlock()
			return nil
		}
		if record.Status != models.NodePending {
			status := record.Status
			s.mu.Unlock()
			return models.NewError(models.ErrValidation,
				"node %s is %s; only pending nodes can be skipped while running", nodeID, status)
		}
		s.mu.Unlock()

		e.skipNodeInSession(s, nodeID, reason)
		return nil
	}

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	record := execution.NodeExecutionByID(nodeID)
	if record == nil {
		return models.NewError(models.ErrNotFound,
			"node %s not found in execution %s", nodeID, executionID)
	}
	switch record.Status {
	case models.NodeSkipped:
		return nil
	case models.NodeRunning, models.NodeCompleted:
		return models.NewError(models.ErrValidation,
			"node %s is %s and cannot be skipped", nodeID, record.Status)
	}

	now := time.Now().UTC()
	record.Status = models.NodeSkipped
	record.WasSkipped = true
	record.SkipReason = reason
	record.CompletedAt = &now
	recomputeProgress(execution)

	if err := e.executions.UpdateNodeExecution(ctx, executionID, record); err != nil {
		return fmt.Errorf("failed to persist skipped node: %w", err)
	}
	if err := e.executions.UpdateProgress(ctx, executionID, execution.Progress); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	e.publish(queue.Event{
		Type:        queue.NodeSkipped,
		ExecutionID: executionID,
		WorkflowID:  execution.WorkflowID.String(),
		NodeID:      nodeID,
		Status:      string(models.NodeSkipped),
	})
	return nil
}

// GetExecution returns the persisted execution record
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.executions.GetByID(ctx, executionID)
}

// GetStatistics aggregates per-node timings for one execution
func (e *Engine) GetStatistics(ctx context.Context, executionID string) (*models.ExecutionStatistics, error) {
	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	stats := &models.ExecutionStatistics{}
	end := time.Now().UTC()
	if execution.CompletedAt != nil {
		end = *execution.CompletedAt
	}
	stats.TotalExecutionTimeMS = end.Sub(execution.StartedAt).Milliseconds()

	var timed int
	var totalMS int64
	var slowest, fastest int64
	for i := range execution.NodeExecutions {
		record := &execution.NodeExecutions[i]
		stats.TotalRetries += record.RetryCount
		switch record.Status {
		case models.NodeCompleted:
			stats.CompletedNodes++
		case models.NodeFailed:
			stats.FailedNodes++
		case models.NodeSkipped:
			stats.SkippedNodes++
		}
		if record.DurationMS <= 0 {
			continue
		}
		timed++
		totalMS += record.DurationMS
		if stats.SlowestNodeID == "" || record.DurationMS > slowest {
			slowest = record.DurationMS
			stats.SlowestNodeID = record.NodeID
		}
		if stats.FastestNodeID == "" || record.DurationMS < fastest {
			fastest = record.DurationMS
			stats.FastestNodeID = record.NodeID
		}
	}
	if timed > 0 {
		stats.AverageNodeExecutionMS = float64(totalMS) / float64(timed)
	}
	return stats, nil
}

// GetLogs returns a slice of the append-only execution log. take <= 0 means
// everything after skip.
func (e *Engine) GetLogs(ctx context.Context, executionID string, skip, take int) ([]models.ExecutionLogEntry, error) {
	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	logs := execution.Logs
	if skip < 0 {
		skip = 0
	}
	if skip >= len(logs) {
		return []models.ExecutionLogEntry{}, nil
	}
	end := len(logs)
	if take > 0 && skip+take < end {
		end = skip + take
	}
	return logs[skip:end], nil
}

// IsComplete reports whether the execution reached a terminal status
func (e *Engine) IsComplete(ctx context.Context, executionID string) (bool, error) {
	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return false, err
	}
	return execution.Status.IsTerminal(), nil
}

// GetActiveExecutions returns executions that are running or paused
func (e *Engine) GetActiveExecutions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	return e.executions.GetRunning(ctx)
}

// GetHistory returns recent executions of a workflow, newest first
func (e *Engine) GetHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	return e.executions.GetHistory(ctx, workflowID, limit)
}

// Cleanup removes the session of a terminal execution from the registry.
// The driver normally does this itself; Cleanup covers operator-forced
// removal after store-level transitions.
func (e *Engine) Cleanup(ctx context.Context, executionID string) error {
	s, ok := e.sessions.Load(executionID)
	if !ok {
		return nil
	}
	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if !execution.Status.IsTerminal() {
		return models.NewError(models.ErrValidation,
			"execution %s is still %s", executionID, execution.Status)
	}
	s.cancel()
	e.sessions.Delete(executionID)
	e.reportSessions()
	return nil
}

// Shutdown pauses every live session and waits for their drivers to settle,
// so a restarted service can resume them from the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.sessions.Range(func(id string, s *session) bool {
		s.interrupt(models.ExecutionPaused)
		return true
	})

	done := make(chan struct{})
	go func() {
		e.drivers.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine shut down cleanly")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timed out: %w", ctx.Err())
	}
}
