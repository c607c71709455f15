package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/queue"
)

// Persisted node error messages are bounded; full output lives in outputData
const nodeErrorMessageLimit = 4096

// runNode is the per-node task dispatched by the driver. It serializes on
// the session's node semaphore and never lets a failure escape the goroutine.
func (e *Engine) runNode(s *session, node *models.Node) {
	if err := s.nodeSem.Acquire(s.ctx, 1); err != nil {
		// Interrupted while waiting for a slot
		e.recordNodeInterrupted(s, node.ID)
		return
	}
	defer s.nodeSem.Release(1)

	if s.ctx.Err() != nil {
		e.recordNodeInterrupted(s, node.ID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node task panicked",
				"execution_id", s.executionID, "node_id", node.ID, "panic", r)
			e.recordNodeFailure(s, node, models.ErrSystem,
				fmt.Sprintf("internal failure: %v", r), nil, nil)
		}
	}()

	e.executeNode(s, node)
}

// executeNode runs one node end to end: mark Running, compose inputs, invoke
// the project engine, assemble and publish the output, persist, and enforce
// the continue-on-error policy. Shared between the driver and retries.
func (e *Engine) executeNode(s *session, node *models.Node) {
	started := time.Now().UTC()

	// 1. Transition to Running
	inputs, err := e.composeInputs(s, node)
	if err != nil {
		e.recordNodeFailure(s, node, models.TypeOf(err), err.Error(), nil, nil)
		return
	}
	e.markNodeRunning(s, node, started, inputs)

	// 2. Hand the node to the project engine
	request := &models.ProjectExecutionRequest{
		ProgramID:       node.ProgramID,
		VersionID:       node.VersionID,
		UserID:          s.execution.ExecutedBy,
		Parameters:      inputs,
		Environment:     node.ExecutionSettings.Environment,
		TimeoutMinutes:  node.ExecutionSettings.TimeoutMinutes,
		ResourceLimits:  node.ExecutionSettings.ResourceLimits,
		RetainArtifacts: s.options.RetainArtifacts,
	}
	result := e.projects.ExecuteProject(s.ctx, request)
	duration := time.Since(started)
	if result == nil {
		e.recordNodeFailure(s, node, models.ErrSystem, "project engine returned no result", nil, &duration)
		return
	}

	// 3. Settle the outcome
	if result.Success {
		output, err := e.assembleOutput(node, result)
		if err != nil {
			e.recordNodeFailure(s, node, models.TypeOf(err), err.Error(), result, &duration)
			return
		}
		e.recordNodeSuccess(s, node, result, output, duration)
		return
	}

	kind := result.ErrorType
	if kind == "" {
		kind = models.ErrExecution
	}
	message := result.ErrorOutput
	if message == "" {
		message = fmt.Sprintf("process exited with code %d", result.ExitCode)
	}
	if len(message) > nodeErrorMessageLimit {
		message = message[len(message)-nodeErrorMessageLimit:]
	}
	e.recordNodeFailure(s, node, kind, message, result, &duration)
}

// composeInputs builds the node's parameter object. Later layers override
// earlier: static inputs, then user inputs, then input mappings.
func (e *Engine) composeInputs(s *session, node *models.Node) (map[string]interface{}, error) {
	inputs := make(map[string]interface{})

	for _, static := range node.InputConfiguration.StaticInputs {
		inputs[static.Name] = static.Value
	}

	for _, user := range node.InputConfiguration.UserInputs {
		key := node.ID + "." + user.Name
		if value, ok := s.execution.ExecutionContext.UserInputs[key]; ok {
			inputs[user.Name] = value
		} else if user.DefaultValue != nil {
			inputs[user.Name] = user.DefaultValue
		}
		// No value and no default: the parameter is simply absent
	}

	for _, mapping := range node.InputConfiguration.InputMappings {
		value, found, err := e.resolveMapping(s, &mapping)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		inputs[mapping.InputName] = value
	}

	return inputs, nil
}

// resolveMapping extracts one upstream value. Missing sources and missing
// fields are treated alike: default value first, then optional-absence,
// otherwise a structured error.
func (e *Engine) resolveMapping(s *session, mapping *models.InputMapping) (interface{}, bool, error) {
	var value interface{}
	if contract, ok := s.nodeOutputs.Load(mapping.SourceNodeID); ok {
		value = extractValue(contract.Data, mapping.SourceOutputName)
	}

	if value == nil {
		if mapping.DefaultValue != nil {
			return mapping.DefaultValue, true, nil
		}
		if mapping.IsOptional {
			return nil, false, nil
		}
		return nil, false, models.NewError(models.ErrValidation,
			"input %q has no value: node %s did not provide output %q",
			mapping.InputName, mapping.SourceNodeID, mapping.SourceOutputName)
	}

	value, err := applyTransformation(mapping.Transformation, value)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// extractValue picks a field out of an upstream output by gjson path, so
// mappings can reach nested values ("report.rows.0"). Missing paths are nil.
func extractValue(data map[string]interface{}, path string) interface{} {
	if path == "" || data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// applyTransformation applies a named operator to a mapped value. The set is
// closed: identity only, with unknown names rejected.
func applyTransformation(name string, value interface{}) (interface{}, error) {
	switch name {
	case "", "identity":
		return value, nil
	default:
		return nil, models.NewError(models.ErrValidation, "unknown transformation: %s", name)
	}
}

// assembleOutput builds the node's published output: the built-in fields
// plus each custom output mapping evaluated against the program result.
func (e *Engine) assembleOutput(node *models.Node, result *models.ProjectExecutionResult) (map[string]interface{}, error) {
	files := make([]interface{}, 0, len(result.OutputFiles))
	for _, path := range result.OutputFiles {
		files = append(files, map[string]interface{}{
			"fileName": filepath.Base(path),
			"path":     path,
		})
	}

	output := map[string]interface{}{
		models.OutputFieldStdout:      result.Output,
		models.OutputFieldStderr:      result.ErrorOutput,
		models.OutputFieldExitCode:    result.ExitCode,
		models.OutputFieldSuccess:     result.Success,
		models.OutputFieldDuration:    result.DurationMS,
		models.OutputFieldOutputFiles: files,
	}

	for _, mapping := range node.OutputConfiguration.OutputMappings {
		value, err := applyTransformation(mapping.Transformation,
			extractProgramOutputValue(output, mapping.SourceField))
		if err != nil {
			return nil, err
		}
		output[mapping.OutputName] = value
	}

	return output, nil
}

// extractProgramOutputValue resolves an output mapping's source field.
// Only the built-in fields are addressable; other names resolve to nil.
func extractProgramOutputValue(output map[string]interface{}, field string) interface{} {
	if !models.IsBuiltinOutputField(field) {
		return nil
	}
	return output[field]
}

// markNodeRunning transitions the node record and persists it
func (e *Engine) markNodeRunning(s *session, node *models.Node, started time.Time, inputs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.execution.NodeExecutionByID(node.ID)
	if record == nil {
		return
	}
	record.Status = models.NodeRunning
	record.StartedAt = &started
	record.InputData = inputs
	record.Error = nil

	e.appendLogLocked(s, "info", node.ID, "node started")
	e.persistNodeLocked(s, record)
	e.refreshProgressLocked(s)

	e.publish(queue.Event{
		Type:        queue.NodeStarted,
		ExecutionID: s.executionID,
		WorkflowID:  s.execution.WorkflowID.String(),
		NodeID:      node.ID,
		Status:      string(models.NodeRunning),
	})
}

// recordNodeSuccess settles a node as Completed and publishes its output to
// the session table. Publication happens after the record is persisted, so
// dependents never observe an output before its node is Completed.
func (e *Engine) recordNodeSuccess(s *session, node *models.Node, result *models.ProjectExecutionResult, output map[string]interface{}, duration time.Duration) {
	size := outputSizeBytes(output)

	s.mu.Lock()
	record := s.execution.NodeExecutionByID(node.ID)
	if record == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	record.Status = models.NodeCompleted
	record.CompletedAt = &now
	record.DurationMS = duration.Milliseconds()
	record.ProgramExecutionID = result.ExecutionID
	record.OutputData = output
	record.Error = nil

	e.appendLogLocked(s, "info", node.ID,
		fmt.Sprintf("node completed in %d ms", record.DurationMS))
	e.persistNodeLocked(s, record)
	e.refreshProgressLocked(s)
	s.mu.Unlock()

	s.publishOutput(node.ID, output, size)
	s.completedNodes.Store(node.ID, struct{}{})

	if e.metrics != nil {
		e.metrics.NodeFinished(models.NodeCompleted, duration)
	}
	e.publish(queue.Event{
		Type:        queue.NodeCompleted,
		ExecutionID: s.executionID,
		WorkflowID:  s.execution.WorkflowID.String(),
		NodeID:      node.ID,
		Status:      string(models.NodeCompleted),
	})
}

// recordNodeFailure settles a node as Failed and enforces continue-on-error.
// result and duration may be nil when the failure happened before dispatch.
func (e *Engine) recordNodeFailure(s *session, node *models.Node, kind models.ErrorType, message string, result *models.ProjectExecutionResult, duration *time.Duration) {
	s.mu.Lock()
	record := s.execution.NodeExecutionByID(node.ID)
	if record == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	record.Status = models.NodeFailed
	record.CompletedAt = &now
	if duration != nil {
		record.DurationMS = duration.Milliseconds()
	}

	var exitCode *int
	if result != nil {
		record.ProgramExecutionID = result.ExecutionID
		code := result.ExitCode
		exitCode = &code
	}
	record.Error = &models.NodeExecutionError{
		ErrorType: kind,
		Message:   message,
		ExitCode:  exitCode,
		Timestamp: now,
		CanRetry:  record.RetryCount < record.MaxRetries,
	}

	e.appendLogLocked(s, "error", node.ID, fmt.Sprintf("node failed: %s", message))
	e.persistNodeLocked(s, record)
	e.refreshProgressLocked(s)
	s.mu.Unlock()

	s.failedNodes.Store(node.ID, struct{}{})

	var nodeDuration time.Duration
	if duration != nil {
		nodeDuration = *duration
	}
	if e.metrics != nil {
		e.metrics.NodeFinished(models.NodeFailed, nodeDuration)
	}
	e.publish(queue.Event{
		Type:        queue.NodeFailed,
		ExecutionID: s.executionID,
		WorkflowID:  s.execution.WorkflowID.String(),
		NodeID:      node.ID,
		Status:      string(models.NodeFailed),
		Error:       message,
	})

	// Failure policy: stop dispatching unless the run tolerates failures
	if !s.options.ContinueOnError {
		s.cancel()
	}
}

// recordNodeInterrupted settles a node that never ran because the session
// was cancelled or paused while it waited.
func (e *Engine) recordNodeInterrupted(s *session, nodeID string) {
	s.mu.Lock()
	record := s.execution.NodeExecutionByID(nodeID)
	if record == nil || record.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	record.Status = models.NodeFailed
	record.CompletedAt = &now
	record.Error = &models.NodeExecutionError{
		ErrorType: models.ErrCancelled,
		Message:   "node cancelled before start",
		Timestamp: now,
		CanRetry:  record.RetryCount < record.MaxRetries,
	}

	e.appendLogLocked(s, "warn", nodeID, "node cancelled before start")
	e.persistNodeLocked(s, record)
	e.refreshProgressLocked(s)
	s.mu.Unlock()

	s.failedNodes.Store(nodeID, struct{}{})

	if e.metrics != nil {
		e.metrics.NodeFinished(models.NodeFailed, 0)
	}
}

// skipNodeInSession marks a node Skipped inside a live session. Nodes that
// are already running or terminal are left alone.
func (e *Engine) skipNodeInSession(s *session, nodeID, reason string) {
	s.mu.Lock()
	record := s.execution.NodeExecutionByID(nodeID)
	if record == nil || record.Status.IsTerminal() ||
		record.Status == models.NodeRunning || record.Status == models.NodeRetrying {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	record.Status = models.NodeSkipped
	record.WasSkipped = true
	record.SkipReason = reason
	record.CompletedAt = &now

	e.appendLogLocked(s, "info", nodeID, "node skipped: "+reason)
	e.persistNodeLocked(s, record)
	e.refreshProgressLocked(s)
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.NodeFinished(models.NodeSkipped, 0)
	}
	e.publish(queue.Event{
		Type:        queue.NodeSkipped,
		ExecutionID: s.executionID,
		WorkflowID:  s.execution.WorkflowID.String(),
		NodeID:      nodeID,
		Status:      string(models.NodeSkipped),
	})
}

func outputSizeBytes(output map[string]interface{}) int {
	raw, err := json.Marshal(output)
	if err != nil {
		return 0
	}
	return len(raw)
}
