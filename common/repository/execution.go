package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chainworks/cascade/common/db"
	"github.com/chainworks/cascade/common/models"
)

// executionColumns is the scan order shared by every execution query
const executionColumns = `
	id, workflow_id, workflow_version, execution_name, executed_by,
	status, trigger_type, execution_context, options, progress,
	node_executions, results, error, logs, started_at, completed_at`

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// Create inserts a new workflow execution
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	doc, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		ctx,
		query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.ExecutionName,
		execution.ExecutedBy,
		execution.Status,
		execution.TriggerType,
		doc.context,
		doc.options,
		doc.progress,
		doc.nodes,
		doc.results,
		doc.errDetail,
		doc.logs,
		execution.StartedAt,
		execution.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE id = $1
	`

	execution, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "execution %s not found", id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return execution, nil
}

// Update replaces the mutable fields of an execution record
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	query := `
		UPDATE workflow_executions
		SET status = $2,
			execution_name = $3,
			execution_context = $4,
			options = $5,
			progress = $6,
			node_executions = $7,
			results = $8,
			error = $9,
			logs = $10,
			completed_at = $11
		WHERE id = $1
	`

	doc, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(
		ctx,
		query,
		execution.ID,
		execution.Status,
		execution.ExecutionName,
		doc.context,
		doc.options,
		doc.progress,
		doc.nodes,
		doc.results,
		doc.errDetail,
		doc.logs,
		execution.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrNotFound, "execution %s not found", execution.ID)
	}

	return nil
}

// UpdateStatus updates the status of an execution
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, status models.ExecutionStatus) error {
	query := `
		UPDATE workflow_executions
		SET status = $2
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}

	return nil
}

// UpdateProgress updates the progress snapshot of an execution
func (r *ExecutionRepository) UpdateProgress(ctx context.Context, id string, progress models.ExecutionProgress) error {
	query := `
		UPDATE workflow_executions
		SET progress = $2
		WHERE id = $1
	`

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, id, progressJSON)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}

	return nil
}

// UpdateNodeExecution replaces one node record inside the execution document.
// Runs in a transaction with a row lock so concurrent node updates on the
// same execution cannot overwrite each other.
func (r *ExecutionRepository) UpdateNodeExecution(ctx context.Context, id string, nodeExecution *models.NodeExecution) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var nodesJSON []byte
	err = tx.QueryRow(
		ctx,
		`SELECT node_executions FROM workflow_executions WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&nodesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.NewError(models.ErrNotFound, "execution %s not found", id)
		}
		return fmt.Errorf("failed to read node executions: %w", err)
	}

	var nodes []models.NodeExecution
	if len(nodesJSON) > 0 {
		if err := json.Unmarshal(nodesJSON, &nodes); err != nil {
			return fmt.Errorf("failed to decode node executions: %w", err)
		}
	}

	replaced := false
	for i := range nodes {
		if nodes[i].NodeID == nodeExecution.NodeID {
			nodes[i] = *nodeExecution
			replaced = true
			break
		}
	}
	if !replaced {
		return models.NewError(models.ErrNotFound, "node %s not found in execution %s", nodeExecution.NodeID, id)
	}

	updated, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("failed to encode node executions: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		`UPDATE workflow_executions SET node_executions = $2 WHERE id = $1`,
		id,
		updated,
	)
	if err != nil {
		return fmt.Errorf("failed to update node execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit node execution update: %w", err)
	}

	return nil
}

// AppendLog appends one entry to the execution log in place
func (r *ExecutionRepository) AppendLog(ctx context.Context, id string, entry models.ExecutionLogEntry) error {
	query := `
		UPDATE workflow_executions
		SET logs = COALESCE(logs, '[]'::jsonb) || $2::jsonb
		WHERE id = $1
	`

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, id, string(entryJSON))
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}

	return nil
}

// GetRunning retrieves all executions that are currently running or paused
func (r *ExecutionRepository) GetRunning(ctx context.Context) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = ANY($1)
		ORDER BY started_at ASC
	`

	states := []string{string(models.ExecutionRunning), string(models.ExecutionPaused)}
	rows, err := r.db.Query(ctx, query, states)
	if err != nil {
		return nil, fmt.Errorf("failed to query running executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// GetByWorkflow retrieves all executions of a workflow, newest first
func (r *ExecutionRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// GetHistory retrieves the most recent executions of a workflow
func (r *ExecutionRepository) GetHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// Pause moves a running execution to PAUSED
func (r *ExecutionRepository) Pause(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ExecutionPaused, models.ExecutionRunning)
}

// Resume moves a paused execution back to RUNNING
func (r *ExecutionRepository) Resume(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ExecutionRunning, models.ExecutionPaused)
}

// Cancel moves a running or paused execution to CANCELLED
func (r *ExecutionRepository) Cancel(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.ExecutionCancelled, models.ExecutionRunning, models.ExecutionPaused)
}

// transition applies a guarded status change. The WHERE clause carries the
// allowed source states, so a lost race leaves the row untouched.
func (r *ExecutionRepository) transition(ctx context.Context, id string, to models.ExecutionStatus, from ...models.ExecutionStatus) error {
	query := `
		UPDATE workflow_executions
		SET status = $2,
			completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($4)
	`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, query, id, to, to.IsTerminal(), states)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		if current == to {
			return nil
		}
		return models.NewError(models.ErrValidation, "cannot move execution %s from %s to %s", id, current, to)
	}

	return nil
}

// currentStatus reads the stored status of an execution
func (r *ExecutionRepository) currentStatus(ctx context.Context, id string) (models.ExecutionStatus, error) {
	var status models.ExecutionStatus
	err := r.db.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.NewError(models.ErrNotFound, "execution %s not found", id)
		}
		return "", fmt.Errorf("failed to get execution status: %w", err)
	}
	return status, nil
}

// executionDoc holds the JSONB payloads of one execution row
type executionDoc struct {
	context   []byte
	options   []byte
	progress  []byte
	nodes     []byte
	results   []byte
	errDetail []byte
	logs      []byte
}

// marshalExecution encodes the document fields of an execution for storage
func marshalExecution(execution *models.WorkflowExecution) (*executionDoc, error) {
	doc := &executionDoc{}
	var err error

	if doc.context, err = json.Marshal(execution.ExecutionContext); err != nil {
		return nil, fmt.Errorf("failed to encode execution context: %w", err)
	}
	if doc.options, err = json.Marshal(execution.Options); err != nil {
		return nil, fmt.Errorf("failed to encode execution options: %w", err)
	}
	if doc.progress, err = json.Marshal(execution.Progress); err != nil {
		return nil, fmt.Errorf("failed to encode progress: %w", err)
	}
	if doc.nodes, err = json.Marshal(execution.NodeExecutions); err != nil {
		return nil, fmt.Errorf("failed to encode node executions: %w", err)
	}
	if execution.Results != nil {
		if doc.results, err = json.Marshal(execution.Results); err != nil {
			return nil, fmt.Errorf("failed to encode results: %w", err)
		}
	}
	if execution.Error != nil {
		if doc.errDetail, err = json.Marshal(execution.Error); err != nil {
			return nil, fmt.Errorf("failed to encode error detail: %w", err)
		}
	}
	if execution.Logs != nil {
		if doc.logs, err = json.Marshal(execution.Logs); err != nil {
			return nil, fmt.Errorf("failed to encode logs: %w", err)
		}
	}

	return doc, nil
}

// scanExecution reads one execution row in executionColumns order
func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{}
	var contextJSON, optionsJSON, progressJSON, nodesJSON, resultsJSON, errorJSON, logsJSON []byte

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.ExecutionName,
		&execution.ExecutedBy,
		&execution.Status,
		&execution.TriggerType,
		&contextJSON,
		&optionsJSON,
		&progressJSON,
		&nodesJSON,
		&resultsJSON,
		&errorJSON,
		&logsJSON,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &execution.ExecutionContext); err != nil {
			return nil, fmt.Errorf("failed to decode execution context: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &execution.Options); err != nil {
			return nil, fmt.Errorf("failed to decode execution options: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &execution.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
	}
	if len(nodesJSON) > 0 {
		if err := json.Unmarshal(nodesJSON, &execution.NodeExecutions); err != nil {
			return nil, fmt.Errorf("failed to decode node executions: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &execution.Results); err != nil {
			return nil, fmt.Errorf("failed to decode results: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		if err := json.Unmarshal(errorJSON, &execution.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error detail: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &execution.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs: %w", err)
		}
	}

	return execution, nil
}

// collectExecutions drains a result set of execution rows
func collectExecutions(rows pgx.Rows) ([]*models.WorkflowExecution, error) {
	executions := make([]*models.WorkflowExecution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return executions, nil
}
