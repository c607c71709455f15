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

// WorkflowRepository handles database operations for workflow definitions.
// Authoring happens elsewhere; this service reads definitions and maintains
// the rolling execution counters.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// workflowDefinition is the JSONB payload of the definition column
type workflowDefinition struct {
	Settings    models.WorkflowSettings    `json:"settings"`
	Permissions models.WorkflowPermissions `json:"permissions"`
	Nodes       []models.Node              `json:"nodes"`
	Edges       []models.Edge              `json:"edges"`
	Tags        []string                   `json:"tags,omitempty"`
}

// GetByID retrieves a workflow definition by its ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, version, status, definition, created_by,
			created_at, updated_at, execution_count, average_duration_ms
		FROM workflows
		WHERE id = $1
	`

	workflow := &models.Workflow{}
	var definitionJSON []byte

	err := r.db.QueryRow(ctx, query, id).Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Version,
		&workflow.Status,
		&definitionJSON,
		&workflow.CreatedBy,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.ExecutionCount,
		&workflow.AverageDurationMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "workflow %s not found", id)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var definition workflowDefinition
	if err := json.Unmarshal(definitionJSON, &definition); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	workflow.Settings = definition.Settings
	workflow.Permissions = definition.Permissions
	workflow.Nodes = definition.Nodes
	workflow.Edges = definition.Edges
	workflow.Tags = definition.Tags

	return workflow, nil
}

// Create inserts a new workflow definition
func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	query := `
		INSERT INTO workflows (id, name, version, status, definition, created_by,
			created_at, updated_at, execution_count, average_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	definitionJSON, err := json.Marshal(workflowDefinition{
		Settings:    workflow.Settings,
		Permissions: workflow.Permissions,
		Nodes:       workflow.Nodes,
		Edges:       workflow.Edges,
		Tags:        workflow.Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	_, err = r.db.Exec(
		ctx,
		query,
		workflow.ID,
		workflow.Name,
		workflow.Version,
		workflow.Status,
		definitionJSON,
		workflow.CreatedBy,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.ExecutionCount,
		workflow.AverageDurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// RecordExecution folds one finished run into the workflow's rolling counters
func (r *WorkflowRepository) RecordExecution(ctx context.Context, workflowID string, durationMS int64) error {
	query := `
		UPDATE workflows
		SET execution_count = execution_count + 1,
			average_duration_ms = (average_duration_ms * execution_count + $2) / (execution_count + 1),
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, workflowID, durationMS)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.ErrNotFound, "workflow %s not found", workflowID)
	}

	return nil
}
