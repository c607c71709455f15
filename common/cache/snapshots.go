package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chainworks/cascade/common/models"
)

// DefaultSnapshotTTL bounds how stale a cached workflow definition can be
// on the submission path.
const DefaultSnapshotTTL = 30 * time.Second

// WorkflowSource loads a workflow definition on a cache miss
type WorkflowSource func(ctx context.Context, workflowID string) (*models.Workflow, error)

// WorkflowSnapshots is a read-through cache of workflow definitions. Updates
// and deletes must call Invalidate so the next submission sees fresh state.
type WorkflowSnapshots struct {
	cache  Cache
	source WorkflowSource
	ttl    time.Duration
	logger Logger
}

// NewWorkflowSnapshots wraps a workflow source with read-through caching.
// A non-positive ttl falls back to DefaultSnapshotTTL.
func NewWorkflowSnapshots(cache Cache, source WorkflowSource, ttl time.Duration, logger Logger) *WorkflowSnapshots {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &WorkflowSnapshots{cache: cache, source: source, ttl: ttl, logger: logger}
}

// Get returns the cached workflow or loads and caches it
func (s *WorkflowSnapshots) Get(ctx context.Context, workflowID string) (*models.Workflow, error) {
	key := snapshotKey(workflowID)

	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var workflow models.Workflow
		if err := json.Unmarshal(raw, &workflow); err == nil {
			s.logger.Debug("workflow snapshot hit", "workflow_id", workflowID)
			return &workflow, nil
		}
		// Undecodable entry: drop it and reload
		_ = s.cache.Delete(ctx, key)
	}

	workflow, err := s.source(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(workflow); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn("failed to cache workflow snapshot", "workflow_id", workflowID, "error", err)
		}
	}
	return workflow, nil
}

// Invalidate drops the cached snapshot after a workflow update or delete
func (s *WorkflowSnapshots) Invalidate(ctx context.Context, workflowID string) {
	if err := s.cache.Delete(ctx, snapshotKey(workflowID)); err != nil {
		s.logger.Warn("failed to invalidate workflow snapshot", "workflow_id", workflowID, "error", err)
	}
}

func snapshotKey(workflowID string) string {
	return "workflow:snapshot:" + workflowID
}
