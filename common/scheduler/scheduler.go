// Package scheduler fires workflow submissions on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chainworks/cascade/common/engine"
	"github.com/chainworks/cascade/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Submitter starts workflow executions; the engine satisfies it
type Submitter interface {
	Execute(ctx context.Context, req *engine.ExecuteRequest) (*models.WorkflowExecution, error)
}

// Entry is one registered schedule
type Entry struct {
	ID         string
	Spec       string
	WorkflowID string
	UserID     string
	Next       time.Time
}

// scheduleRecord is the internal bookkeeping behind an Entry
type scheduleRecord struct {
	entryID    cron.EntryID
	spec       string
	workflowID string
	userID     string
}

// submitTimeout bounds one scheduled submission attempt
const submitTimeout = 30 * time.Second

// Scheduler drives scheduled workflow submissions through the engine
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    Logger

	mu      sync.Mutex
	entries map[string]scheduleRecord
}

// New creates a scheduler; Start must be called before entries fire
func New(submitter Submitter, logger Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		logger:    logger,
		entries:   make(map[string]scheduleRecord),
	}
}

// Add registers a cron schedule for a workflow and returns its schedule id.
// Specs use the standard five-field cron format or descriptors like
// "@hourly" and "@every 90s".
func (s *Scheduler) Add(spec, workflowID, userID string) (string, error) {
	if workflowID == "" {
		return "", fmt.Errorf("workflow id is required")
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	scheduleID := uuid.New().String()
	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(scheduleID, workflowID, userID)
	})
	if err != nil {
		return "", fmt.Errorf("failed to add schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[scheduleID] = scheduleRecord{
		entryID:    entryID,
		spec:       spec,
		workflowID: workflowID,
		userID:     userID,
	}
	s.mu.Unlock()

	s.logger.Info("schedule registered",
		"schedule_id", scheduleID,
		"spec", spec,
		"workflow_id", workflowID,
		"user_id", userID)

	return scheduleID, nil
}

// fire submits one scheduled execution. Submission failures are logged,
// not propagated; the schedule keeps firing.
func (s *Scheduler) fire(scheduleID, workflowID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	execution, err := s.submitter.Execute(ctx, &engine.ExecuteRequest{
		WorkflowID:    workflowID,
		ExecutionName: fmt.Sprintf("scheduled %s", time.Now().UTC().Format(time.RFC3339)),
		UserID:        userID,
		TriggerType:   models.TriggerScheduled,
	})
	if err != nil {
		s.logger.Error("scheduled submission failed",
			"schedule_id", scheduleID,
			"workflow_id", workflowID,
			"error", err)
		return
	}

	s.logger.Info("scheduled submission accepted",
		"schedule_id", scheduleID,
		"workflow_id", workflowID,
		"execution_id", execution.ID)
}

// Remove drops a schedule; unknown ids are a no-op
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	record, ok := s.entries[scheduleID]
	if ok {
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()

	if ok {
		s.cron.Remove(record.entryID)
		s.logger.Info("schedule removed", "schedule_id", scheduleID)
	}
}

// Entries lists registered schedules with their next fire times
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, record := range s.entries {
		out = append(out, Entry{
			ID:         id,
			Spec:       record.spec,
			WorkflowID: record.workflowID,
			UserID:     record.userID,
			Next:       s.cron.Entry(record.entryID).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "schedules", count)
}

// Stop halts the cron loop and waits for in-flight submissions to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// ParseEntries parses configured schedules of the form
// "spec|workflowID|userID" separated by semicolons, e.g.
// "@hourly|2fd4c8d6-...|svc-reporting;*/5 * * * *|9c1e...|svc-etl".
// Spec validity is checked later by Add.
func ParseEntries(raw string) ([]Entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []Entry
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed schedule entry %q", item)
		}
		entries = append(entries, Entry{
			Spec:       strings.TrimSpace(parts[0]),
			WorkflowID: strings.TrimSpace(parts[1]),
			UserID:     strings.TrimSpace(parts[2]),
		})
	}
	return entries, nil
}
