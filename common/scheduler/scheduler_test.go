package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chainworks/cascade/common/engine"
	"github.com/chainworks/cascade/common/models"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []*engine.ExecuteRequest
}

func (f *fakeSubmitter) Execute(ctx context.Context, req *engine.ExecuteRequest) (*models.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &models.WorkflowExecution{ID: uuid.New(), Status: models.ExecutionRunning}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSubmitter) last() *engine.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func TestAdd_RejectsBadInput(t *testing.T) {
	s := New(&fakeSubmitter{}, &testLogger{t})

	if _, err := s.Add("not a cron spec", "wf-1", "user-1"); err == nil {
		t.Fatal("bad spec accepted")
	}
	if _, err := s.Add("@hourly", "", "user-1"); err == nil {
		t.Fatal("empty workflow id accepted")
	}
	if _, err := s.Add("@hourly", "wf-1", ""); err == nil {
		t.Fatal("empty user id accepted")
	}
}

func TestScheduledFire(t *testing.T) {
	submitter := &fakeSubmitter{}
	s := New(submitter, &testLogger{t})

	// @every rounds sub-second delays up to one second
	if _, err := s.Add("@every 100ms", "wf-tick", "svc-cron"); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for submitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if submitter.count() == 0 {
		t.Fatal("schedule never fired")
	}

	req := submitter.last()
	if req.WorkflowID != "wf-tick" {
		t.Errorf("workflow id = %q, want wf-tick", req.WorkflowID)
	}
	if req.UserID != "svc-cron" {
		t.Errorf("user id = %q, want svc-cron", req.UserID)
	}
	if req.TriggerType != models.TriggerScheduled {
		t.Errorf("trigger = %q, want %q", req.TriggerType, models.TriggerScheduled)
	}
	if !strings.HasPrefix(req.ExecutionName, "scheduled ") {
		t.Errorf("execution name = %q, want scheduled prefix", req.ExecutionName)
	}
}

func TestStop_HaltsFiring(t *testing.T) {
	submitter := &fakeSubmitter{}
	s := New(submitter, &testLogger{t})

	if _, err := s.Add("@every 1s", "wf-halt", "svc-cron"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for submitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	settled := submitter.count()
	time.Sleep(1500 * time.Millisecond)
	if submitter.count() != settled {
		t.Errorf("fired %d times after stop", submitter.count()-settled)
	}
}

func TestEntriesAndRemove(t *testing.T) {
	s := New(&fakeSubmitter{}, &testLogger{t})

	first, err := s.Add("@hourly", "wf-1", "user-1")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	second, err := s.Add("@daily", "wf-2", "user-2")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	specs := map[string]string{}
	for _, e := range entries {
		specs[e.ID] = e.Spec
	}
	if specs[first] != "@hourly" || specs[second] != "@daily" {
		t.Errorf("unexpected entries %v", specs)
	}

	s.Remove(first)
	entries = s.Entries()
	if len(entries) != 1 || entries[0].ID != second {
		t.Fatalf("after remove: %v", entries)
	}

	// Unknown ids are a no-op
	s.Remove("no-such-schedule")
	if len(s.Entries()) != 1 {
		t.Fatal("remove of unknown id changed entries")
	}
}

func TestParseEntries(t *testing.T) {
	entries, err := ParseEntries("")
	if err != nil || entries != nil {
		t.Fatalf("empty input: %v %v", entries, err)
	}

	entries, err = ParseEntries(" @hourly | wf-1 | alice ; */5 * * * *|wf-2|bob; ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Spec != "@hourly" || entries[0].WorkflowID != "wf-1" || entries[0].UserID != "alice" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Spec != "*/5 * * * *" || entries[1].WorkflowID != "wf-2" || entries[1].UserID != "bob" {
		t.Errorf("second entry = %+v", entries[1])
	}

	if _, err := ParseEntries("@hourly|wf-only"); err == nil {
		t.Fatal("malformed entry accepted")
	}
}
