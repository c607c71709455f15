package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainworks/cascade/common/config"
	"github.com/chainworks/cascade/common/graph"
	"github.com/chainworks/cascade/common/models"
	"github.com/chainworks/cascade/common/queue"
)

// testLogger implements engine.Logger
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

// memStore is an in-memory ExecutionStore. Reads and writes exchange deep
// copies so tests observe persisted state, not the engine's live record.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*models.WorkflowExecution
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*models.WorkflowExecution)}
}

func cloneExecution(e *models.WorkflowExecution) *models.WorkflowExecution {
	raw, _ := json.Marshal(e)
	var out models.WorkflowExecution
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (m *memStore) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := execution.ID.String()
	if _, exists := m.recs[id]; exists {
		return models.NewError(models.ErrValidation, "execution %s already exists", id)
	}
	m.recs[id] = cloneExecution(execution)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	return cloneExecution(rec), nil
}

func (m *memStore) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := execution.ID.String()
	if _, ok := m.recs[id]; !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	m.recs[id] = cloneExecution(execution)
	return nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, status models.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	rec.Status = status
	return nil
}

func (m *memStore) UpdateProgress(ctx context.Context, id string, progress models.ExecutionProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	rec.Progress = progress
	return nil
}

func (m *memStore) UpdateNodeExecution(ctx context.Context, id string, nodeExecution *models.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	for i := range rec.NodeExecutions {
		if rec.NodeExecutions[i].NodeID == nodeExecution.NodeID {
			raw, _ := json.Marshal(nodeExecution)
			var copied models.NodeExecution
			_ = json.Unmarshal(raw, &copied)
			rec.NodeExecutions[i] = copied
			return nil
		}
	}
	return models.NewError(models.ErrNotFound, "node %s not found in execution %s", nodeExecution.NodeID, id)
}

func (m *memStore) AppendLog(ctx context.Context, id string, entry models.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	rec.Logs = append(rec.Logs, entry)
	return nil
}

func (m *memStore) GetRunning(ctx context.Context) ([]*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowExecution
	for _, rec := range m.recs {
		if rec.Status == models.ExecutionRunning || rec.Status == models.ExecutionPaused {
			out = append(out, cloneExecution(rec))
		}
	}
	return out, nil
}

func (m *memStore) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowExecution
	for _, rec := range m.recs {
		if rec.WorkflowID.String() == workflowID {
			out = append(out, cloneExecution(rec))
		}
	}
	return out, nil
}

func (m *memStore) GetHistory(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	out, err := m.GetByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Pause(ctx context.Context, id string) error {
	return m.transition(id, models.ExecutionPaused, models.ExecutionRunning)
}

func (m *memStore) Resume(ctx context.Context, id string) error {
	return m.transition(id, models.ExecutionRunning, models.ExecutionPaused)
}

func (m *memStore) Cancel(ctx context.Context, id string) error {
	return m.transition(id, models.ExecutionCancelled, models.ExecutionRunning, models.ExecutionPaused)
}

func (m *memStore) transition(id string, to models.ExecutionStatus, from ...models.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	for _, f := range from {
		if rec.Status == f {
			rec.Status = to
			if to == models.ExecutionCancelled {
				now := time.Now().UTC()
				rec.CompletedAt = &now
			}
			return nil
		}
	}
	return models.NewError(models.ErrValidation, "execution %s is %s", id, rec.Status)
}

// memWorkflows is an in-memory WorkflowStore
type memWorkflows struct {
	mu        sync.Mutex
	workflows map[string]*models.Workflow
	durations map[string][]int64
}

func newMemWorkflows(workflows ...*models.Workflow) *memWorkflows {
	m := &memWorkflows{
		workflows: make(map[string]*models.Workflow),
		durations: make(map[string][]int64),
	}
	for _, wf := range workflows {
		m.workflows[wf.ID.String()] = wf
	}
	return m
}

func (m *memWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (m *memWorkflows) RecordExecution(ctx context.Context, workflowID string, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[workflowID] = append(m.durations[workflowID], durationMS)
	return nil
}

func (m *memWorkflows) recordedRuns(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.durations[workflowID])
}

// fakeProjects is a scripted ProjectEngine. Handlers are keyed by program
// id; programs without a handler succeed with a canned stdout.
type fakeProjects struct {
	mu       sync.Mutex
	calls    []*models.ProjectExecutionRequest
	handlers map[string]func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{
		handlers: make(map[string]func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult),
	}
}

func (f *fakeProjects) handle(programID string, fn func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[programID] = fn
}

func (f *fakeProjects) ExecuteProject(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.handlers[req.ProgramID]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return succeedWith("ok")
}

func (f *fakeProjects) callsFor(programID string) []*models.ProjectExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ProjectExecutionRequest
	for _, call := range f.calls {
		if call.ProgramID == programID {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeProjects) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func succeedWith(stdout string) *models.ProjectExecutionResult {
	return &models.ProjectExecutionResult{
		ExecutionID: uuid.New().String(),
		Success:     true,
		ExitCode:    0,
		Output:      stdout,
		DurationMS:  5,
	}
}

func failWith(exitCode int, stderr string) *models.ProjectExecutionResult {
	return &models.ProjectExecutionResult{
		ExecutionID: uuid.New().String(),
		Success:     false,
		ExitCode:    exitCode,
		ErrorOutput: stderr,
		DurationMS:  5,
		ErrorType:   models.ErrExecution,
	}
}

// eventCollector records bus events for assertion
type eventCollector struct {
	mu     sync.Mutex
	events []queue.Event
}

func collectEvents(bus queue.Bus) *eventCollector {
	c := &eventCollector{}
	bus.Subscribe(func(event queue.Event) {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	})
	return c
}

func (c *eventCollector) has(eventType queue.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// testEngine bundles the engine with its in-memory collaborators
type testEngine struct {
	engine    *Engine
	store     *memStore
	workflows *memWorkflows
	projects  *fakeProjects
	events    *eventCollector
}

func newTestEngine(t *testing.T, wf *models.Workflow, projects *fakeProjects, cfg config.EngineConfig) *testEngine {
	t.Helper()
	logger := &testLogger{t: t}
	if cfg.MaxConcurrentWorkflows == 0 {
		cfg.MaxConcurrentWorkflows = 4
	}
	if cfg.DefaultMaxConcurrentNodes == 0 {
		cfg.DefaultMaxConcurrentNodes = 4
	}

	store := newMemStore()
	workflows := newMemWorkflows(wf)
	bus := queue.NewMemoryBus(logger)
	t.Cleanup(bus.Close)
	events := collectEvents(bus)

	eng := New(Opts{
		Executions: store,
		Workflows:  workflows,
		Projects:   projects,
		Validator:  graph.NewValidator(nil, logger),
		Config:     cfg,
		Logger:     logger,
		Bus:        bus,
	})
	// Join the detached drivers before the harness tears down, so no driver
	// touches t.Logf after the test body returns
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &testEngine{engine: eng, store: store, workflows: workflows, projects: projects, events: events}
}

func (h *testEngine) submit(t *testing.T, wf *models.Workflow, opts models.ExecutionOptions, userInputs map[string]interface{}) string {
	t.Helper()
	execution, err := h.engine.Execute(context.Background(), &ExecuteRequest{
		WorkflowID: wf.ID.String(),
		UserID:     "user-1",
		UserInputs: userInputs,
		Options:    opts,
	})
	require.NoError(t, err)
	return execution.ID.String()
}

const waitTimeout = 5 * time.Second

func (h *testEngine) waitTerminal(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		execution, err := h.store.GetByID(context.Background(), id)
		require.NoError(t, err)
		if execution.Status.IsTerminal() {
			return execution
		}
		time.Sleep(5 * time.Millisecond)
	}
	execution, _ := h.store.GetByID(context.Background(), id)
	t.Fatalf("execution %s never reached a terminal status (last: %s)", id, execution.Status)
	return nil
}

func (h *testEngine) waitStatus(t *testing.T, id string, want models.ExecutionStatus) *models.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		execution, err := h.store.GetByID(context.Background(), id)
		require.NoError(t, err)
		if execution.Status == want {
			return execution
		}
		time.Sleep(5 * time.Millisecond)
	}
	execution, _ := h.store.GetByID(context.Background(), id)
	t.Fatalf("execution %s never reached %s (last: %s)", id, want, execution.Status)
	return nil
}

func (h *testEngine) waitNodeStatus(t *testing.T, id, nodeID string, want models.NodeExecutionStatus) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		execution, err := h.store.GetByID(context.Background(), id)
		require.NoError(t, err)
		if record := execution.NodeExecutionByID(nodeID); record != nil && record.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never reached %s", nodeID, want)
}

// Workflow builders

func testNode(id, programID string) models.Node {
	return models.Node{
		ID:        id,
		Name:      "Node " + id,
		ProgramID: programID,
		ExecutionSettings: models.ExecutionSettings{
			TimeoutMinutes: 1,
		},
	}
}

func testEdge(source, target string) models.Edge {
	return models.Edge{
		ID:           source + "->" + target,
		SourceNodeID: source,
		TargetNodeID: target,
	}
}

func testWorkflow(nodes []models.Node, edges []models.Edge) *models.Workflow {
	return &models.Workflow{
		ID:        uuid.New(),
		Name:      "test workflow",
		Version:   1,
		Status:    models.WorkflowActive,
		Nodes:     nodes,
		Edges:     edges,
		CreatedBy: "user-1",
		CreatedAt: time.Now().UTC(),
	}
}

func mapInput(input, source, sourceOutput string) models.InputMapping {
	return models.InputMapping{
		InputName:        input,
		SourceNodeID:     source,
		SourceOutputName: sourceOutput,
	}
}

// Scenario: three nodes in a chain; each downstream node consumes the
// upstream stdout and a declared custom output.
func TestExecute_LinearChainRoutesValues(t *testing.T) {
	a := testNode("node-a", "prog-a")
	a.OutputConfiguration.OutputMappings = []models.OutputMapping{
		{OutputName: "answer", SourceField: models.OutputFieldStdout},
	}
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("x", "node-a", models.OutputFieldStdout),
		mapInput("viaCustom", "node-a", "answer"),
	}
	b.OutputConfiguration.OutputMappings = []models.OutputMapping{
		{OutputName: "code", SourceField: models.OutputFieldExitCode},
	}
	c := testNode("node-c", "prog-c")
	c.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("y", "node-b", models.OutputFieldStdout),
		mapInput("code", "node-b", "code"),
	}

	wf := testWorkflow(
		[]models.Node{a, b, c},
		[]models.Edge{testEdge("node-a", "node-b"), testEdge("node-b", "node-c")},
	)

	projects := newFakeProjects()
	projects.handle("prog-a", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		return succeedWith("41")
	})
	projects.handle("prog-b", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		return succeedWith("42")
	})

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	assert.Equal(t, 100.0, execution.Progress.PercentComplete)
	assert.Equal(t, 3, execution.Progress.CompletedNodes)

	// b saw a's stdout, directly and through the declared output name
	bCalls := projects.callsFor("prog-b")
	require.Len(t, bCalls, 1)
	assert.Equal(t, "41", bCalls[0].Parameters["x"])
	assert.Equal(t, "41", bCalls[0].Parameters["viaCustom"])

	// c saw b's stdout and its custom exit-code field (numeric after routing)
	cCalls := projects.callsFor("prog-c")
	require.Len(t, cCalls, 1)
	assert.Equal(t, "42", cCalls[0].Parameters["y"])
	assert.Equal(t, float64(0), cCalls[0].Parameters["code"])

	for _, nodeID := range []string{"node-a", "node-b", "node-c"} {
		record := execution.NodeExecutionByID(nodeID)
		require.NotNil(t, record)
		assert.Equal(t, models.NodeCompleted, record.Status, nodeID)
		assert.NotEmpty(t, record.ProgramExecutionID, nodeID)
	}

	require.NotNil(t, execution.Results)
	assert.Len(t, execution.Results.FinalOutputs, 3)
	assert.Equal(t, "41", execution.Results.FinalOutputs["node-a"][models.OutputFieldStdout])
	assert.Contains(t, execution.Results.Summary, "3 of 3 nodes completed")

	// Counter write happens just after the terminal status becomes visible
	require.Eventually(t, func() bool {
		return h.workflows.recordedRuns(wf.ID.String()) == 1
	}, waitTimeout, 5*time.Millisecond)
}

// Scenario: static inputs are overridden by user inputs; absent user inputs
// fall back to their declared defaults.
func TestExecute_InputLayering(t *testing.T) {
	n := testNode("node-a", "prog-a")
	n.InputConfiguration.StaticInputs = []models.StaticInput{
		{Name: "mode", Value: "static"},
		{Name: "threshold", Value: 10},
	}
	n.InputConfiguration.UserInputs = []models.UserInput{
		{Name: "mode"},
		{Name: "region", DefaultValue: "eu-west"},
		{Name: "comment"},
	}
	wf := testWorkflow([]models.Node{n}, nil)

	projects := newFakeProjects()
	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, map[string]interface{}{
		"node-a.mode": "user",
	})
	execution := h.waitTerminal(t, id)
	require.Equal(t, models.ExecutionCompleted, execution.Status)

	calls := projects.callsFor("prog-a")
	require.Len(t, calls, 1)
	params := calls[0].Parameters
	assert.Equal(t, "user", params["mode"])
	assert.Equal(t, 10, params["threshold"])
	assert.Equal(t, "eu-west", params["region"])
	_, present := params["comment"]
	assert.False(t, present, "undeclared value without default must be absent")
}

// Scenario: diamond with maxConcurrentNodes=1 never runs two nodes at once
func TestExecute_MaxConcurrentNodesBoundsParallelism(t *testing.T) {
	a := testNode("node-a", "prog-src")
	b := testNode("node-b", "prog-mid")
	c := testNode("node-c", "prog-mid")
	d := testNode("node-d", "prog-sink")
	d.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("left", "node-b", models.OutputFieldStdout),
		mapInput("right", "node-c", models.OutputFieldStdout),
	}

	wf := testWorkflow(
		[]models.Node{a, b, c, d},
		[]models.Edge{
			testEdge("node-a", "node-b"),
			testEdge("node-a", "node-c"),
			testEdge("node-b", "node-d"),
			testEdge("node-c", "node-d"),
		},
	)

	var mu sync.Mutex
	inflight, maxInflight := 0, 0
	track := func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return succeedWith("done")
	}

	projects := newFakeProjects()
	projects.handle("prog-src", track)
	projects.handle("prog-mid", track)
	projects.handle("prog-sink", track)

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{MaxConcurrentNodes: 1}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInflight, "maxConcurrentNodes=1 must serialize node execution")
	assert.Equal(t, 4, projects.callCount())
}

// Scenario: a node fails and the run does not tolerate failures. Dispatch
// stops: completed stay completed, undispatched nodes stay pending.
func TestExecute_NodeFailureStopsDispatch(t *testing.T) {
	a := testNode("node-a", "prog-a")
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("x", "node-a", models.OutputFieldStdout),
	}
	c := testNode("node-c", "prog-c")
	c.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("y", "node-b", models.OutputFieldStdout),
	}
	wf := testWorkflow(
		[]models.Node{a, b, c},
		[]models.Edge{testEdge("node-a", "node-b"), testEdge("node-b", "node-c")},
	)

	projects := newFakeProjects()
	projects.handle("prog-b", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		return failWith(3, "boom")
	})

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionFailed, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrExecution, execution.Error.ErrorType)
	assert.Contains(t, execution.Error.Message, "node-b")

	assert.Equal(t, models.NodeCompleted, execution.NodeExecutionByID("node-a").Status)

	failed := execution.NodeExecutionByID("node-b")
	require.Equal(t, models.NodeFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrExecution, failed.Error.ErrorType)
	assert.Equal(t, "boom", failed.Error.Message)
	require.NotNil(t, failed.Error.ExitCode)
	assert.Equal(t, 3, *failed.Error.ExitCode)

	// Never dispatched: the failure cancelled the session before its wave
	assert.Equal(t, models.NodePending, execution.NodeExecutionByID("node-c").Status)
	assert.Empty(t, projects.callsFor("prog-c"))
}

// Scenario: with continueOnError set, independent branches keep running and
// dependents of the failed node are skipped; the run still completes.
func TestExecute_ContinueOnErrorSkipsDependents(t *testing.T) {
	a := testNode("node-a", "prog-a")
	b := testNode("node-b", "prog-b")
	c := testNode("node-c", "prog-c")
	d := testNode("node-d", "prog-d")
	d.InputConfiguration.InputMappings = []models.InputMapping{
		mapInput("left", "node-b", models.OutputFieldStdout),
	}
	wf := testWorkflow(
		[]models.Node{a, b, c, d},
		[]models.Edge{
			testEdge("node-a", "node-b"),
			testEdge("node-a", "node-c"),
			testEdge("node-b", "node-d"),
		},
	)

	projects := newFakeProjects()
	projects.handle("prog-b", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		return failWith(1, "branch failure")
	})

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{ContinueOnError: true}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	assert.Equal(t, models.NodeCompleted, execution.NodeExecutionByID("node-a").Status)
	assert.Equal(t, models.NodeFailed, execution.NodeExecutionByID("node-b").Status)
	assert.Equal(t, models.NodeCompleted, execution.NodeExecutionByID("node-c").Status)

	skipped := execution.NodeExecutionByID("node-d")
	require.Equal(t, models.NodeSkipped, skipped.Status)
	assert.True(t, skipped.WasSkipped)
	assert.Equal(t, "dependency node-b failed", skipped.SkipReason)
	assert.Empty(t, projects.callsFor("prog-d"))

	require.NotNil(t, execution.Results)
	assert.Contains(t, execution.Results.Summary, "2 of 4 nodes completed")
	assert.Contains(t, execution.Results.Summary, "1 failed")
	assert.Contains(t, execution.Results.Summary, "1 skipped")
}

// Scenario: the source of an optional mapping fails; the dependent still
// runs and receives the mapping's default value.
func TestExecute_OptionalDependencyFallsBackToDefault(t *testing.T) {
	a := testNode("node-a", "prog-a")
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		{
			InputName:        "x",
			SourceNodeID:     "node-a",
			SourceOutputName: models.OutputFieldStdout,
			IsOptional:       true,
			DefaultValue:     "fallback",
		},
	}
	wf := testWorkflow(
		[]models.Node{a, b},
		[]models.Edge{testEdge("node-a", "node-b")},
	)

	projects := newFakeProjects()
	projects.handle("prog-a", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		return failWith(7, "upstream down")
	})

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{ContinueOnError: true}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	assert.Equal(t, models.NodeFailed, execution.NodeExecutionByID("node-a").Status)
	assert.Equal(t, models.NodeCompleted, execution.NodeExecutionByID("node-b").Status)

	calls := projects.callsFor("prog-b")
	require.Len(t, calls, 1)
	assert.Equal(t, "fallback", calls[0].Parameters["x"])
}

// Scenario: the source completed but the mapped field resolved to nothing
// at runtime. With a default declared the dependent runs on the default;
// without one the dependent fails with a validation error.
func TestExecute_MissingOutputFieldUsesDefault(t *testing.T) {
	a := testNode("node-a", "prog-a")
	// "report" is declared but sources a non-builtin field, so it assembles
	// to null at runtime
	a.OutputConfiguration.OutputMappings = []models.OutputMapping{
		{OutputName: "report", SourceField: "data"},
	}
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		{
			InputName:        "x",
			SourceNodeID:     "node-a",
			SourceOutputName: "report",
			DefaultValue:     "none",
		},
	}
	wf := testWorkflow(
		[]models.Node{a, b},
		[]models.Edge{testEdge("node-a", "node-b")},
	)

	projects := newFakeProjects()
	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	calls := projects.callsFor("prog-b")
	require.Len(t, calls, 1)
	assert.Equal(t, "none", calls[0].Parameters["x"])
}

func TestExecute_MissingRequiredInputFailsNode(t *testing.T) {
	a := testNode("node-a", "prog-a")
	a.OutputConfiguration.OutputMappings = []models.OutputMapping{
		{OutputName: "report", SourceField: "data"},
	}
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		{
			InputName:        "x",
			SourceNodeID:     "node-a",
			SourceOutputName: "report",
		},
	}
	wf := testWorkflow(
		[]models.Node{a, b},
		[]models.Edge{testEdge("node-a", "node-b")},
	)

	projects := newFakeProjects()
	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionFailed, execution.Status)
	record := execution.NodeExecutionByID("node-b")
	require.Equal(t, models.NodeFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, models.ErrValidation, record.Error.ErrorType)
	assert.Contains(t, record.Error.Message, `input "x" has no value`)
	// Composition failed before dispatch; the program never ran
	assert.Empty(t, projects.callsFor("prog-b"))
}

// Disabled nodes are skipped without dispatch and release their dependents
// only through optional mappings.
func TestExecute_DisabledNodeIsSkipped(t *testing.T) {
	a := testNode("node-a", "prog-a")
	a.IsDisabled = true
	b := testNode("node-b", "prog-b")
	b.InputConfiguration.InputMappings = []models.InputMapping{
		{
			InputName:        "x",
			SourceNodeID:     "node-a",
			SourceOutputName: models.OutputFieldStdout,
			IsOptional:       true,
		},
	}
	wf := testWorkflow(
		[]models.Node{a, b},
		[]models.Edge{testEdge("node-a", "node-b")},
	)

	projects := newFakeProjects()
	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionCompleted, execution.Status)
	record := execution.NodeExecutionByID("node-a")
	assert.Equal(t, models.NodeSkipped, record.Status)
	assert.Equal(t, "Node is disabled", record.SkipReason)
	assert.Empty(t, projects.callsFor("prog-a"))

	// Optional mapping with no default and no value: parameter absent
	calls := projects.callsFor("prog-b")
	require.Len(t, calls, 1)
	_, present := calls[0].Parameters["x"]
	assert.False(t, present)
}

// Submission-time rejections never create execution records
func TestExecute_SubmissionRejections(t *testing.T) {
	t.Run("archived workflow", func(t *testing.T) {
		wf := testWorkflow([]models.Node{testNode("node-a", "prog-a")}, nil)
		wf.Status = models.WorkflowArchived

		h := newTestEngine(t, wf, newFakeProjects(), config.EngineConfig{})
		_, err := h.engine.Execute(context.Background(), &ExecuteRequest{
			WorkflowID: wf.ID.String(), UserID: "user-1",
		})
		require.Error(t, err)
		assert.True(t, models.IsValidation(err))
		assert.Empty(t, h.store.recs, "rejected submissions must not persist records")
	})

	t.Run("cyclic workflow", func(t *testing.T) {
		wf := testWorkflow(
			[]models.Node{testNode("node-a", "prog-a"), testNode("node-b", "prog-b")},
			[]models.Edge{testEdge("node-a", "node-b"), testEdge("node-b", "node-a")},
		)
		h := newTestEngine(t, wf, newFakeProjects(), config.EngineConfig{})
		_, err := h.engine.Execute(context.Background(), &ExecuteRequest{
			WorkflowID: wf.ID.String(), UserID: "user-1",
		})
		require.Error(t, err)
		assert.True(t, models.IsValidation(err))
	})

	t.Run("unauthorized user", func(t *testing.T) {
		wf := testWorkflow([]models.Node{testNode("node-a", "prog-a")}, nil)
		h := newTestEngine(t, wf, newFakeProjects(), config.EngineConfig{})
		_, err := h.engine.Execute(context.Background(), &ExecuteRequest{
			WorkflowID: wf.ID.String(), UserID: "intruder",
		})
		require.Error(t, err)
		assert.True(t, models.IsType(err, models.ErrPermissionDenied))
	})

	t.Run("undeclared user input", func(t *testing.T) {
		wf := testWorkflow([]models.Node{testNode("node-a", "prog-a")}, nil)
		h := newTestEngine(t, wf, newFakeProjects(), config.EngineConfig{})
		_, err := h.engine.Execute(context.Background(), &ExecuteRequest{
			WorkflowID: wf.ID.String(),
			UserID:     "user-1",
			UserInputs: map[string]interface{}{"node-a.nope": 1},
		})
		require.Error(t, err)
		assert.True(t, models.IsValidation(err))
	})

	t.Run("unknown workflow", func(t *testing.T) {
		wf := testWorkflow([]models.Node{testNode("node-a", "prog-a")}, nil)
		h := newTestEngine(t, wf, newFakeProjects(), config.EngineConfig{})
		_, err := h.engine.Execute(context.Background(), &ExecuteRequest{
			WorkflowID: uuid.New().String(), UserID: "user-1",
		})
		require.Error(t, err)
		assert.True(t, models.IsNotFound(err))
	})
}

// A crashing project engine fails the node as a system error instead of
// taking the driver down.
func TestExecute_ProjectEnginePanicFailsNode(t *testing.T) {
	wf := testWorkflow([]models.Node{testNode("node-a", "prog-a")}, nil)

	projects := newFakeProjects()
	projects.handle("prog-a", func(ctx context.Context, req *models.ProjectExecutionRequest) *models.ProjectExecutionResult {
		panic("runner blew up")
	})

	h := newTestEngine(t, wf, projects, config.EngineConfig{})
	id := h.submit(t, wf, models.ExecutionOptions{}, nil)
	execution := h.waitTerminal(t, id)

	require.Equal(t, models.ExecutionFailed, execution.Status)
	record := execution.NodeExecutionByID("node-a")
	require.Equal(t, models.NodeFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, models.ErrSystem, record.Error.ErrorType)
	assert.Contains(t, record.Error.Message, "runner blew up")
}
