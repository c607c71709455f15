package project

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/chainworks/cascade/common/config"
	"github.com/chainworks/cascade/common/contract"
	"github.com/chainworks/cascade/common/models"
	redisw "github.com/chainworks/cascade/common/redis"
	"github.com/chainworks/cascade/common/runners"
	"github.com/chainworks/cascade/common/storage"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

// stubRunner claims every directory and scripts its build/execute outcomes
type stubRunner struct {
	buildFail bool
	execFn    func(pctx *runners.ProjectContext) (*models.ProjectExecutionResult, error)
	lastDir   string
}

func (s *stubRunner) Language() string          { return "stub" }
func (s *stubRunner) Priority() int             { return 1 }
func (s *stubRunner) CanHandle(dir string) bool { return true }
func (s *stubRunner) Analyze(dir string) (*models.ProjectStructureAnalysis, error) {
	return &models.ProjectStructureAnalysis{Language: "stub", ProjectType: "stub"}, nil
}
func (s *stubRunner) Build(ctx context.Context, pctx *runners.ProjectContext) (*models.ProjectBuildResult, error) {
	if s.buildFail {
		return &models.ProjectBuildResult{
			Success:     false,
			ExitCode:    2,
			ErrorOutput: "compile error: missing semicolon",
		}, nil
	}
	return &models.ProjectBuildResult{Success: true, Skipped: true}, nil
}
func (s *stubRunner) Execute(ctx context.Context, pctx *runners.ProjectContext) (*models.ProjectExecutionResult, error) {
	s.lastDir = pctx.Dir
	if s.execFn != nil {
		return s.execFn(pctx)
	}
	outDir := filepath.Join(pctx.Dir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(outDir, "result.txt"), []byte("done"), 0o644); err != nil {
		return nil, err
	}
	return &models.ProjectExecutionResult{Success: true, Output: "ran"}, nil
}

func newHarness(t *testing.T, cfg config.EngineConfig, stub *stubRunner) (*Engine, *storage.RedisFileStore) {
	t.Helper()
	logger := &testLogger{t}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.NewRedisFileStore(redisw.NewClient(client, logger), logger)

	registry := runners.NewRegistry(logger)
	if stub != nil {
		registry.Register(stub)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.OutputDirName == "" {
		cfg.OutputDirName = "output"
	}
	if cfg.DefaultTimeoutMinutes == 0 {
		cfg.DefaultTimeoutMinutes = 10
	}
	if cfg.MaxTimeoutMinutes == 0 {
		cfg.MaxTimeoutMinutes = 60
	}

	engine := NewEngine(EngineOpts{
		Files:    store,
		Registry: registry,
		Mapper:   contract.NewMapper(logger),
		Config:   cfg,
		Logger:   logger,
	})
	return engine, store
}

func seedProgram(t *testing.T, store *storage.RedisFileStore, programID string, files map[string][]byte) {
	t.Helper()
	if err := store.PutProgram(context.Background(), programID, "", files); err != nil {
		t.Fatalf("failed to seed program: %v", err)
	}
}

func TestExecuteProject_HappyPath(t *testing.T) {
	workDir := t.TempDir()
	stub := &stubRunner{}
	engine, store := newHarness(t, config.EngineConfig{WorkDir: workDir}, stub)
	seedProgram(t, store, "prog-1", map[string][]byte{"main.py": []byte("print('x')")})

	var seenParams map[string]interface{}
	stub.execFn = func(pctx *runners.ProjectContext) (*models.ProjectExecutionResult, error) {
		stub.lastDir = pctx.Dir
		raw, err := os.ReadFile(filepath.Join(pctx.Dir, ParametersFileName))
		if err != nil {
			t.Errorf("parameters.json missing: %v", err)
		} else if err := json.Unmarshal(raw, &seenParams); err != nil {
			t.Errorf("parameters.json not valid json: %v", err)
		}
		outDir := filepath.Join(pctx.Dir, "output")
		_ = os.MkdirAll(filepath.Join(outDir, "sub"), 0o755)
		_ = os.WriteFile(filepath.Join(outDir, "b.csv"), []byte("1,2"), 0o644)
		_ = os.WriteFile(filepath.Join(outDir, "sub", "a.txt"), []byte("x"), 0o644)
		return &models.ProjectExecutionResult{Success: true, ExitCode: 0, Output: "ok"}, nil
	}

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{
		ProgramID:  "prog-1",
		UserID:     "user-1",
		Parameters: map[string]interface{}{"threshold": 5, "label": "run"},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExecutionID == "" {
		t.Error("expected execution id set")
	}
	if seenParams["label"] != "run" {
		t.Errorf("parameters seen by runner = %v", seenParams)
	}
	want := []string{"output/b.csv", "output/sub/a.txt"}
	if len(result.OutputFiles) != 2 || result.OutputFiles[0] != want[0] || result.OutputFiles[1] != want[1] {
		t.Errorf("output files = %v, want %v", result.OutputFiles, want)
	}

	// Directory removed when artifacts are not retained
	if _, err := os.Stat(stub.lastDir); !os.IsNotExist(err) {
		t.Errorf("expected project directory removed, stat err = %v", err)
	}
}

func TestExecuteProject_RetainArtifacts(t *testing.T) {
	stub := &stubRunner{}
	engine, store := newHarness(t, config.EngineConfig{}, stub)
	seedProgram(t, store, "prog-2", map[string][]byte{"main.py": []byte("pass")})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{
		ProgramID:       "prog-2",
		RetainArtifacts: true,
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, err := os.Stat(stub.lastDir); err != nil {
		t.Errorf("expected retained project directory, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(stub.lastDir, "main.py")); err != nil {
		t.Errorf("expected materialized program file, stat err = %v", err)
	}
}

func TestExecuteProject_MissingProgram(t *testing.T) {
	engine, _ := newHarness(t, config.EngineConfig{}, &stubRunner{})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{ProgramID: "ghost"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorType != models.ErrNotFound {
		t.Errorf("error type = %q, want NotFound", result.ErrorType)
	}
}

func TestExecuteProject_NoRunner(t *testing.T) {
	engine, store := newHarness(t, config.EngineConfig{}, nil)
	seedProgram(t, store, "prog-3", map[string][]byte{"data.bin": {0x1}})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{ProgramID: "prog-3"})
	if result.ErrorType != models.ErrNoRunnerAvailable {
		t.Errorf("error type = %q, want NoRunnerAvailable", result.ErrorType)
	}
}

func TestExecuteProject_BuildFailure(t *testing.T) {
	stub := &stubRunner{buildFail: true}
	engine, store := newHarness(t, config.EngineConfig{}, stub)
	seedProgram(t, store, "prog-4", map[string][]byte{"Main.java": []byte("class Main {}")})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{ProgramID: "prog-4"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorType != models.ErrBuildFailed {
		t.Errorf("error type = %q, want BuildFailed", result.ErrorType)
	}
	if result.ExitCode != 2 || result.ErrorOutput == "" {
		t.Errorf("expected build diagnostics carried, got %+v", result)
	}
}

func TestExecuteProject_RejectsTraversalPaths(t *testing.T) {
	engine, store := newHarness(t, config.EngineConfig{}, &stubRunner{})
	seedProgram(t, store, "prog-5", map[string][]byte{"../evil.sh": []byte("rm -rf /")})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{ProgramID: "prog-5"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorType != models.ErrValidation {
		t.Errorf("error type = %q, want ValidationError", result.ErrorType)
	}
}

func TestExecuteProject_InputFiles(t *testing.T) {
	stub := &stubRunner{}
	engine, store := newHarness(t, config.EngineConfig{}, stub)
	seedProgram(t, store, "prog-6", map[string][]byte{"main.py": []byte("pass")})

	binary := []byte{0x89, 0x50, 0x4e, 0x47}
	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{
		ProgramID:       "prog-6",
		RetainArtifacts: true,
		InputFiles: []models.InputFile{
			{Name: "data/config.txt", Content: "threshold=5"},
			{Name: "data/logo.png", Content: base64.StdEncoding.EncodeToString(binary), ContentType: "base64"},
		},
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	text, err := os.ReadFile(filepath.Join(stub.lastDir, "data", "config.txt"))
	if err != nil || string(text) != "threshold=5" {
		t.Errorf("text input file = %q err=%v", text, err)
	}
	blob, err := os.ReadFile(filepath.Join(stub.lastDir, "data", "logo.png"))
	if err != nil || len(blob) != len(binary) || blob[0] != 0x89 {
		t.Errorf("binary input file = %v err=%v", blob, err)
	}
}

func TestExecuteProject_PanicRecovery(t *testing.T) {
	stub := &stubRunner{execFn: func(pctx *runners.ProjectContext) (*models.ProjectExecutionResult, error) {
		panic("runner blew up")
	}}
	engine, store := newHarness(t, config.EngineConfig{}, stub)
	seedProgram(t, store, "prog-7", map[string][]byte{"main.py": []byte("pass")})

	result := engine.ExecuteProject(context.Background(), &models.ProjectExecutionRequest{ProgramID: "prog-7"})
	if result == nil || result.Success {
		t.Fatalf("expected folded failure, got %+v", result)
	}
	if result.ErrorType != models.ErrSystem {
		t.Errorf("error type = %q, want SystemError", result.ErrorType)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	engine, _ := newHarness(t, config.EngineConfig{DefaultTimeoutMinutes: 10, MaxTimeoutMinutes: 60}, &stubRunner{})

	cases := []struct{ requested, want int }{
		{0, 10},
		{-5, 10},
		{30, 30},
		{60, 60},
		{120, 60},
	}
	for _, tc := range cases {
		if got := engine.effectiveTimeout(tc.requested); got != tc.want {
			t.Errorf("effectiveTimeout(%d) = %d, want %d", tc.requested, got, tc.want)
		}
	}
}
