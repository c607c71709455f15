package runners

import (
	"testing"
)

func TestPythonRunner_AnalyzeScript(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.py":  "print('hello')",
		"util.py":  "x = 1",
		"notes.md": "readme",
	})

	runner := NewPythonRunner(nil, &testLogger{t})
	if !runner.CanHandle(dir) {
		t.Fatal("expected CanHandle true")
	}

	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if analysis.ProjectType != "script" || analysis.HasBuildFile {
		t.Errorf("project type = %q hasBuildFile=%v", analysis.ProjectType, analysis.HasBuildFile)
	}
	if analysis.MainEntryPoint != "main.py" {
		t.Errorf("entry point = %q, want main.py", analysis.MainEntryPoint)
	}
	if len(analysis.SourceFiles) != 2 {
		t.Errorf("source files = %v", analysis.SourceFiles)
	}
}

func TestPythonRunner_RequirementsParsing(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"app.py": "import requests",
		"requirements.txt": `# pinned deps
requests==2.31.0
numpy>=1.26
pandas~=2.2.0

flask[async]==3.0.0
-r extra.txt
`,
	})

	runner := NewPythonRunner(nil, &testLogger{t})
	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !analysis.HasBuildFile {
		t.Error("expected HasBuildFile with requirements.txt")
	}

	want := []string{"requests", "numpy", "pandas", "flask"}
	if len(analysis.Dependencies) != len(want) {
		t.Fatalf("dependencies = %v, want %v", analysis.Dependencies, want)
	}
	for i := range want {
		if analysis.Dependencies[i] != want[i] {
			t.Errorf("dependencies[%d] = %q, want %q", i, analysis.Dependencies[i], want[i])
		}
	}
}

func TestPythonRunner_MainGuardFallback(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"worker.py": "if __name__ == \"__main__\":\n    run()",
		"lib.py":    "def run(): pass",
	})

	runner := NewPythonRunner(nil, &testLogger{t})
	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if analysis.MainEntryPoint != "worker.py" {
		t.Errorf("entry point = %q, want worker.py", analysis.MainEntryPoint)
	}
}
