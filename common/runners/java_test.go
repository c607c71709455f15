package runners

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

const javaMainSource = `package com.example.app;

public class Main {
    public static void main(String[] args) {
        System.out.println("hello");
    }
}
`

func TestJavaRunner_AnalyzeMaven(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pom.xml": `<project>
  <dependencies>
    <dependency>
      <groupId>com.google.guava</groupId>
      <artifactId>guava</artifactId>
      <version>33.0.0-jre</version>
    </dependency>
    <dependency>
      <groupId>org.slf4j</groupId>
      <artifactId>slf4j-api</artifactId>
    </dependency>
  </dependencies>
</project>`,
		"src/main/java/com/example/app/Main.java": javaMainSource,
		"src/main/java/com/example/app/Util.java": "package com.example.app;\nclass Util {}\n",
	})

	runner := NewJavaRunner(nil, &testLogger{t})
	if !runner.CanHandle(dir) {
		t.Fatal("expected CanHandle true for maven project")
	}

	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if analysis.ProjectType != "maven" || !analysis.HasBuildFile {
		t.Errorf("project type = %q hasBuildFile=%v, want maven/true", analysis.ProjectType, analysis.HasBuildFile)
	}
	if len(analysis.SourceFiles) != 2 {
		t.Errorf("source files = %v", analysis.SourceFiles)
	}
	if len(analysis.EntryPoints) != 1 || filepath.Base(analysis.EntryPoints[0]) != "Main.java" {
		t.Errorf("entry points = %v", analysis.EntryPoints)
	}
	if got := analysis.Metadata["main_class"]; got != "com.example.app.Main" {
		t.Errorf("main class = %q, want %q", got, "com.example.app.Main")
	}
	if len(analysis.Dependencies) != 2 || analysis.Dependencies[0] != "guava" || analysis.Dependencies[1] != "slf4j-api" {
		t.Errorf("dependencies = %v", analysis.Dependencies)
	}
}

func TestJavaRunner_AnalyzePlain(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"Main.java": "public class Main { public static void main(String[] a) {} }"})

	runner := NewJavaRunner(nil, &testLogger{t})
	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if analysis.ProjectType != "plain" || analysis.HasBuildFile {
		t.Errorf("project type = %q hasBuildFile=%v, want plain/false", analysis.ProjectType, analysis.HasBuildFile)
	}
	if got := analysis.Metadata["main_class"]; got != "Main" {
		t.Errorf("main class = %q, want %q (default package)", got, "Main")
	}
}

func TestJavaRunner_GradleDetection(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"build.gradle": `plugins { id 'application' }
dependencies {
    implementation 'com.squareup.okhttp3:okhttp:4.12.0'
    api "org.apache.commons:commons-lang3:3.14.0"
    testImplementation 'junit:junit:4.13.2'
}`,
	})

	runner := NewJavaRunner(nil, &testLogger{t})
	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if analysis.ProjectType != "gradle" {
		t.Errorf("project type = %q, want gradle", analysis.ProjectType)
	}
	// testImplementation is not a runtime dependency declaration
	want := map[string]bool{
		"com.squareup.okhttp3:okhttp:4.12.0":      true,
		"org.apache.commons:commons-lang3:3.14.0": true,
	}
	for _, dep := range analysis.Dependencies {
		if !want[dep] {
			t.Errorf("unexpected dependency %q", dep)
		}
		delete(want, dep)
	}
	if len(want) != 0 {
		t.Errorf("missing dependencies: %v", want)
	}
}

func TestJavaRunner_IgnoresBuildOutput(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Main.java":       javaMainSource,
		"bin/Stale.java":  "class Stale {}",
		"target/Gen.java": "class Gen {}",
	})

	runner := NewJavaRunner(nil, &testLogger{t})
	analysis, err := runner.Analyze(dir)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(analysis.SourceFiles) != 1 || analysis.SourceFiles[0] != "Main.java" {
		t.Errorf("source files = %v, want only Main.java", analysis.SourceFiles)
	}
}
