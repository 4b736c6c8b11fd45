package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestRepoMapToolExecuteRanksExportedSymbols(t *testing.T) {
	dir := t.TempDir()
	mainSrc := `package main

// Runner executes a task.
type Runner interface {
	Run() error
}

func helper() {}
`
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(mainSrc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	rt := NewRepoMapTool(zap.NewNop())
	res, err := rt.Execute(context.Background(), map[string]interface{}{"path": dir})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "Runner") {
		t.Errorf("expected output to mention Runner, got: %s", res.Output)
	}
	if res.Metadata["files_scanned"].(int) != 1 {
		t.Errorf("files_scanned = %v, want 1", res.Metadata["files_scanned"])
	}
}

func TestRepoMapToolExecuteRequiresPath(t *testing.T) {
	rt := NewRepoMapTool(zap.NewNop())
	res, err := rt.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for missing path")
	}
}

func TestRepoMapToolExecuteFiltersByLanguage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "script.py"), []byte("def run():\n    pass\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	rt := NewRepoMapTool(zap.NewNop())
	res, err := rt.Execute(context.Background(), map[string]interface{}{"path": dir, "language": "python"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Metadata["files_scanned"].(int) != 1 {
		t.Errorf("files_scanned = %v, want 1", res.Metadata["files_scanned"])
	}
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		ext, lang string
		want      bool
	}{
		{".go", "go", true},
		{".py", "go", false},
		{".tsx", "typescript", true},
		{".rs", "all", true},
		{".md", "all", false},
	}
	for _, tt := range tests {
		if got := matchLanguage(tt.ext, tt.lang); got != tt.want {
			t.Errorf("matchLanguage(%q, %q) = %v, want %v", tt.ext, tt.lang, got, tt.want)
		}
	}
}
