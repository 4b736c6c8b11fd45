package agentspec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadSimpleSpec(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agent.yaml"), `
version: 1
agent:
  name: coder
  system_prompt_path: ./system.md
  tools: ["ReadFile", "Bash"]
`)
	writeFile(t, filepath.Join(dir, "system.md"), "You are a coder.")

	spec, err := Load(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Name != "coder" {
		t.Errorf("Name = %q, want coder", spec.Name)
	}
	want := filepath.Join(dir, "system.md")
	if spec.SystemPromptPath != want {
		t.Errorf("SystemPromptPath = %q, want %q", spec.SystemPromptPath, want)
	}
	if got := spec.AllowedTools(); len(got) != 2 || got[0] != "ReadFile" || got[1] != "Bash" {
		t.Errorf("AllowedTools() = %v", got)
	}
}

func TestLoadExtendMergesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base", "agent.yaml"), `
version: 1
agent:
  name: base-agent
  system_prompt_path: ./base_system.md
  system_prompt_args: { ROLE: assistant }
  tools: ["ReadFile", "Grep", "Bash"]
`)
	writeFile(t, filepath.Join(dir, "base", "base_system.md"), "base prompt")
	writeFile(t, filepath.Join(dir, "agent.yaml"), `
version: 1
agent:
  extend: ./base/agent.yaml
  name: child-agent
  exclude_tools: ["Bash"]
  system_prompt_args: { PROJECT: widgets }
`)

	spec, err := Load(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Name != "child-agent" {
		t.Errorf("Name = %q, want child-agent (child overrides scalar)", spec.Name)
	}
	wantPrompt := filepath.Join(dir, "base", "base_system.md")
	if spec.SystemPromptPath != wantPrompt {
		t.Errorf("SystemPromptPath = %q, want inherited %q", spec.SystemPromptPath, wantPrompt)
	}
	if spec.PromptParams["ROLE"] != "assistant" || spec.PromptParams["PROJECT"] != "widgets" {
		t.Errorf("PromptParams = %v, want both parent and child keys merged", spec.PromptParams)
	}
	got := spec.AllowedTools()
	if len(got) != 2 || got[0] != "ReadFile" || got[1] != "Grep" {
		t.Errorf("AllowedTools() = %v, want ReadFile,Grep with Bash excluded", got)
	}
}

func TestLoadToolsReplacedNotConcatenated(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
version: 1
agent:
  name: base
  tools: ["A", "B", "C"]
`)
	writeFile(t, filepath.Join(dir, "child.yaml"), `
version: 1
agent:
  extend: ./base.yaml
  tools: ["D"]
`)
	spec, err := Load(filepath.Join(dir, "child.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := spec.AllowedTools(); len(got) != 1 || got[0] != "D" {
		t.Errorf("AllowedTools() = %v, want just [D] (replaced, not concatenated)", got)
	}
}

func TestLoadResolvesSubagentsRecursively(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "review.yaml"), `
version: 1
agent:
  name: reviewer
  tools: ["ReadFile"]
`)
	writeFile(t, filepath.Join(dir, "agent.yaml"), `
version: 1
agent:
  name: main
  subagents:
    review: { path: ./sub/review.yaml, description: "runs code review" }
`)

	spec, err := Load(filepath.Join(dir, "agent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub, ok := spec.Subagents["review"]
	if !ok {
		t.Fatal("expected subagent \"review\" to be resolved")
	}
	if sub.Name != "reviewer" {
		t.Errorf("sub.Name = %q, want reviewer", sub.Name)
	}
}

func TestLoadSubagentTableMergedKeyWiseChildPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub-a.yaml"), `
version: 1
agent:
  name: sub-a-v1
`)
	writeFile(t, filepath.Join(dir, "sub-a-v2.yaml"), `
version: 1
agent:
  name: sub-a-v2
`)
	writeFile(t, filepath.Join(dir, "sub-b.yaml"), `
version: 1
agent:
  name: sub-b
`)
	writeFile(t, filepath.Join(dir, "base.yaml"), `
version: 1
agent:
  name: base
  subagents:
    a: { path: ./sub-a.yaml }
`)
	writeFile(t, filepath.Join(dir, "child.yaml"), `
version: 1
agent:
  extend: ./base.yaml
  subagents:
    a: { path: ./sub-a-v2.yaml }
    b: { path: ./sub-b.yaml }
`)

	spec, err := Load(filepath.Join(dir, "child.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(spec.Subagents) != 2 {
		t.Fatalf("Subagents = %v, want 2 entries", spec.Subagents)
	}
	if spec.Subagents["a"].Name != "sub-a-v2" {
		t.Errorf("Subagents[a].Name = %q, want child override sub-a-v2", spec.Subagents["a"].Name)
	}
	if spec.Subagents["b"].Name != "sub-b" {
		t.Errorf("Subagents[b].Name = %q, want sub-b", spec.Subagents["b"].Name)
	}
}

func TestLoadDetectsExtendCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), `
version: 1
agent:
  extend: ./b.yaml
  name: a
`)
	writeFile(t, filepath.Join(dir, "b.yaml"), `
version: 1
agent:
  extend: ./a.yaml
  name: b
`)
	if _, err := Load(filepath.Join(dir, "a.yaml")); err == nil {
		t.Fatal("expected an error for an extend cycle")
	}
}

func TestInterpolateLeavesUnresolvedPlaceholders(t *testing.T) {
	got := interpolate("hello ${NAME}, today is ${KIMI_NOW}, also ${UNKNOWN}", map[string]string{
		"NAME":     "world",
		"KIMI_NOW": "2026-07-31",
	})
	want := "hello world, today is 2026-07-31, also ${UNKNOWN}"
	if got != want {
		t.Errorf("interpolate() = %q, want %q", got, want)
	}
}

func TestRenderSystemPromptSubstitutesBuiltinsAndArgs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "system.md"), "workdir=${KIMI_WORK_DIR} role=${ROLE} missing=${NOPE}")

	spec := &Spec{
		SystemPromptPath: filepath.Join(dir, "system.md"),
		PromptParams:     map[string]string{"ROLE": "assistant"},
	}
	out, err := RenderSystemPrompt(spec, dir)
	if err != nil {
		t.Fatalf("RenderSystemPrompt: %v", err)
	}
	absDir, _ := filepath.Abs(dir)
	if want := "workdir=" + absDir; !strings.Contains(out, want) {
		t.Errorf("output = %q, want to contain %q", out, want)
	}
	if !strings.Contains(out, "role=assistant") {
		t.Errorf("output = %q, want role=assistant", out)
	}
	if !strings.Contains(out, "missing=${NOPE}") {
		t.Errorf("output = %q, want unresolved placeholder left as-is", out)
	}
}
