package agentspec

import (
	"path/filepath"
	"testing"
)

func TestLoaderCachesResolvedSpec(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agent.yaml"), `
version: 1
agent:
  name: coder
`)

	l, err := NewLoader(false, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	path := filepath.Join(dir, "agent.yaml")
	if _, ok := l.Get(path); ok {
		t.Fatal("Get should miss before Load")
	}

	spec, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Name != "coder" {
		t.Fatalf("Name = %q", spec.Name)
	}

	cached, ok := l.Get(path)
	if !ok || cached != spec {
		t.Fatal("Get should return the same cached *Spec after Load")
	}
}

func TestLoaderReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	writeFile(t, path, `
version: 1
agent:
  name: v1
`)

	l, err := NewLoader(false, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	if _, err := l.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var reloadedName string
	l.OnReload(func(_ string, spec *Spec, err error) {
		if err == nil && spec != nil {
			reloadedName = spec.Name
		}
	})

	writeFile(t, path, `
version: 1
agent:
  name: v2
`)
	l.reload(path)

	if reloadedName != "v2" {
		t.Errorf("reloadedName = %q, want v2", reloadedName)
	}
	cached, _ := l.Get(path)
	if cached.Name != "v2" {
		t.Errorf("cached spec Name = %q, want v2", cached.Name)
	}
}

func TestLoaderReloadKeepsPreviousSpecOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	writeFile(t, path, `
version: 1
agent:
  name: good
`)

	l, err := NewLoader(false, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	if _, err := l.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeFile(t, path, "not: [valid: yaml")
	l.reload(path)

	cached, ok := l.Get(path)
	if !ok || cached.Name != "good" {
		t.Errorf("expected previous spec to survive a failed reload, got %+v", cached)
	}
}
