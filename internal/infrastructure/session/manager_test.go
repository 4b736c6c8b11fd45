package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSessionWritesHistoryFileAndMetadata(t *testing.T) {
	workDir := t.TempDir()
	metaPath := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(metaPath, nil)

	sess, err := m.CreateSession(workDir)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a non-empty session id")
	}
	if _, err := os.Stat(sess.HistoryPath); err != nil {
		t.Fatalf("expected history file to exist: %v", err)
	}
	if _, err := os.Stat(metaPath); err != nil {
		t.Fatalf("expected metadata file to exist: %v", err)
	}
}

func TestContinueSessionReturnsLastSession(t *testing.T) {
	workDir := t.TempDir()
	metaPath := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(metaPath, nil)

	first, err := m.CreateSession(workDir)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := m.CreateSession(workDir)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, ok, err := m.ContinueSession(workDir)
	if err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}
	if !ok {
		t.Fatal("expected a session to be found")
	}
	if got.ID != second.ID {
		t.Errorf("ContinueSession returned %q, want most recent %q (first was %q)", got.ID, second.ID, first.ID)
	}
}

func TestContinueSessionEmptyWhenNoneExists(t *testing.T) {
	workDir := t.TempDir()
	metaPath := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(metaPath, nil)

	_, ok, err := m.ContinueSession(workDir)
	if err != nil {
		t.Fatalf("ContinueSession: %v", err)
	}
	if ok {
		t.Fatal("expected no session for an unknown work dir")
	}
}

func TestListSessionsAccumulatesAcrossCreates(t *testing.T) {
	workDir := t.TempDir()
	metaPath := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(metaPath, nil)

	a, _ := m.CreateSession(workDir)
	b, _ := m.CreateSession(workDir)

	ids, err := m.ListSessions(workDir)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 2 || ids[0] != a.ID || ids[1] != b.ID {
		t.Errorf("ListSessions() = %v, want [%s %s]", ids, a.ID, b.ID)
	}
}

func TestCreateSessionIsolatesDifferentWorkDirs(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	metaPath := filepath.Join(t.TempDir(), "sessions.json")
	m := NewManager(metaPath, nil)

	if _, err := m.CreateSession(dirA); err != nil {
		t.Fatalf("CreateSession(dirA): %v", err)
	}
	idsA, _ := m.ListSessions(dirA)
	idsB, _ := m.ListSessions(dirB)
	if len(idsA) != 1 {
		t.Errorf("ListSessions(dirA) = %v, want 1 entry", idsA)
	}
	if len(idsB) != 0 {
		t.Errorf("ListSessions(dirB) = %v, want 0 entries", idsB)
	}
}
