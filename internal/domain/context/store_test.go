package context

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "history.jsonl")
	s, err := NewStore(logPath, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, logPath
}

func TestStoreAppendAndHistory(t *testing.T) {
	s, _ := newTestStore(t)

	n, err := s.Append(Message{Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Fatalf("Append returned length %d, want 1", n)
	}

	n, err = s.Append(
		Message{Role: RoleAssistant, Content: "", ToolCalls: []ToolCallInfo{{ID: "c1", Name: "ReadFile"}}},
		Message{Role: RoleTool, ToolCallID: "c1", Content: "hello"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 3 {
		t.Fatalf("Append returned length %d, want 3", n)
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("History() len = %d, want 3", len(hist))
	}
	if hist[2].ToolCallID != "c1" {
		t.Fatalf("tool message lost ToolCallID: %+v", hist[2])
	}
}

func TestStoreTokenMonotonicBetweenCheckpoints(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.UpdateTokens(10); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}
	if s.TokenCount() != 10 {
		t.Fatalf("TokenCount = %d, want 10", s.TokenCount())
	}

	cp0, err := s.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp0 != 0 {
		t.Fatalf("first checkpoint ordinal = %d, want 0", cp0)
	}

	if err := s.UpdateTokens(5); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}
	if s.TokenCount() != 15 {
		t.Fatalf("TokenCount = %d, want 15", s.TokenCount())
	}

	cp1, _ := s.Checkpoint()
	if cp1 != 1 {
		t.Fatalf("second checkpoint ordinal = %d, want 1", cp1)
	}

	if err := s.UpdateTokens(100); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	if err := s.RevertTo(cp1); err != nil {
		t.Fatalf("RevertTo: %v", err)
	}
	if s.TokenCount() != 15 {
		t.Fatalf("TokenCount after revert = %d, want 15 (value at checkpoint 1)", s.TokenCount())
	}
}

func TestStoreRevertRotatesLogAndRetainsPrefix(t *testing.T) {
	s, logPath := newTestStore(t)

	s.Append(Message{Role: RoleUser, Content: "one"})
	cp0, _ := s.Checkpoint()
	s.Append(Message{Role: RoleAssistant, Content: "two"})
	s.Append(Message{Role: RoleUser, Content: "three"})
	s.Checkpoint()

	if err := s.RevertTo(cp0); err != nil {
		t.Fatalf("RevertTo: %v", err)
	}

	if got := s.Len(); got != 1 {
		t.Fatalf("Len() after revert = %d, want 1", got)
	}
	if s.Checkpoints() != 1 {
		t.Fatalf("Checkpoints() after revert = %d, want 1", s.Checkpoints())
	}

	rotated := logPath + ".1"
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected rotated file %s to exist: %v", rotated, err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected fresh log at %s to exist: %v", logPath, err)
	}
}

func TestStoreRevertOutOfRangeFails(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.RevertTo(0); err == nil {
		t.Fatal("RevertTo(0) with no checkpoints should fail")
	}
}

func TestStoreRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "history.jsonl")

	s1, err := NewStore(logPath, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s1.Append(Message{Role: RoleSystem, Content: "sys"})
	s1.Append(Message{Role: RoleUser, Content: "hello"})
	s1.UpdateTokens(42)
	s1.Checkpoint()
	s1.Append(Message{Role: RoleAssistant, Content: "world"})
	s1.Close()

	s2, err := Restore(logPath, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer s2.Close()

	h1 := s1.History()
	h2 := s2.History()
	if len(h1) != len(h2) {
		t.Fatalf("restored history length = %d, want %d", len(h2), len(h1))
	}
	for i := range h1 {
		if h1[i].Role != h2[i].Role || h1[i].Content != h2[i].Content {
			t.Fatalf("message %d mismatch: got %+v, want %+v", i, h2[i], h1[i])
		}
	}
	if s2.TokenCount() != 42 {
		t.Fatalf("restored TokenCount = %d, want 42", s2.TokenCount())
	}
	if s2.Checkpoints() != 1 {
		t.Fatalf("restored Checkpoints() = %d, want 1", s2.Checkpoints())
	}
}

func TestStoreCompactCollapsesHistoryAndReestablishesCheckpointZero(t *testing.T) {
	s, logPath := newTestStore(t)

	for i := 0; i < 6; i++ {
		s.Append(Message{Role: RoleUser, Content: "turn"})
	}
	s.UpdateTokens(500)
	s.Checkpoint()
	s.Checkpoint()

	tail := s.History()[4:]
	ordinal, err := s.Compact(Message{Role: RoleAssistant, Content: "SUMMARY"}, tail)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if ordinal != 0 {
		t.Fatalf("Compact ordinal = %d, want 0", ordinal)
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("History() after compact len = %d, want 3 (summary + 2 tail)", len(hist))
	}
	if hist[0].Content != "SUMMARY" {
		t.Fatalf("History()[0] = %+v, want the summary message", hist[0])
	}
	if s.Checkpoints() != 1 {
		t.Fatalf("Checkpoints() after compact = %d, want 1 (re-established)", s.Checkpoints())
	}
	if s.TokenCount() != 500 {
		t.Fatalf("TokenCount after compact = %d, want 500 (usage survives collapse)", s.TokenCount())
	}

	rotated := logPath + ".1"
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected rotated file %s to exist: %v", rotated, err)
	}
}

func TestStoreRestoreSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "history.jsonl")
	if err := os.WriteFile(logPath, []byte("{\"role\":\"user\",\"content\":\"ok\"}\nnot json at all\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	s, err := Restore(logPath, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer s.Close()

	hist := s.History()
	if len(hist) != 1 {
		t.Fatalf("History() len = %d, want 1 (malformed line skipped)", len(hist))
	}
}
