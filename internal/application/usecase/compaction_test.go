package usecase_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jimiagent/jimi/internal/application/usecase"
	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
)

func newCompactionTestStore(t *testing.T) *domaincontext.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := domaincontext.NewStore(filepath.Join(dir, "history.jsonl"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingFlusher struct {
	flushed []string
}

func (r *recordingFlusher) FlushToMemory(ctx context.Context, content string, metadata map[string]interface{}) error {
	r.flushed = append(r.flushed, content)
	return nil
}

func TestCompactorApplyCollapsesStoreAndFlushesMemory(t *testing.T) {
	store := newCompactionTestStore(t)
	for i := 0; i < 6; i++ {
		if _, err := store.Append(domaincontext.Message{
			Role:    domaincontext.RoleAssistant,
			Content: "a long enough assistant message to be worth remembering for posterity",
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	flusher := &recordingFlusher{}
	compactor := usecase.NewCompactor(nil)
	compactor.SetMemoryFlusher(flusher)

	if err := compactor.Apply(context.Background(), store, "SUMMARY"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	hist := store.History()
	if len(hist) != usecase.CompactKeepRecentMessages+1 {
		t.Fatalf("history length after Apply = %d, want %d", len(hist), usecase.CompactKeepRecentMessages+1)
	}
	if hist[0].Content != "SUMMARY" {
		t.Fatalf("history[0] = %q, want SUMMARY", hist[0].Content)
	}
	if len(flusher.flushed) != 6-usecase.CompactKeepRecentMessages {
		t.Fatalf("flushed %d messages, want %d", len(flusher.flushed), 6-usecase.CompactKeepRecentMessages)
	}
}

func TestCompactorApplySkipsShortHistory(t *testing.T) {
	store := newCompactionTestStore(t)
	store.Append(domaincontext.Message{Role: domaincontext.RoleUser, Content: "hi"})

	compactor := usecase.NewCompactor(nil)
	if err := compactor.Apply(context.Background(), store, "SUMMARY"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := store.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (no collapse below the tail size)", got)
	}
}
