package memorystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jimiagent/jimi/internal/domain/memory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetBySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &memory.MemoryEntry{
		ID:        "e1",
		Content:   "the user prefers tabs over spaces",
		Embedding: []float32{1, 0, 0},
		Metadata:  map[string]interface{}{"tag": "preference"},
		SessionID: "sess-1",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.GetBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if len(got) != 1 || got[0].Content != entry.Content {
		t.Fatalf("GetBySession() = %+v", got)
	}
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []*memory.MemoryEntry{
		{ID: "close", Content: "close match", Embedding: []float32{1, 0, 0}, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		{ID: "far", Content: "far match", Embedding: []float32{0, 1, 0}, CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}
	for _, e := range entries {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "close" {
		t.Fatalf("Search() order = %v, want close first", results)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected close match to score higher: %+v", results)
	}
}

func TestSearchAppliesSessionFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, &memory.MemoryEntry{ID: "a", Embedding: []float32{1, 0}, SessionID: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	s.Insert(ctx, &memory.MemoryEntry{ID: "b", Embedding: []float32{1, 0}, SessionID: "y", CreatedAt: time.Now(), UpdatedAt: time.Now()})

	results, err := s.Search(ctx, []float32{1, 0}, 10, &memory.SearchFilter{SessionID: "x"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("Search() with session filter = %v", results)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, &memory.MemoryEntry{ID: "gone", SessionID: "s", Embedding: []float32{1}, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.GetBySession(ctx, "s")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected entry to be deleted, got %+v", got)
	}
}

func TestUpdateUpsertsExistingEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &memory.MemoryEntry{ID: "u1", Content: "v1", SessionID: "s", Embedding: []float32{1}, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.Insert(ctx, entry)

	entry.Content = "v2"
	entry.UpdatedAt = time.Now()
	if err := s.Update(ctx, entry); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.GetBySession(ctx, "s")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if len(got) != 1 || got[0].Content != "v2" {
		t.Fatalf("expected upsert to update content, got %+v", got)
	}
}
