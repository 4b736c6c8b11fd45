// Package memorystore provides a sqlite-backed catalog of long-term memory
// entries (SPEC_FULL.md domain-stack: "metadata/catalog of long-term memory
// entries"), implementing domain/memory.VectorStore so it can stand in for
// the teacher's in-memory/lancedb stores wherever a durable, queryable
// catalog is wanted without running a full vector database.
package memorystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jimiagent/jimi/internal/domain/memory"
)

// Store is a sqlite-backed memory.VectorStore. Embeddings are stored as a
// JSON-encoded float array and scored by brute-force cosine similarity at
// query time — adequate for the catalog sizes a single coding-agent
// workspace accumulates; a dedicated vector index (lancedb) is the teacher's
// own answer once that stops being true (internal/infrastructure/vectorstore).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memorystore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memorystore: ping %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_entries_session ON memory_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_entries_user ON memory_entries(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("memorystore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert implements memory.VectorStore.
func (s *Store) Insert(ctx context.Context, entry *memory.MemoryEntry) error {
	embedding, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("memorystore: marshal embedding: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("memorystore: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_entries (id, content, embedding, metadata, user_id, session_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	content=excluded.content, embedding=excluded.embedding, metadata=excluded.metadata,
	user_id=excluded.user_id, session_id=excluded.session_id, updated_at=excluded.updated_at`,
		entry.ID, entry.Content, string(embedding), string(metadata),
		entry.UserID, entry.SessionID, entry.CreatedAt.Unix(), entry.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("memorystore: insert %s: %w", entry.ID, err)
	}
	return nil
}

// Update implements memory.VectorStore; it is equivalent to Insert's
// upsert, since entries are keyed by id.
func (s *Store) Update(ctx context.Context, entry *memory.MemoryEntry) error {
	return s.Insert(ctx, entry)
}

// Delete implements memory.VectorStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memorystore: delete %s: %w", id, err)
	}
	return nil
}

// GetBySession implements memory.VectorStore.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]*memory.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, embedding, metadata, user_id, session_id, created_at, updated_at
FROM memory_entries WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memorystore: query by session: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search implements memory.VectorStore: loads every row matching the
// scalar filter fields, scores by cosine similarity against query, and
// returns the topK highest-scoring entries.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter *memory.SearchFilter) ([]*memory.MemoryEntry, error) {
	sqlQuery := `SELECT id, content, embedding, metadata, user_id, session_id, created_at, updated_at FROM memory_entries WHERE 1=1`
	var args []interface{}
	if filter != nil {
		if filter.UserID != "" {
			sqlQuery += ` AND user_id = ?`
			args = append(args, filter.UserID)
		}
		if filter.SessionID != "" {
			sqlQuery += ` AND session_id = ?`
			args = append(args, filter.SessionID)
		}
		if filter.TimeRange != nil {
			sqlQuery += ` AND created_at >= ? AND created_at <= ?`
			args = append(args, filter.TimeRange.Start.Unix(), filter.TimeRange.End.Unix())
		}
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("memorystore: search query: %w", err)
	}
	defer rows.Close()
	candidates, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	type scored struct {
		entry *memory.MemoryEntry
		score float32
	}
	scoredEntries := make([]scored, 0, len(candidates))
	minScore := float32(0)
	if filter != nil {
		minScore = filter.MinScore
	}
	for _, e := range candidates {
		score := cosineSimilarity(query, e.Embedding)
		if score < minScore {
			continue
		}
		scoredEntries = append(scoredEntries, scored{entry: e, score: score})
	}
	sort.Slice(scoredEntries, func(i, j int) bool { return scoredEntries[i].score > scoredEntries[j].score })
	if len(scoredEntries) > topK {
		scoredEntries = scoredEntries[:topK]
	}

	results := make([]*memory.MemoryEntry, len(scoredEntries))
	for i, c := range scoredEntries {
		c.entry.Score = c.score
		results[i] = c.entry
	}
	return results, nil
}

func scanEntries(rows *sql.Rows) ([]*memory.MemoryEntry, error) {
	var out []*memory.MemoryEntry
	for rows.Next() {
		var (
			e                      memory.MemoryEntry
			embeddingJSON, metaJSON string
			createdAt, updatedAt   int64
		)
		if err := rows.Scan(&e.ID, &e.Content, &embeddingJSON, &metaJSON, &e.UserID, &e.SessionID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("memorystore: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &e.Embedding); err != nil {
			return nil, fmt.Errorf("memorystore: decode embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("memorystore: decode metadata: %w", err)
		}
		e.CreatedAt = unixToTime(createdAt)
		e.UpdatedAt = unixToTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
