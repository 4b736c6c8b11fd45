package context

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Role is the role of a Message in a Context history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"

	roleUsage      = "_usage"
	roleCheckpoint = "_checkpoint"
)

// ContentPart is one fragment of a multimodal Message.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image"
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ToolCallInfo is a model-emitted request to invoke a named function, as it
// is stored on an assistant Message: stable id, function name, raw JSON args.
type ToolCallInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a Context's history.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// logLine is the on-disk shape used to discriminate message / usage /
// checkpoint lines when replaying the JSON-lines history log (spec.md §6).
type logLine struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Parts      []ContentPart   `json:"parts,omitempty"`
	ToolCalls  []ToolCallInfo  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	TokenCount int             `json:"token_count,omitempty"`
	ID         int             `json:"id,omitempty"`
}

// checkpointRecord remembers the in-memory state a checkpoint ordinal
// captured, so RevertTo can restore it without re-walking the log.
type checkpointRecord struct {
	Length int
	Tokens int
}

// Store is the Context Store (spec.md §4.2): in-memory history, a running
// token counter, and an ordered list of checkpoints, mirrored to an
// append-only JSON-lines log on disk.
//
// Mutated only by the owning engine's step-driver; reads are served from a
// snapshot so concurrent observers never see a torn history.
type Store struct {
	mu          sync.Mutex
	messages    []Message
	tokenCount  int
	checkpoints []checkpointRecord

	logPath string
	file    *os.File
	writer  *bufio.Writer

	logger *zap.Logger
}

// NewStore creates a Context Store backed by a fresh (or existing, appended-to)
// log file at logPath. Use Restore to rebuild state from a pre-existing log
// instead of starting empty.
func NewStore(logPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create context store dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	return &Store{
		logPath: logPath,
		file:    f,
		writer:  bufio.NewWriterSize(f, 64*1024),
		logger:  logger.With(zap.String("component", "context-store")),
	}, nil
}

// Restore rebuilds a Store's in-memory state by replaying an existing log.
// Malformed lines are logged and skipped; replay is never aborted by them.
func Restore(logPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logPath: logPath, logger: logger.With(zap.String("component", "context-store"))}

	if f, err := os.Open(logPath); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var raw logLine
			if err := json.Unmarshal(line, &raw); err != nil {
				s.logger.Warn("skipping malformed history line", zap.Error(err))
				continue
			}
			switch raw.Role {
			case roleUsage:
				s.tokenCount += raw.TokenCount
			case roleCheckpoint:
				s.checkpoints = append(s.checkpoints, checkpointRecord{
					Length: len(s.messages),
					Tokens: s.tokenCount,
				})
			default:
				s.messages = append(s.messages, Message{
					Role:       Role(raw.Role),
					Content:    raw.Content,
					Parts:      raw.Parts,
					ToolCalls:  raw.ToolCalls,
					ToolCallID: raw.ToolCallID,
				})
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			s.logger.Warn("history log scan error", zap.Error(err))
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open history log for restore: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen history log: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64*1024)
	return s, nil
}

// Append atomically appends one or more messages to memory and to the log.
// Returns the new history length.
func (s *Store) Append(msgs ...Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		line := logLine{
			Role:       string(m.Role),
			Content:    m.Content,
			Parts:      m.Parts,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
		if err := s.writeLineLocked(line); err != nil {
			return len(s.messages), fmt.Errorf("append message: %w", err)
		}
		s.messages = append(s.messages, m)
	}
	return len(s.messages), nil
}

// UpdateTokens increments the running token counter by a positive delta and
// writes a usage-record line.
func (s *Store) UpdateTokens(n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLineLocked(logLine{Role: roleUsage, TokenCount: n}); err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	s.tokenCount += n
	return nil
}

// Checkpoint captures the current history length and token count, appends a
// checkpoint-record line, and returns the new checkpoint's ordinal.
func (s *Store) Checkpoint() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordinal := len(s.checkpoints)
	if err := s.writeLineLocked(logLine{Role: roleCheckpoint, ID: ordinal}); err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	s.checkpoints = append(s.checkpoints, checkpointRecord{
		Length: len(s.messages),
		Tokens: s.tokenCount,
	})
	return ordinal, nil
}

// RevertTo truncates in-memory history back to the state captured at the
// given checkpoint ordinal, rotates the log file (renaming it with the
// first free numeric suffix 1..999), and writes a fresh log containing only
// the retained prefix plus checkpoint markers up to and including ordinal.
func (s *Store) RevertTo(ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ordinal < 0 || ordinal >= len(s.checkpoints) {
		return fmt.Errorf("revertTo: checkpoint %d out of range (have %d)", ordinal, len(s.checkpoints))
	}
	target := s.checkpoints[ordinal]

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush before revert: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close log before revert: %w", err)
	}

	rotated, err := rotatedPath(s.logPath)
	if err != nil {
		return fmt.Errorf("find rotation slot: %w", err)
	}
	if err := os.Rename(s.logPath, rotated); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}

	s.messages = s.messages[:target.Length]
	s.tokenCount = target.Tokens
	s.checkpoints = s.checkpoints[:ordinal+1]

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open fresh log: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64*1024)

	for _, m := range s.messages {
		if err := s.writeLineLocked(logLine{
			Role:       string(m.Role),
			Content:    m.Content,
			Parts:      m.Parts,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}); err != nil {
			return fmt.Errorf("rewrite retained message: %w", err)
		}
	}
	if s.tokenCount > 0 {
		if err := s.writeLineLocked(logLine{Role: roleUsage, TokenCount: s.tokenCount}); err != nil {
			return fmt.Errorf("rewrite retained usage: %w", err)
		}
	}
	for id := range s.checkpoints {
		if err := s.writeLineLocked(logLine{Role: roleCheckpoint, ID: id}); err != nil {
			return fmt.Errorf("rewrite retained checkpoint: %w", err)
		}
	}

	s.logger.Info("reverted context store",
		zap.Int("checkpoint", ordinal),
		zap.String("rotated_to", rotated),
	)
	return nil
}

// Compact replaces the entire history with a synthetic summary message
// followed by tail, rotating the log file the same way RevertTo does, and
// re-establishes a single fresh checkpoint 0 over the collapsed state —
// the durable counterpart of AgentLoop's in-memory compaction (spec.md §8
// Scenario S5: post-compaction history begins with the summary, keeps a
// recent tail, and checkpoint 0 is re-established). Cumulative token usage
// survives the collapse; it reflects billed usage, not history length.
func (s *Store) Compact(summary Message, tail []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush before compact: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return 0, fmt.Errorf("close log before compact: %w", err)
	}

	rotated, err := rotatedPath(s.logPath)
	if err != nil {
		return 0, fmt.Errorf("find rotation slot: %w", err)
	}
	if err := os.Rename(s.logPath, rotated); err != nil {
		return 0, fmt.Errorf("rotate log: %w", err)
	}

	s.messages = append([]Message{summary}, tail...)
	s.checkpoints = nil

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open fresh log: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64*1024)

	for _, m := range s.messages {
		if err := s.writeLineLocked(logLine{
			Role:       string(m.Role),
			Content:    m.Content,
			Parts:      m.Parts,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}); err != nil {
			return 0, fmt.Errorf("rewrite compacted message: %w", err)
		}
	}
	if s.tokenCount > 0 {
		if err := s.writeLineLocked(logLine{Role: roleUsage, TokenCount: s.tokenCount}); err != nil {
			return 0, fmt.Errorf("rewrite usage after compact: %w", err)
		}
	}
	if err := s.writeLineLocked(logLine{Role: roleCheckpoint, ID: 0}); err != nil {
		return 0, fmt.Errorf("write post-compact checkpoint: %w", err)
	}
	s.checkpoints = append(s.checkpoints, checkpointRecord{Length: len(s.messages), Tokens: s.tokenCount})

	s.logger.Info("compacted context store",
		zap.Int("kept_tail", len(tail)),
		zap.String("rotated_to", rotated),
	)
	return 0, nil
}

// rotatedPath finds the first free numeric suffix in 1..999 for path.
func rotatedPath(path string) (string, error) {
	for i := 1; i <= 999; i++ {
		candidate := path + "." + strconv.Itoa(i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free rotation suffix in 1..999 for %s", path)
}

// History returns an immutable snapshot of the current message sequence.
func (s *Store) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TokenCount returns the current running token count.
func (s *Store) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCount
}

// Len returns the current history length.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LogPath returns the on-disk path backing this Store, so callers deriving a
// sibling history file (sub-agent delegation's `_sub_<N>` suffix, spec.md
// §4.9 step 2) don't need to track it separately.
func (s *Store) LogPath() string {
	return s.logPath
}

// Checkpoints returns the number of checkpoints recorded so far.
func (s *Store) Checkpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

// Close flushes and closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// writeLineLocked marshals and appends one JSON line, flushing immediately.
// Durability note: flushed per line (matching the buffered-writer-without-
// fsync approach spec.md's Design Notes Open Question #1 leaves unresolved;
// this repo does not fsync — see DESIGN.md).
func (s *Store) writeLineLocked(line logLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	return s.writer.Flush()
}
