// Package session implements the Session Manager (spec.md §4.10): mapping
// working directories to session ids, backed by a single process-wide JSON
// metadata file (spec.md §6).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// jimiDirName is the on-disk directory name spec.md §6 mandates for
// persisted state (`<workdir>/.jimi/...`, `~/.jimi/`). Kept local to this
// package rather than reusing config.AppName/WorkspaceDirName, which still
// carry the teacher's original "ngoclaw" branding — renaming those is a
// separate, wider pass (see DESIGN.md).
const jimiDirName = ".jimi"

// Session is a resolved session: its id, owning working directory, and the
// absolute path to its history log.
type Session struct {
	ID          string
	WorkDir     string
	HistoryPath string
}

// workDirEntry is one element of the metadata file's work_dirs array.
type workDirEntry struct {
	Path          string   `json:"path"`
	LastSessionID string   `json:"last_session_id"`
	SessionIDs    []string `json:"session_ids"`
}

// metadata is the full process-wide metadata file shape (spec.md §6).
type metadata struct {
	WorkDirs []workDirEntry `json:"work_dirs"`
}

// Manager reads and writes the session metadata file, guarded by a mutex
// since concurrent engine instances (parent + sub-agents, or two CLI
// invocations) may touch it — mirrors the teacher's Bootstrap "only create
// what's missing, never clobber" caution for the shared config home.
type Manager struct {
	metaPath string
	logger   *zap.Logger
	mu       sync.Mutex
}

// DefaultMetadataPath returns the process-wide metadata file location,
// `~/.jimi/sessions.json`.
func DefaultMetadataPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, jimiDirName, "sessions.json")
}

// NewManager creates a Session Manager backed by the metadata file at
// metaPath (use DefaultMetadataPath() for the standard location).
func NewManager(metaPath string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{metaPath: metaPath, logger: logger}
}

// CreateSession allocates a fresh session for workDir: a new uuid, an empty
// history file under workDir's per-workdir sessions directory, and an
// updated metadata entry recording it as the last session for workDir.
func (m *Manager) CreateSession(workDir string) (*Session, error) {
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("session: resolve work dir %s: %w", workDir, err)
	}

	id := uuid.NewString()
	historyPath := filepath.Join(absWorkDir, jimiDirName, "sessions", id, "history.jsonl")

	if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
		return nil, fmt.Errorf("session: create sessions dir: %w", err)
	}
	f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: create history file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("session: close history file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.load()
	if err != nil {
		return nil, err
	}
	meta = upsertSession(meta, absWorkDir, id)
	if err := m.save(meta); err != nil {
		return nil, err
	}

	m.logger.Info("session created", zap.String("id", id), zap.String("work_dir", absWorkDir))
	return &Session{ID: id, WorkDir: absWorkDir, HistoryPath: historyPath}, nil
}

// ContinueSession returns the last session recorded for workDir. ok is
// false if no session exists yet for that directory.
func (m *Manager) ContinueSession(workDir string) (sess *Session, ok bool, err error) {
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, false, fmt.Errorf("session: resolve work dir %s: %w", workDir, err)
	}

	m.mu.Lock()
	meta, err := m.load()
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	for _, wd := range meta.WorkDirs {
		if wd.Path != absWorkDir || wd.LastSessionID == "" {
			continue
		}
		historyPath := filepath.Join(absWorkDir, jimiDirName, "sessions", wd.LastSessionID, "history.jsonl")
		return &Session{ID: wd.LastSessionID, WorkDir: absWorkDir, HistoryPath: historyPath}, true, nil
	}
	return nil, false, nil
}

// ListSessions returns every known session id for workDir, oldest first.
func (m *Manager) ListSessions(workDir string) ([]string, error) {
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("session: resolve work dir %s: %w", workDir, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	meta, err := m.load()
	if err != nil {
		return nil, err
	}
	for _, wd := range meta.WorkDirs {
		if wd.Path == absWorkDir {
			return wd.SessionIDs, nil
		}
	}
	return nil, nil
}

func upsertSession(meta metadata, workDir, id string) metadata {
	for i, wd := range meta.WorkDirs {
		if wd.Path == workDir {
			meta.WorkDirs[i].LastSessionID = id
			meta.WorkDirs[i].SessionIDs = append(meta.WorkDirs[i].SessionIDs, id)
			return meta
		}
	}
	meta.WorkDirs = append(meta.WorkDirs, workDirEntry{
		Path:          workDir,
		LastSessionID: id,
		SessionIDs:    []string{id},
	})
	return meta
}

// load reads the metadata file, treating "does not exist yet" as an empty
// metadata value rather than an error (first run for this machine).
func (m *Manager) load() (metadata, error) {
	data, err := os.ReadFile(m.metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return metadata{}, nil
		}
		return metadata{}, fmt.Errorf("session: read metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return metadata{}, fmt.Errorf("session: parse metadata: %w", err)
	}
	return meta, nil
}

func (m *Manager) save(meta metadata) error {
	if err := os.MkdirAll(filepath.Dir(m.metaPath), 0o755); err != nil {
		return fmt.Errorf("session: create metadata dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	if err := os.WriteFile(m.metaPath, data, 0o644); err != nil {
		return fmt.Errorf("session: write metadata: %w", err)
	}
	return nil
}
