package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SpawnConfig configures one sub-agent spawn (delegate tool bookkeeping,
// spec.md §4.9).
type SpawnConfig struct {
	Name           string            // sub-agent name
	SystemPrompt   string            // system prompt (bookkeeping only; the delegate tool renders the real one)
	AllowedTools   []string          // allowed tool names
	DeniedTools    []string          // denied tool names
	InheritContext bool              // inherit the parent's context
	InheritTools   bool              // inherit the parent's tool permissions
	MaxDepth       int               // max nesting depth (guards against runaway recursion)
	Timeout        time.Duration     // sub-agent timeout
	Metadata       map[string]string // extra metadata
}

// DefaultSpawnConfig returns a default spawn configuration.
func DefaultSpawnConfig(name string) *SpawnConfig {
	return &SpawnConfig{
		Name:           name,
		AllowedTools:   []string{},
		DeniedTools:    []string{},
		InheritContext: true,
		InheritTools:   true,
		MaxDepth:       3,
		Timeout:        5 * time.Minute,
		Metadata:       make(map[string]string),
	}
}

// Permission is the resolved tool-access grant for one spawned agent.
type Permission struct {
	Tools       []string // usable tool names
	DeniedTools []string // denied tool names
	CanSpawn    bool     // may this agent spawn further sub-agents
	MaxSpawns   int      // max concurrent sub-agents
	MaxDepth    int      // max spawn depth
}

// CanUseTool reports whether toolName is usable under this permission.
func (p *Permission) CanUseTool(toolName string) bool {
	for _, denied := range p.DeniedTools {
		if denied == toolName {
			return false
		}
	}

	// An empty allow-list means "allow anything not denied".
	if len(p.Tools) == 0 {
		return true
	}

	for _, allowed := range p.Tools {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// SpawnedAgent is one tracked sub-agent instance.
type SpawnedAgent struct {
	ID           string
	ParentID     string
	Name         string
	SystemPrompt string
	Permission   *Permission
	Depth        int
	CreatedAt    time.Time
	Status       AgentStatus
	mu           sync.RWMutex
}

// AgentStatus is a SpawnedAgent's lifecycle state.
type AgentStatus int

const (
	AgentStatusIdle AgentStatus = iota
	AgentStatusRunning
	AgentStatusCompleted
	AgentStatusError
	AgentStatusTerminated
)

// String returns the status as a string.
func (s AgentStatus) String() string {
	switch s {
	case AgentStatusIdle:
		return "idle"
	case AgentStatusRunning:
		return "running"
	case AgentStatusCompleted:
		return "completed"
	case AgentStatusError:
		return "error"
	case AgentStatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Spawner tracks sub-agent parent/child relationships, depth, and status —
// the bookkeeping half of delegation (spec.md §4.9); the delegate tool owns
// actually running the spawned agent's engine.
type Spawner interface {
	// Spawn registers a new sub-agent under parentID ("" for a root call).
	Spawn(ctx context.Context, parentID string, config *SpawnConfig) (*SpawnedAgent, error)
	// Get looks up a tracked agent by ID.
	Get(agentID string) (*SpawnedAgent, bool)
	// ListChildren lists the direct children of parentID.
	ListChildren(parentID string) []*SpawnedAgent
	// Terminate marks an agent (and its children) terminated.
	Terminate(agentID string) error
	// TerminateAll terminates every child of parentID.
	TerminateAll(parentID string) error
	// GetDepth returns the nesting depth of agentID, or 0 if untracked.
	GetDepth(agentID string) int
}

// InMemorySpawner is the in-memory Spawner implementation.
type InMemorySpawner struct {
	mu       sync.RWMutex
	agents   map[string]*SpawnedAgent
	children map[string][]string // parentID -> []childID
	logger   *zap.Logger
	maxDepth int
}

// NewInMemorySpawner creates an in-memory Spawner.
func NewInMemorySpawner(logger *zap.Logger, maxDepth int) *InMemorySpawner {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &InMemorySpawner{
		agents:   make(map[string]*SpawnedAgent),
		children: make(map[string][]string),
		logger:   logger,
		maxDepth: maxDepth,
	}
}

// Spawn registers a new sub-agent under parentID.
func (s *InMemorySpawner) Spawn(ctx context.Context, parentID string, config *SpawnConfig) (*SpawnedAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parentDepth int
	if parentID != "" {
		parent, exists := s.agents[parentID]
		if !exists {
			return nil, fmt.Errorf("parent agent %s not found", parentID)
		}
		parentDepth = parent.Depth

		if parentDepth >= s.maxDepth {
			return nil, fmt.Errorf("max spawn depth (%d) exceeded", s.maxDepth)
		}

		if parent.Permission != nil && !parent.Permission.CanSpawn {
			return nil, fmt.Errorf("parent agent %s cannot spawn sub-agents", parentID)
		}
	}

	agentID := uuid.New().String()

	permission := s.buildPermission(parentID, config)

	agent := &SpawnedAgent{
		ID:           agentID,
		ParentID:     parentID,
		Name:         config.Name,
		SystemPrompt: config.SystemPrompt,
		Permission:   permission,
		Depth:        parentDepth + 1,
		CreatedAt:    time.Now(),
		Status:       AgentStatusIdle,
	}

	s.agents[agentID] = agent
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], agentID)
	}

	if s.logger != nil {
		s.logger.Info("sub-agent spawned",
			zap.String("agent_id", agentID),
			zap.String("parent_id", parentID),
			zap.String("name", config.Name),
			zap.Int("depth", agent.Depth),
		)
	}

	return agent, nil
}

// buildPermission resolves the tool-access grant for a sub-agent spawn,
// optionally inheriting the parent's grant.
func (s *InMemorySpawner) buildPermission(parentID string, config *SpawnConfig) *Permission {
	perm := &Permission{
		Tools:       make([]string, 0),
		DeniedTools: make([]string, 0),
		CanSpawn:    config.MaxDepth > 1,
		MaxSpawns:   5,
		MaxDepth:    config.MaxDepth,
	}

	if config.InheritTools && parentID != "" {
		if parent, exists := s.agents[parentID]; exists && parent.Permission != nil {
			perm.Tools = append(perm.Tools, parent.Permission.Tools...)
			perm.DeniedTools = append(perm.DeniedTools, parent.Permission.DeniedTools...)
		}
	}

	perm.Tools = append(perm.Tools, config.AllowedTools...)
	perm.DeniedTools = append(perm.DeniedTools, config.DeniedTools...)

	return perm
}

// Get looks up a tracked agent by ID.
func (s *InMemorySpawner) Get(agentID string) (*SpawnedAgent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[agentID]
	return agent, exists
}

// ListChildren lists the direct children of parentID.
func (s *InMemorySpawner) ListChildren(parentID string) []*SpawnedAgent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	childIDs, exists := s.children[parentID]
	if !exists {
		return []*SpawnedAgent{}
	}

	children := make([]*SpawnedAgent, 0, len(childIDs))
	for _, childID := range childIDs {
		if agent, exists := s.agents[childID]; exists {
			children = append(children, agent)
		}
	}

	return children
}

// Terminate marks an agent and all of its tracked children terminated.
func (s *InMemorySpawner) Terminate(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, exists := s.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %s not found", agentID)
	}

	if childIDs, hasChildren := s.children[agentID]; hasChildren {
		for _, childID := range childIDs {
			if child, exists := s.agents[childID]; exists {
				child.mu.Lock()
				child.Status = AgentStatusTerminated
				child.mu.Unlock()
			}
		}
		delete(s.children, agentID)
	}

	agent.mu.Lock()
	agent.Status = AgentStatusTerminated
	agent.mu.Unlock()

	if agent.ParentID != "" {
		if siblings, exists := s.children[agent.ParentID]; exists {
			newSiblings := make([]string, 0, len(siblings)-1)
			for _, siblingID := range siblings {
				if siblingID != agentID {
					newSiblings = append(newSiblings, siblingID)
				}
			}
			s.children[agent.ParentID] = newSiblings
		}
	}

	if s.logger != nil {
		s.logger.Info("agent terminated",
			zap.String("agent_id", agentID),
		)
	}

	return nil
}

// TerminateAll terminates every tracked child of parentID.
func (s *InMemorySpawner) TerminateAll(parentID string) error {
	children := s.ListChildren(parentID)
	for _, child := range children {
		if err := s.Terminate(child.ID); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to terminate child agent",
					zap.String("child_id", child.ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// GetDepth returns the nesting depth of agentID, or 0 if untracked (treated
// as a root-level caller).
func (s *InMemorySpawner) GetDepth(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if agent, exists := s.agents[agentID]; exists {
		return agent.Depth
	}
	return 0
}

// SetStatus sets the agent's lifecycle status.
func (a *SpawnedAgent) SetStatus(status AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = status
}

// GetStatus returns the agent's lifecycle status.
func (a *SpawnedAgent) GetStatus() AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status
}

// IsActive reports whether the agent is idle or running.
func (a *SpawnedAgent) IsActive() bool {
	status := a.GetStatus()
	return status == AgentStatusIdle || status == AgentStatusRunning
}
