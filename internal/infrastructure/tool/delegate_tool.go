package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jimiagent/jimi/internal/domain/agent"
	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"github.com/jimiagent/jimi/internal/domain/service"
	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/agentspec"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

// agentIDKey is the context key carrying the calling agent's spawner-tracked
// ID, so a nested delegate call can look up its own depth and register as a
// child of the right parent (spawner.go bookkeeping, spec.md §4.9).
type agentIDKey struct{}

// maxDelegationDepth caps sub-agent nesting (spec.md §4.9 step 1 guard).
const maxDelegationDepth = 2

// minElaborationChars is the "short reply" threshold spec.md §4.9 step 7
// names (Open Question #2, decided in DESIGN.md: re-prompt exactly once).
const minElaborationChars = 200

// DelegateTool is the registry-level "delegate" tool (original name "Task",
// spec.md §4.9): it spawns a fully isolated engine instance for a *named*
// sub-agent, rather than SubAgentTool's old "hand it any system prompt"
// shape. Context isolation is the point — the parent only ever sees the
// sub-agent's final summary, never its intermediate turns.
type DelegateTool struct {
	spec         *agentspec.Spec
	masterReg    domaintool.Registry
	llm          service.LLMClient
	parentStore  *domaincontext.Store
	parentWire   eventbus.Wire
	defaultModel string
	maxSteps     int
	timeout      time.Duration
	logger       *zap.Logger

	// spawner tracks parent/child/depth/status bookkeeping for every
	// delegation call made through this tool instance.
	spawner agent.Spawner
}

// NewDelegateTool wires a delegate tool for the agent owning spec. spec's
// Subagents table is the tool's entire name→sub-spec resolution surface
// (step 1 of the contract); masterReg supplies the concrete Tool instances
// a resolved sub-spec's AllowedTools() names (step 3); parentStore/parentWire
// anchor the sub-agent's isolated Context/Wire pair (steps 2 and 5).
func NewDelegateTool(spec *agentspec.Spec, masterReg domaintool.Registry, llm service.LLMClient, parentStore *domaincontext.Store, parentWire eventbus.Wire, defaultModel string, maxSteps int, timeout time.Duration, logger *zap.Logger) *DelegateTool {
	if maxSteps <= 0 {
		maxSteps = 25
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegateTool{
		spec:         spec,
		masterReg:    masterReg,
		llm:          llm,
		parentStore:  parentStore,
		parentWire:   parentWire,
		defaultModel: defaultModel,
		maxSteps:     maxSteps,
		timeout:      timeout,
		logger:       logger,
		spawner:      agent.NewInMemorySpawner(logger, maxDelegationDepth),
	}
}

func (t *DelegateTool) Name() string          { return "delegate" }
func (t *DelegateTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *DelegateTool) Description() string {
	return "Delegate a task to a named sub-agent running in its own isolated context. " +
		"The sub-agent runs its own step loop with only the tools its spec allows; " +
		"you only see its final summary, never its intermediate turns. " +
		"Use this to hand off focused, self-contained work to a specialist sub-agent."
}

func (t *DelegateTool) Schema() map[string]interface{} {
	names := make([]string, 0)
	if t.spec != nil {
		for name := range t.spec.Subagents {
			names = append(names, name)
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"description": map[string]interface{}{
				"type":        "string",
				"description": "A short (few-word) description of the delegated task",
			},
			"agent": map[string]interface{}{
				"type":        "string",
				"description": "Name of the sub-agent to delegate to",
				"enum":        names,
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The full task prompt to give the sub-agent",
			},
		},
		"required": []string{"description", "agent", "prompt"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	description, _ := args["description"].(string)
	agentName, ok := args["agent"].(string)
	if !ok || agentName == "" {
		return &domaintool.Result{Success: false, Error: "agent is required"}, nil
	}
	prompt, ok := args["prompt"].(string)
	if !ok || prompt == "" {
		return &domaintool.Result{Success: false, Error: "prompt is required"}, nil
	}

	parentID, _ := ctx.Value(agentIDKey{}).(string)
	depth := 0
	if parentID != "" {
		depth = t.spawner.GetDepth(parentID)
	}
	if depth >= maxDelegationDepth {
		return &domaintool.Result{Success: false, Error: "sub-agent nesting depth limit reached (max 2 levels)"}, nil
	}

	if t.spec == nil {
		return &domaintool.Result{Success: false, Error: "no sub-agents configured for this agent"}, nil
	}
	subSpec, ok := t.spec.Subagents[agentName]
	if !ok {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("unknown sub-agent %q", agentName)}, nil
	}

	t.logger.Info("delegating to sub-agent",
		zap.String("agent", agentName),
		zap.String("description", truncateStr(description, 100)),
		zap.Int("depth", depth+1),
	)

	spawned, err := t.spawner.Spawn(ctx, parentID, &agent.SpawnConfig{
		Name:         agentName,
		AllowedTools: subSpec.AllowedTools(),
		InheritTools: false,
		MaxDepth:     maxDelegationDepth,
		Timeout:      t.timeout,
	})
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("delegate: spawn rejected: %s", err)}, nil
	}
	spawned.SetStatus(agent.AgentStatusRunning)

	subStore, historyPath, err := t.allocateSubStore()
	if err != nil {
		spawned.SetStatus(agent.AgentStatusError)
		return nil, fmt.Errorf("delegate: allocate sub-agent context: %w", err)
	}
	defer subStore.Close()

	subRegistry := domaintool.NewInMemoryRegistry()
	for _, name := range subSpec.AllowedTools() {
		if !spawned.Permission.CanUseTool(name) {
			continue
		}
		if tl, ok := t.masterReg.Get(name); ok {
			_ = subRegistry.Register(tl)
		}
	}
	subExec := &registryExecutor{registry: subRegistry}

	cfg := service.DefaultAgentLoopConfig()
	cfg.Model = t.defaultModel
	subLoop := service.NewAgentLoop(t.llm, subExec, cfg, t.logger.Named("sub-agent-"+agentName))

	subWire := eventbus.NewInMemoryWire(t.logger)
	forwardDone := make(chan struct{})
	sub := subWire.Subscribe(32)
	go func() {
		defer close(forwardDone)
		for ev := range sub.Events {
			if ev.Type() == eventbus.EventApprovalRequest {
				t.parentWire.Publish(ctx, ev)
			}
		}
	}()

	engine := service.NewStepEngine(subLoop, subStore, subWire, nil, t.logger)

	systemPrompt := ""
	if subSpec.SystemPromptPath != "" {
		workDir := filepath.Dir(historyPath)
		rendered, rerr := agentspec.RenderSystemPrompt(subSpec, workDir)
		if rerr != nil {
			t.logger.Warn("render sub-agent system prompt", zap.Error(rerr))
		} else {
			systemPrompt = rendered
		}
	}

	subCtx := context.WithValue(ctx, agentIDKey{}, spawned.ID)
	subCtx, cancel := context.WithTimeout(subCtx, t.timeout)
	defer cancel()

	result, runErr := engine.Run(subCtx, systemPrompt, prompt, t.maxSteps)
	subWire.Close()
	<-forwardDone
	if runErr != nil {
		spawned.SetStatus(agent.AgentStatusError)
		return nil, fmt.Errorf("delegate: run sub-agent %q: %w", agentName, runErr)
	}

	text := strings.TrimSpace(result.FinalContent)
	if len(text) < minElaborationChars {
		elaborated, elabErr := t.elaborate(subCtx, engine, systemPrompt)
		if elabErr != nil {
			t.logger.Warn("sub-agent elaboration re-prompt failed", zap.Error(elabErr))
		} else if elaborated != "" {
			text = elaborated
		}
	}
	spawned.SetStatus(agent.AgentStatusCompleted)

	return &domaintool.Result{
		Output:  text,
		Success: true,
		Metadata: map[string]interface{}{
			"agent":        agentName,
			"agent_id":     spawned.ID,
			"history_path": historyPath,
			"steps":        result.TotalSteps,
			"tokens":       result.TotalTokens,
		},
	}, nil
}

// elaborate re-prompts the already-run sub-agent engine once with a
// continuation request when its terminal reply was shorter than
// minElaborationChars (spec.md §4.9 step 7 / Open Question #2).
func (t *DelegateTool) elaborate(ctx context.Context, engine *service.StepEngine, systemPrompt string) (string, error) {
	result, err := engine.Run(ctx, systemPrompt, "Please elaborate on your previous answer in more detail.", -1)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.FinalContent), nil
}

// allocateSubStore derives a fresh Context Store whose log path is the
// parent's own history file path with `_sub_<N>` appended before the
// extension, using the first free N (spec.md §4.9 step 2).
func (t *DelegateTool) allocateSubStore() (*domaincontext.Store, string, error) {
	base := t.parentStore.LogPath()
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	var path string
	for n := 1; ; n++ {
		candidate := stem + "_sub_" + strconv.Itoa(n) + ext
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			path = candidate
			break
		}
	}
	store, err := domaincontext.NewStore(path, t.logger)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// registryExecutor adapts a domaintool.Registry into a service.ToolExecutor,
// mirroring application.toolBridge — duplicated here, package-local, because
// infrastructure/tool cannot import application (layering).
type registryExecutor struct {
	registry domaintool.Registry
}

func (b *registryExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	tl, ok := b.registry.Get(name)
	if !ok {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("tool %q not available to this sub-agent", name),
		}, nil
	}
	return tl.Execute(ctx, args)
}

func (b *registryExecutor) GetDefinitions() []domaintool.Definition {
	return b.registry.List()
}

func (b *registryExecutor) GetToolKind(name string) domaintool.Kind {
	tl, ok := b.registry.Get(name)
	if !ok {
		return domaintool.KindExecute
	}
	return tl.Kind()
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
