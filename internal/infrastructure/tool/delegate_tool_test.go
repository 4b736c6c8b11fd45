package tool

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"github.com/jimiagent/jimi/internal/domain/service"
	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/agentspec"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

// delegateLLM replays a fixed sequence of responses, one per call.
type delegateLLM struct {
	mu        sync.Mutex
	responses []*service.LLMResponse
	calls     int
}

func (l *delegateLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return l.next(), nil
}

func (l *delegateLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return l.next(), nil
}

func (l *delegateLLM) next() *service.LLMResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp := l.responses[l.calls]
	if l.calls < len(l.responses)-1 {
		l.calls++
	}
	return resp
}

func newDelegateTestStore(t *testing.T) *domaincontext.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := domaincontext.NewStore(filepath.Join(dir, "history.jsonl"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDelegateToolUnknownAgentIsRejected(t *testing.T) {
	spec := &agentspec.Spec{Subagents: map[string]*agentspec.Spec{}}
	reg := domaintool.NewInMemoryRegistry()
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	store := newDelegateTestStore(t)

	dt := NewDelegateTool(spec, reg, &delegateLLM{responses: []*service.LLMResponse{{Content: "unused"}}}, store, wire, "test-model", 5, 0, zap.NewNop())

	result, err := dt.Execute(context.Background(), map[string]interface{}{
		"description": "do a thing",
		"agent":       "researcher",
		"prompt":      "go research something",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for unknown sub-agent")
	}
	if !strings.Contains(result.Error, "unknown sub-agent") {
		t.Errorf("error = %q, want mention of unknown sub-agent", result.Error)
	}
}

func TestDelegateToolRunsNamedSubAgentInIsolatedContext(t *testing.T) {
	spec := &agentspec.Spec{
		Subagents: map[string]*agentspec.Spec{
			"researcher": {Name: "researcher", Tools: []string{"noop"}},
		},
	}
	reg := domaintool.NewInMemoryRegistry()
	_ = reg.Register(&noopTool{})
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	parentStore := newDelegateTestStore(t)

	llm := &delegateLLM{responses: []*service.LLMResponse{{Content: strings.Repeat("a long enough final answer ", 10)}}}
	dt := NewDelegateTool(spec, reg, llm, parentStore, wire, "test-model", 5, 0, zap.NewNop())

	result, err := dt.Execute(context.Background(), map[string]interface{}{
		"description": "research it",
		"agent":       "researcher",
		"prompt":      "go research something",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("Execute failed: %s", result.Error)
	}
	if result.Output == "" {
		t.Error("expected non-empty delegated output")
	}

	historyPath, _ := result.Metadata["history_path"].(string)
	if !strings.Contains(historyPath, "_sub_1") {
		t.Errorf("history_path = %q, want a _sub_1 suffix", historyPath)
	}

	// The parent's own Context Store must never see the sub-agent's turns.
	if parentStore.Len() != 0 {
		t.Errorf("parentStore.Len() = %d, want 0 (sub-agent history is isolated)", parentStore.Len())
	}
}

func TestDelegateToolReElaboratesShortReply(t *testing.T) {
	spec := &agentspec.Spec{
		Subagents: map[string]*agentspec.Spec{
			"researcher": {Name: "researcher"},
		},
	}
	reg := domaintool.NewInMemoryRegistry()
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	parentStore := newDelegateTestStore(t)

	llm := &delegateLLM{responses: []*service.LLMResponse{
		{Content: "short"},
		{Content: strings.Repeat("elaborated detail ", 20)},
	}}
	dt := NewDelegateTool(spec, reg, llm, parentStore, wire, "test-model", 5, 0, zap.NewNop())

	result, err := dt.Execute(context.Background(), map[string]interface{}{
		"description": "research it",
		"agent":       "researcher",
		"prompt":      "go research something",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Output, "elaborated detail") {
		t.Errorf("Output = %q, want the re-prompted elaboration", result.Output)
	}
}

// noopTool is a minimal domaintool.Tool stub for sub-registry tests.
type noopTool struct{}

func (noopTool) Name() string                        { return "noop" }
func (noopTool) Description() string                 { return "does nothing" }
func (noopTool) Kind() domaintool.Kind                { return domaintool.KindExecute }
func (noopTool) Schema() map[string]interface{}       { return map[string]interface{}{"type": "object"} }
func (noopTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "did noop", Success: true, Status: domaintool.StatusOK}, nil
}
