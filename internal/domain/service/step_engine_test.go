package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	domainapproval "github.com/jimiagent/jimi/internal/domain/approval"
	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"github.com/jimiagent/jimi/internal/domain/entity"
	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

// stepLLM replays a fixed sequence of responses, one per GenerateStream call.
type stepLLM struct {
	mu        sync.Mutex
	responses []*LLMResponse
	calls     int
}

func (l *stepLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	return l.next(), nil
}

func (l *stepLLM) GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	return l.next(), nil
}

func (l *stepLLM) next() *LLMResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp := l.responses[l.calls]
	if l.calls < len(l.responses)-1 {
		l.calls++
	}
	return resp
}

// stepTools always succeeds and reports every tool as KindEdit (a mutator).
type stepTools struct{}

func (stepTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "did " + name, Success: true, Status: domaintool.StatusOK}, nil
}
func (stepTools) GetDefinitions() []domaintool.Definition { return nil }
func (stepTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindEdit }

func newTestStore(t *testing.T) *domaincontext.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := domaincontext.NewStore(filepath.Join(dir, "history.jsonl"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStepEngineRunMaxStepsZeroInterruptsImmediately(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{{Content: "should never be reached"}}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	sub := wire.Subscribe(8)

	engine := NewStepEngine(loop, store, wire, nil, nil)

	result, err := engine.Run(context.Background(), "sys", "hello", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalContent != "" {
		t.Errorf("FinalContent = %q, want empty", result.FinalContent)
	}
	if store.Len() != 0 {
		t.Errorf("store.Len() = %d, want 0 (maxSteps=0 appends nothing)", store.Len())
	}

	select {
	case ev := <-sub.Events:
		if ev.Type() != eventbus.EventStepInterrupted {
			t.Fatalf("event type = %q, want %q", ev.Type(), eventbus.EventStepInterrupted)
		}
		if ev.Payload().(eventbus.StepInterruptedPayload).Reason != "max-steps" {
			t.Fatalf("reason = %q, want max-steps", ev.Payload().(eventbus.StepInterruptedPayload).Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive step-interrupted event")
	}
}

func TestStepEngineRunPersistsUserAndAssistantMessages(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{{Content: "the answer is 42"}}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()

	engine := NewStepEngine(loop, store, wire, nil, nil)

	result, err := engine.Run(context.Background(), "sys", "what is the answer", -1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalContent != "the answer is 42" {
		t.Fatalf("FinalContent = %q", result.FinalContent)
	}

	history := store.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (user + assistant)", len(history))
	}
	if history[0].Role != domaincontext.RoleUser || history[0].Content != "what is the answer" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != domaincontext.RoleAssistant || history[1].Content != "the answer is 42" {
		t.Errorf("history[1] = %+v", history[1])
	}
}

func TestStepEngineRunPersistsToolCallsAndResults(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{
		{ToolCalls: []entity.ToolCallInfo{{ID: "tc_1", Name: "patch_file", Arguments: map[string]interface{}{"path": "a.go"}}}},
		{Content: "done"},
	}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	sub := wire.Subscribe(16)

	engine := NewStepEngine(loop, store, wire, nil, nil)

	if _, err := engine.Run(context.Background(), "sys", "fix the bug", -1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := store.History()
	var sawToolCall, sawToolResult bool
	for _, m := range history {
		if m.Role == domaincontext.RoleAssistant && len(m.ToolCalls) == 1 && m.ToolCalls[0].Name == "patch_file" {
			sawToolCall = true
			var args map[string]interface{}
			if err := json.Unmarshal(m.ToolCalls[0].Arguments, &args); err != nil {
				t.Fatalf("decode stored tool-call args: %v", err)
			}
			if args["path"] != "a.go" {
				t.Errorf("stored tool-call arguments = %v", args)
			}
		}
		if m.Role == domaincontext.RoleTool && m.Content == "did patch_file" {
			sawToolResult = true
		}
	}
	if !sawToolCall {
		t.Error("expected an assistant message recording the tool call")
	}
	if !sawToolResult {
		t.Error("expected a tool message recording the tool result")
	}

	var sawToolCallEvent, sawToolResultEvent bool
drain:
	for {
		select {
		case ev := <-sub.Events:
			switch ev.Type() {
			case eventbus.EventToolCall:
				sawToolCallEvent = true
			case eventbus.EventToolResult:
				sawToolResultEvent = true
			}
		default:
			break drain
		}
	}
	if !sawToolCallEvent || !sawToolResultEvent {
		t.Errorf("wire events: tool-call=%v tool-result=%v", sawToolCallEvent, sawToolResultEvent)
	}
}

func TestStepEngineRunCheckpointsAtStartAndEachStepBoundary(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{
		{ToolCalls: []entity.ToolCallInfo{{ID: "tc_1", Name: "patch_file", Arguments: map[string]interface{}{"path": "a.go"}}}},
		{Content: "done"},
	}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()

	engine := NewStepEngine(loop, store, wire, nil, nil)

	if _, err := engine.Run(context.Background(), "sys", "fix the bug", -1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One checkpoint at run-start plus one per completed step (two steps here).
	if got := store.Checkpoints(); got < 3 {
		t.Errorf("store.Checkpoints() = %d, want at least 3 (run-start + 2 step boundaries)", got)
	}
}

func TestStepEngineForwardsCompactionEvents(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{{Content: "done"}}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()
	sub := wire.Subscribe(16)

	engine := NewStepEngine(loop, store, wire, nil, nil)
	var buf []domaincontext.ToolCallInfo
	flushed := false
	engine.forward(context.Background(), entity.AgentEvent{Type: entity.EventCompactionBegin}, &buf, &flushed)
	engine.forward(context.Background(), entity.AgentEvent{Type: entity.EventCompactionEnd}, &buf, &flushed)

	var sawBegin, sawEnd bool
drain:
	for {
		select {
		case ev := <-sub.Events:
			switch ev.Type() {
			case eventbus.EventCompactionBegin:
				sawBegin = true
			case eventbus.EventCompactionEnd:
				sawEnd = true
			}
		default:
			break drain
		}
	}
	if !sawBegin || !sawEnd {
		t.Errorf("wire events: compaction-begin=%v compaction-end=%v", sawBegin, sawEnd)
	}
}

func TestStepEngineRunRejectsToolViaArbiter(t *testing.T) {
	llm := &stepLLM{responses: []*LLMResponse{
		{ToolCalls: []entity.ToolCallInfo{{ID: "tc_1", Name: "delete_file", Arguments: map[string]interface{}{"path": "a.go"}}}},
		{Content: "done"},
	}}
	loop := NewAgentLoop(llm, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	store := newTestStore(t)
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()

	arbiter := domainapproval.NewArbiter(false, nil, nil) // no notifier => fail-safe reject
	engine := NewStepEngine(loop, store, wire, arbiter, nil)

	if _, err := engine.Run(context.Background(), "sys", "delete it", -1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawRejection bool
	for _, m := range store.History() {
		if m.Role == domaincontext.RoleTool && strings.Contains(m.Content, "rejected by the approval policy") {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Error("expected the tool result to record an approval rejection")
	}
}

// fakeCompactor records the summary it was asked to apply and performs the
// same collapse usecase.Compactor would, without pulling in that package
// (would create an import cycle: application -> domain/service).
type fakeCompactor struct {
	applied string
}

func (f *fakeCompactor) Apply(ctx context.Context, store *domaincontext.Store, summary string) error {
	f.applied = summary
	history := store.History()
	const keepTail = 2
	if len(history) <= keepTail {
		return nil
	}
	tail := history[len(history)-keepTail:]
	_, err := store.Compact(domaincontext.Message{Role: domaincontext.RoleAssistant, Content: summary}, tail)
	return err
}

func TestStepEngineForwardCallsCompactorWithSummary(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := store.Append(domaincontext.Message{Role: domaincontext.RoleUser, Content: "msg"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	loop := NewAgentLoop(&stepLLM{responses: []*LLMResponse{{Content: "done"}}}, stepTools{}, DefaultAgentLoopConfig(), zap.NewNop())
	wire := eventbus.NewInMemoryWire(nil)
	defer wire.Close()

	engine := NewStepEngine(loop, store, wire, nil, nil)
	fc := &fakeCompactor{}
	engine.SetCompactor(fc)

	var buf []domaincontext.ToolCallInfo
	flushed := false
	engine.forward(context.Background(), entity.AgentEvent{Type: entity.EventCompactionEnd, Content: "SUMMARY"}, &buf, &flushed)

	if fc.applied != "SUMMARY" {
		t.Errorf("compactor.Apply summary = %q, want SUMMARY", fc.applied)
	}
	history := store.History()
	if len(history) != 3 {
		t.Fatalf("post-compaction history length = %d, want 3 (summary + 2 tail)", len(history))
	}
	if history[0].Content != "SUMMARY" {
		t.Errorf("post-compaction history[0] = %q, want the summary message first", history[0].Content)
	}
	if store.Checkpoints() != 1 {
		t.Errorf("checkpoints after compact = %d, want 1 (checkpoint 0 re-established)", store.Checkpoints())
	}
}
