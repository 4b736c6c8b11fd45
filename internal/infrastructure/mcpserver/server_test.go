package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/sideload"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input argument" }
func (echoTool) Kind() domaintool.Kind {
	return domaintool.KindRead
}
func (echoTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
	}
}
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	text, _ := args["text"].(string)
	return &domaintool.Result{Output: text, Success: true, Status: domaintool.StatusOK}, nil
}

type failingTool struct{}

func (failingTool) Name() string                   { return "boom" }
func (failingTool) Description() string            { return "always fails" }
func (failingTool) Kind() domaintool.Kind          { return domaintool.KindExecute }
func (failingTool) Schema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (failingTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Output: "failed", Success: false, Status: domaintool.StatusError, Error: "failed"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := domaintool.NewInMemoryRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := registry.Register(failingTool{}); err != nil {
		t.Fatalf("register boom: %v", err)
	}
	return NewServer("jimi", "test", registry, nil)
}

func TestServerHandleInitialize(t *testing.T) {
	s := newTestServer(t)
	req, err := sideload.NewRequest(1, "initialize", map[string]interface{}{"protocolVersion": protocolVersion})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp := s.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("ProtocolVersion = %q, want %q", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "jimi" {
		t.Errorf("ServerInfo.Name = %q, want jimi", result.ServerInfo.Name)
	}
}

func TestServerHandleToolsList(t *testing.T) {
	s := newTestServer(t)
	req, _ := sideload.NewRequest(2, "tools/list", nil)

	resp := s.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	var result struct {
		Tools []mcpToolDef `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("tools/list returned %d tools, want 2", len(result.Tools))
	}
}

func TestServerHandleToolsCallSuccess(t *testing.T) {
	s := newTestServer(t)
	req, _ := sideload.NewRequest(3, "tools/call", map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"text": "hello"},
	})

	resp := s.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	var result toolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.IsError {
		t.Fatal("IsError = true, want false")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Fatalf("Content = %+v, want a single text part 'hello'", result.Content)
	}
}

func TestServerHandleToolsCallToolError(t *testing.T) {
	s := newTestServer(t)
	req, _ := sideload.NewRequest(4, "tools/call", map[string]interface{}{"name": "boom"})

	resp := s.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("tool-level errors should surface via isError, not an RPC error: %v", resp.Error)
	}
	var result toolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Fatal("IsError = false, want true for a failed tool execution")
	}
}

func TestServerHandleToolsCallUnknownTool(t *testing.T) {
	s := newTestServer(t)
	req, _ := sideload.NewRequest(5, "tools/call", map[string]interface{}{"name": "nope"})

	resp := s.Handle(context.Background(), req)
	if resp.Error == nil {
		t.Fatal("expected an RPC error for an unknown tool name")
	}
	if resp.Error.Code != sideload.ErrInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, sideload.ErrInvalidParams)
	}
}

func TestServerHandleUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	req, _ := sideload.NewRequest(6, "bogus/method", nil)

	resp := s.Handle(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != sideload.ErrMethodNotFound {
		t.Fatalf("expected ErrMethodNotFound, got %+v", resp.Error)
	}
}

func TestServerServeReadsRequestsAndWritesResponses(t *testing.T) {
	s := newTestServer(t)

	var in bytes.Buffer
	reqs := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
	}
	in.WriteString(strings.Join(reqs, "\n") + "\n")

	var out bytes.Buffer
	if err := s.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d response lines, want 3: %q", len(lines), out.String())
	}
	for i, line := range lines {
		var resp sideload.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response line %d not valid JSON: %v", i, err)
		}
		if resp.Error != nil {
			t.Errorf("response %d unexpected error: %v", i, resp.Error)
		}
	}
}
