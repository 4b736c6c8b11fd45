package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/sideload"
	"go.uber.org/zap"
)

// defaultMCPCallTimeout is the per-call timeout for stdio tool servers
// (spec.md §4.5: "a configurable per-call timeout (default 30s)").
const defaultMCPCallTimeout = 30 * time.Second

// StdioServerConfig is one entry of the External-Process Tool Bridge's
// import configuration: a command to spawn as a child process exposing
// tools over line-delimited JSON-RPC 2.0 on its stdin/stdout (spec.md §4.5).
type StdioServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

// StdioMCPAdapter spawns and speaks to a single external tool server child
// process. It reuses sideload.StdioTransport (the teacher's module-bridge
// stdio transport, internal/infrastructure/sideload/transport_stdio.go) for
// the line-delimited demux-by-request-id mechanics, instead of the HTTP
// transport MCPAdapter uses — spec.md's bridge is explicitly a child
// process speaking over its own stdin/stdout, not an HTTP endpoint.
type StdioMCPAdapter struct {
	name        string
	cmd         *exec.Cmd
	transport   *sideload.StdioTransport
	callTimeout time.Duration
	logger      *zap.Logger

	mu    sync.RWMutex
	tools []MCPToolDef
}

// StartStdioMCPAdapter spawns the child process described by cfg and
// performs the MCP handshake (initialize) over its stdin/stdout.
func StartStdioMCPAdapter(ctx context.Context, cfg StdioServerConfig, logger *zap.Logger) (*StdioMCPAdapter, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio %s: stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio %s: stdout pipe: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp stdio %s: start: %w", cfg.Name, err)
	}

	a := &StdioMCPAdapter{
		name:        cfg.Name,
		cmd:         cmd,
		transport:   sideload.NewStdioTransport(stdin, stdout),
		callTimeout: defaultMCPCallTimeout,
		logger:      logger,
	}

	initCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	if _, err := a.call(initCtx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("mcp stdio %s: initialize: %w", cfg.Name, err)
	}

	return a, nil
}

// Name returns the server's configured name.
func (a *StdioMCPAdapter) Name() string {
	return a.name
}

// DiscoverTools calls tools/list and caches the catalog.
func (a *StdioMCPAdapter) DiscoverTools(ctx context.Context) ([]MCPToolDef, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	raw, err := a.call(callCtx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp stdio %s: tools/list: %w", a.name, err)
	}
	var result struct {
		Tools []MCPToolDef `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp stdio %s: parse tools/list: %w", a.name, err)
	}

	a.mu.Lock()
	a.tools = result.Tools
	a.mu.Unlock()

	a.logger.Info("mcp stdio tools discovered", zap.String("server", a.name), zap.Int("count", len(result.Tools)))
	return result.Tools, nil
}

// GetTools returns the cached catalog from the last DiscoverTools call.
func (a *StdioMCPAdapter) GetTools() []MCPToolDef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]MCPToolDef, len(a.tools))
	copy(out, a.tools)
	return out
}

// mcpContentPart is one element of a tools/call result's content array
// (spec.md §4.5: "a list of typed parts: text | image | embedded resource").
type mcpContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, for type=image
	Resource struct {
		URI  string `json:"uri,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"resource,omitempty"`
}

// CallTool invokes tools/call and converts the multi-part result into a
// single string: text parts are joined with newlines, image parts are
// rendered as data URLs, resource parts contribute their embedded text
// (spec.md §4.5's import-flow conversion contract).
func (a *StdioMCPAdapter) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	raw, err := a.call(callCtx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp stdio %s: tools/call %s: %w", a.name, name, err)
	}

	var result struct {
		Content []mcpContentPart `json:"content"`
		IsError bool             `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return string(raw), nil
	}
	if result.IsError {
		return "", fmt.Errorf("mcp stdio %s: tool %s returned an error result", a.name, name)
	}

	var parts []string
	for _, c := range result.Content {
		switch c.Type {
		case "text":
			parts = append(parts, c.Text)
		case "image":
			mime := c.MimeType
			if mime == "" {
				mime = "application/octet-stream"
			}
			parts = append(parts, fmt.Sprintf("data:%s;base64,%s", mime, c.Data))
		case "resource":
			if c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else if c.Resource.URI != "" {
				parts = append(parts, c.Resource.URI)
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Close terminates the child process and disposes the transport (spec.md
// §4.5: "close() terminates the child, disposes the reader, and fails
// pending requests").
func (a *StdioMCPAdapter) Close() error {
	_ = a.transport.Close()
	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	return a.cmd.Wait()
}

func (a *StdioMCPAdapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req, err := sideload.NewRequest(nextRPCID(), method, params)
	if err != nil {
		return nil, err
	}
	resp, err := a.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// StdioMCPTool adapts a single tool exposed by a StdioMCPAdapter to the
// domaintool.Tool interface, mirroring MCPTool but for child-process servers
// instead of HTTP ones (mcp_tool.go).
type StdioMCPTool struct {
	adapter *StdioMCPAdapter
	toolDef MCPToolDef
	logger  *zap.Logger
}

// NewStdioMCPTool creates a domaintool.Tool wrapper for a single stdio MCP tool.
func NewStdioMCPTool(adapter *StdioMCPAdapter, def MCPToolDef, logger *zap.Logger) *StdioMCPTool {
	return &StdioMCPTool{adapter: adapter, toolDef: def, logger: logger}
}

var _ domaintool.Tool = (*StdioMCPTool)(nil)

func (t *StdioMCPTool) Name() string {
	return fmt.Sprintf("%s_%s", t.adapter.Name(), t.toolDef.Name)
}

func (t *StdioMCPTool) Description() string {
	return fmt.Sprintf("[MCP:%s] %s", t.adapter.Name(), t.toolDef.Description)
}

func (t *StdioMCPTool) Kind() domaintool.Kind {
	return domaintool.KindFetch
}

func (t *StdioMCPTool) Schema() map[string]interface{} {
	if t.toolDef.InputSchema != nil {
		return t.toolDef.InputSchema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *StdioMCPTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	t.logger.Info("executing stdio MCP tool", zap.String("server", t.adapter.Name()), zap.String("tool", t.toolDef.Name))

	output, err := t.adapter.CallTool(ctx, t.toolDef.Name, args)
	if err != nil {
		return &domaintool.Result{Output: err.Error(), Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: output, Success: true}, nil
}

// RegisterStdioMCPTools discovers tools from a StdioMCPAdapter and registers
// them into the provided tool registry. Returns the count of registered tools.
func RegisterStdioMCPTools(ctx context.Context, adapter *StdioMCPAdapter, registry domaintool.Registry, logger *zap.Logger) (int, error) {
	tools, err := adapter.DiscoverTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("stdio MCP discovery failed for %s: %w", adapter.Name(), err)
	}

	registered := 0
	for _, def := range tools {
		mcpTool := NewStdioMCPTool(adapter, def, logger)
		if err := registry.Register(mcpTool); err != nil {
			logger.Warn("failed to register stdio MCP tool",
				zap.String("server", adapter.Name()), zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		registered++
		logger.Info("registered stdio MCP tool", zap.String("name", mcpTool.Name()), zap.String("description", def.Description))
	}
	return registered, nil
}
