// Package mcpserver is the export direction of the External-Process Tool
// Bridge (spec.md §4.5): where internal/infrastructure/tool's
// StdioMCPAdapter lets jimi consume an external process's tools over
// line-delimited JSON-RPC, Server lets an external MCP client consume
// jimi's own tool registry the same way, by exposing it as a stdio MCP
// server. It reuses the sideload package's JSON-RPC 2.0 types
// (internal/infrastructure/sideload/protocol.go) and mirrors
// StdioMCPAdapter's wire conventions in reverse: a Request arrives on
// this process's own stdin and a Response is written to its own stdout,
// instead of a child process's pipes.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/sideload"
	"go.uber.org/zap"
)

// protocolVersion is the MCP handshake version this server advertises,
// matching the version StdioMCPAdapter sends as a client
// (internal/infrastructure/tool/mcp_stdio_adapter.go).
const protocolVersion = "2024-11-05"

// Server exposes a domaintool.Registry as an MCP tool server over
// line-delimited JSON-RPC 2.0. One Server instance serves exactly one
// client connection (spec.md §4.5's export flow is a single long-lived
// stdio session, not a multiplexed listener).
type Server struct {
	name     string
	version  string
	registry domaintool.Registry
	logger   *zap.Logger

	mu          sync.Mutex
	initialized bool
}

// NewServer creates an MCP export server backed by registry. name/version
// identify this server in its own initialize response.
func NewServer(name, version string, registry domaintool.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{name: name, version: version, registry: registry, logger: logger}
}

// Serve reads newline-delimited JSON-RPC requests from in and writes
// responses to out until in is exhausted, ctx is cancelled, or a write
// fails. Each request is handled synchronously and in order, matching
// MCP's stdio transport (one request, one response, same line order).
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReaderSize(in, 64*1024)
	var writeMu sync.Mutex

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(ctx, line, out, &writeMu)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("mcp server: read request: %w", err)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte, out io.Writer, writeMu *sync.Mutex) {
	var req sideload.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("mcp server: malformed request line", zap.Error(err))
		s.writeResponse(out, writeMu, sideload.NewErrorResponse(nil, sideload.ErrParse, "parse error", err.Error()))
		return
	}
	if req.IsNotification() {
		// spec.md §4.5 export flow only answers requests; notifications from
		// the client (if any) carry no id and expect no response.
		return
	}

	resp := s.Handle(ctx, &req)
	s.writeResponse(out, writeMu, resp)
}

func (s *Server) writeResponse(out io.Writer, writeMu *sync.Mutex, resp *sideload.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp server: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := out.Write(data); err != nil {
		s.logger.Error("mcp server: write response", zap.Error(err))
	}
}

// Handle dispatches a single JSON-RPC request to its MCP method handler and
// returns the response to send back, without touching I/O — exported so
// tests (and in-process callers) can drive the protocol without real pipes.
func (s *Server) Handle(ctx context.Context, req *sideload.Request) *sideload.Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return sideload.NewErrorResponse(req.ID, sideload.ErrMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Server) handleInitialize(req *sideload.Request) *sideload.Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		Capabilities:    map[string]any{"tools": map[string]any{}},
	}
	resp, err := sideload.NewResponse(req.ID, result)
	if err != nil {
		return sideload.NewErrorResponse(req.ID, sideload.ErrInternal, err.Error(), nil)
	}
	s.logger.Info("mcp server initialized", zap.String("server", s.name))
	return resp
}

// mcpToolDef mirrors internal/infrastructure/tool.MCPToolDef's wire shape —
// this package can't import internal/infrastructure/tool without creating
// an import cycle (that package imports sideload too), so the shape is
// duplicated rather than shared.
type mcpToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func (s *Server) handleToolsList(req *sideload.Request) *sideload.Response {
	defs := s.registry.List()
	tools := make([]mcpToolDef, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, mcpToolDef{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}

	resp, err := sideload.NewResponse(req.ID, map[string]any{"tools": tools})
	if err != nil {
		return sideload.NewErrorResponse(req.ID, sideload.ErrInternal, err.Error(), nil)
	}
	return resp
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// mcpContentPart mirrors the content-part shape tools/call results use
// (internal/infrastructure/tool/mcp_stdio_adapter.go's mcpContentPart),
// built here instead of there since that package already consumes it as a
// client and this is the producing side.
type mcpContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolsCallResult struct {
	Content []mcpContentPart `json:"content"`
	IsError bool             `json:"isError"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *sideload.Request) *sideload.Response {
	var params toolsCallParams
	if err := req.ParseParams(&params); err != nil {
		return sideload.NewErrorResponse(req.ID, sideload.ErrInvalidParams, fmt.Sprintf("bad tools/call params: %v", err), nil)
	}

	t, ok := s.registry.Get(params.Name)
	if !ok {
		return sideload.NewErrorResponse(req.ID, sideload.ErrInvalidParams, fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	result, err := t.Execute(ctx, params.Arguments)
	if err != nil {
		return sideload.NewErrorResponse(req.ID, sideload.ErrToolExecFailed, err.Error(), nil)
	}

	text := result.DisplayOrOutput()
	callResult := toolsCallResult{
		Content: []mcpContentPart{{Type: "text", Text: text}},
		IsError: result.Status == domaintool.StatusError || result.Status == domaintool.StatusRejected,
	}
	resp, err := sideload.NewResponse(req.ID, callResult)
	if err != nil {
		return sideload.NewErrorResponse(req.ID, sideload.ErrInternal, err.Error(), nil)
	}

	s.logger.Info("mcp server tool call", zap.String("tool", params.Name), zap.Bool("is_error", callResult.IsError))
	return resp
}
