package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/jimiagent/jimi/internal/infrastructure/sideload"
	"go.uber.org/zap"
)

// fakeStdioChild mimics a child process's stdio pair without spawning a real
// one: requests sent by the adapter arrive on childIn, and responses written
// to childOut are read back by the adapter's transport.
type fakeStdioChild struct {
	childIn  *bufio.Reader
	childOut io.Writer
}

func (c *fakeStdioChild) readRequest(t *testing.T) map[string]interface{} {
	t.Helper()
	line, err := c.childIn.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req map[string]interface{}
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func (c *fakeStdioChild) reply(t *testing.T, id interface{}, result interface{}) {
	t.Helper()
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if _, err := c.childOut.Write(append(data, '\n')); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

// newTestAdapter builds a StdioMCPAdapter wired directly to an in-process
// fake child over io.Pipe, bypassing StartStdioMCPAdapter's os/exec spawn so
// the test stays hermetic and deterministic.
func newTestAdapter(t *testing.T) (*StdioMCPAdapter, *fakeStdioChild) {
	t.Helper()

	// adapterStdin: adapter writes here, fake child reads from the other end.
	childReadFromAdapter, adapterWritesTo := io.Pipe()
	// adapterStdout: fake child writes here, adapter reads from the other end.
	adapterReadsFrom, childWritesTo := io.Pipe()

	a := &StdioMCPAdapter{
		name:        "fake",
		cmd:         exec.Command("true"),
		transport:   sideload.NewStdioTransport(adapterWritesTo, adapterReadsFrom),
		callTimeout: 2 * time.Second,
		logger:      zap.NewNop(),
	}

	child := &fakeStdioChild{
		childIn:  bufio.NewReader(childReadFromAdapter),
		childOut: childWritesTo,
	}
	return a, child
}

func TestStdioMCPAdapterDiscoverTools(t *testing.T) {
	a, child := newTestAdapter(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := child.readRequest(t)
		if req["method"] != "tools/list" {
			t.Errorf("method = %v, want tools/list", req["method"])
		}
		child.reply(t, req["id"], map[string]interface{}{
			"tools": []map[string]interface{}{
				{"name": "search", "description": "search the web"},
			},
		})
	}()

	tools, err := a.DiscoverTools(context.Background())
	<-done
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("DiscoverTools() = %+v", tools)
	}
	if got := a.GetTools(); len(got) != 1 {
		t.Fatalf("GetTools() = %+v", got)
	}
}

func TestStdioMCPAdapterCallToolJoinsTextAndImageParts(t *testing.T) {
	a, child := newTestAdapter(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := child.readRequest(t)
		if req["method"] != "tools/call" {
			t.Errorf("method = %v, want tools/call", req["method"])
		}
		child.reply(t, req["id"], map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "here is a chart"},
				{"type": "image", "mimeType": "image/png", "data": "QUJD"},
			},
		})
	}()

	out, err := a.CallTool(context.Background(), "render", map[string]interface{}{"x": 1})
	<-done
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	want := "here is a chart\ndata:image/png;base64,QUJD"
	if out != want {
		t.Fatalf("CallTool() = %q, want %q", out, want)
	}
}

func TestStdioMCPAdapterCallToolReturnsErrorOnIsError(t *testing.T) {
	a, child := newTestAdapter(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := child.readRequest(t)
		child.reply(t, req["id"], map[string]interface{}{
			"isError": true,
			"content": []map[string]interface{}{{"type": "text", "text": "boom"}},
		})
	}()

	_, err := a.CallTool(context.Background(), "broken", nil)
	<-done
	if err == nil {
		t.Fatal("expected an error for isError result")
	}
}
