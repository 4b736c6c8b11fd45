package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/jimiagent/jimi/internal/domain/approval"
)

func TestWireApprovalNotifierPublishesAndResolves(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	notifier := NewWireApprovalNotifier(w)
	sub := w.Subscribe(4)

	arbiter := approval.NewArbiter(false, notifier, nil)

	done := make(chan approval.Response, 1)
	go func() {
		done <- arbiter.Decide(context.Background(), "c1", "", "write_file", "write /tmp/x")
	}()

	select {
	case ev := <-sub.Events:
		if ev.Type() != EventApprovalRequest {
			t.Fatalf("event type = %q, want %q", ev.Type(), EventApprovalRequest)
		}
		payload := ev.Payload().(ApprovalRequestPayload)
		if payload.ToolCallID != "c1" {
			t.Fatalf("ToolCallID = %q, want c1", payload.ToolCallID)
		}
		payload.Resolve(string(approval.ApproveOnce))
	case <-time.After(time.Second):
		t.Fatal("did not receive approval-request event")
	}

	select {
	case resp := <-done:
		if resp != approval.ApproveOnce {
			t.Fatalf("Decide() = %v, want ApproveOnce", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("arbiter.Decide did not return")
	}
}
