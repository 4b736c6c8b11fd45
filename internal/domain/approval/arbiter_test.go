package approval

import (
	"context"
	"testing"
	"time"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
)

type recordingNotifier struct {
	requests chan *Request
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{requests: make(chan *Request, 8)}
}

func (n *recordingNotifier) NotifyApprovalRequest(req *Request) {
	n.requests <- req
}

func TestArbiterYOLOApprovesWithoutNotifying(t *testing.T) {
	n := newRecordingNotifier()
	a := NewArbiter(true, n, nil)

	resp := a.Decide(context.Background(), "c1", domaintool.KindExecute, "bash", "run ls")
	if resp != ApproveOnce {
		t.Fatalf("Decide() = %v, want ApproveOnce", resp)
	}
	select {
	case <-n.requests:
		t.Fatal("YOLO mode should never notify")
	default:
	}
}

func TestArbiterSafeKindAutoApproves(t *testing.T) {
	n := newRecordingNotifier()
	a := NewArbiter(false, n, nil)

	resp := a.Decide(context.Background(), "c1", domaintool.KindRead, "read_file", "read /tmp/x")
	if resp != ApproveOnce {
		t.Fatalf("Decide() = %v, want ApproveOnce for a safe kind", resp)
	}
}

func TestArbiterWaitsAndResolves(t *testing.T) {
	n := newRecordingNotifier()
	a := NewArbiter(false, n, nil)

	done := make(chan Response, 1)
	go func() {
		done <- a.Decide(context.Background(), "c1", domaintool.KindEdit, "write_file", "write /tmp/x")
	}()

	req := <-n.requests
	if req.ToolCallID != "c1" {
		t.Fatalf("request toolCallID = %q, want c1", req.ToolCallID)
	}
	req.Resolve(ApproveOnce)

	select {
	case resp := <-done:
		if resp != ApproveOnce {
			t.Fatalf("Decide() = %v, want ApproveOnce", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("Decide() did not return after resolution")
	}
}

func TestArbiterApproveForSessionCaches(t *testing.T) {
	n := newRecordingNotifier()
	a := NewArbiter(false, n, nil)

	go func() {
		req := <-n.requests
		req.Resolve(ApproveForSession)
	}()
	resp := a.Decide(context.Background(), "c1", domaintool.KindDelete, "delete_file", "rm /tmp/x")
	if resp != ApproveOnce {
		t.Fatalf("first Decide() = %v, want ApproveOnce", resp)
	}

	// Second call for the same action must be served from cache, with no
	// second notification.
	resp = a.Decide(context.Background(), "c2", domaintool.KindDelete, "delete_file", "rm /tmp/y")
	if resp != ApproveOnce {
		t.Fatalf("cached Decide() = %v, want ApproveOnce", resp)
	}
	select {
	case <-n.requests:
		t.Fatal("cached decision should not notify again")
	default:
	}
}

func TestArbiterDuplicateResolutionIsNoOp(t *testing.T) {
	req := newRequest("c1", "write_file", "desc")
	req.Resolve(ApproveOnce)
	req.Resolve(Reject) // must be ignored

	select {
	case resp := <-req.result:
		if resp != ApproveOnce {
			t.Fatalf("resolved response = %v, want ApproveOnce (first write wins)", resp)
		}
	default:
		t.Fatal("expected a buffered result from the first Resolve call")
	}
}

func TestArbiterCancellationRejects(t *testing.T) {
	n := newRecordingNotifier()
	a := NewArbiter(false, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Response, 1)
	go func() {
		done <- a.Decide(ctx, "c1", domaintool.KindExecute, "bash", "run rm -rf")
	}()

	<-n.requests // wait until the request is registered
	cancel()

	select {
	case resp := <-done:
		if resp != Reject {
			t.Fatalf("Decide() after cancellation = %v, want Reject", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("Decide() did not return after cancellation")
	}
}

func TestArbiterNoNotifierRejects(t *testing.T) {
	a := NewArbiter(false, nil, nil)
	resp := a.Decide(context.Background(), "c1", domaintool.KindExecute, "bash", "run ls")
	if resp != Reject {
		t.Fatalf("Decide() with no notifier = %v, want Reject (fail-safe)", resp)
	}
}
