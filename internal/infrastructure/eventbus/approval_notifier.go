package eventbus

import (
	"context"

	"github.com/jimiagent/jimi/internal/domain/approval"
)

// WireApprovalNotifier adapts a Wire into an approval.Notifier: every
// approval request the Arbiter raises is published as an approval-request
// event so observers (the REPL, the WebSocket handler) can resolve it.
type WireApprovalNotifier struct {
	wire Wire
}

// NewWireApprovalNotifier wraps wire as an approval.Notifier.
func NewWireApprovalNotifier(wire Wire) *WireApprovalNotifier {
	return &WireApprovalNotifier{wire: wire}
}

// NotifyApprovalRequest implements approval.Notifier.
func (n *WireApprovalNotifier) NotifyApprovalRequest(req *approval.Request) {
	payload := ApprovalRequestPayload{
		ToolCallID:  req.ToolCallID,
		Action:      req.Action,
		Description: req.Description,
		Resolve: func(response string) {
			req.Resolve(approval.Response(response))
		},
	}
	n.wire.Publish(context.Background(), NewEvent(EventApprovalRequest, payload))
}
