// Package approval implements the Approval Arbiter (spec.md §4.3): the
// single point of decision for every side-effecting tool call.
package approval

import (
	"context"
	"sync"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"go.uber.org/zap"
)

// Response is the arbiter's decision for one approval request.
type Response string

const (
	ApproveOnce       Response = "approve-once"
	ApproveForSession Response = "approve-for-session"
	Reject            Response = "reject"
)

// Request is a single outstanding approval request. It is created by the
// Arbiter, observed by a UI via Wire, and resolved exactly once; duplicate
// resolution is a no-op (spec.md §8 invariant 5).
type Request struct {
	ToolCallID  string
	Action      string
	Description string

	once   sync.Once
	result chan Response
}

func newRequest(toolCallID, action, description string) *Request {
	return &Request{
		ToolCallID:  toolCallID,
		Action:      action,
		Description: description,
		result:      make(chan Response, 1),
	}
}

// Resolve delivers the caller's decision. Only the first call has any
// effect; subsequent calls are silently ignored.
func (r *Request) Resolve(resp Response) {
	r.once.Do(func() {
		r.result <- resp
	})
}

// Notifier publishes an approval-request for external observation. The Wire
// event bus satisfies this with its own Event type; kept narrow here to
// avoid a domain→infrastructure import.
type Notifier interface {
	NotifyApprovalRequest(req *Request)
}

// Arbiter is consulted by every side-effecting tool before any externally
// visible action (spec.md §4.3).
type Arbiter struct {
	yolo     bool
	notifier Notifier
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]bool // action label -> approved for the rest of the session
}

// NewArbiter creates an Approval Arbiter. yolo pre-approves every request for
// the whole session, bypassing both the cache and Wire entirely.
func NewArbiter(yolo bool, notifier Notifier, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		yolo:     yolo,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "approval-arbiter")),
		cache:    make(map[string]bool),
	}
}

// Decide runs the full algorithm from spec.md §4.3 for one tool call. kind
// drives the SafeKinds/MutatorKinds auto-decision the same way
// domaintool.Policy.NeedsConfirmation does; action is the cache key
// (spec.md calls it the "action label").
func (a *Arbiter) Decide(ctx context.Context, toolCallID string, kind domaintool.Kind, action, description string) Response {
	if a.yolo {
		return ApproveOnce
	}
	if domaintool.SafeKinds[kind] {
		return ApproveOnce
	}

	a.mu.Lock()
	approved := a.cache[action]
	a.mu.Unlock()
	if approved {
		return ApproveOnce
	}

	req := newRequest(toolCallID, action, description)
	if a.notifier != nil {
		a.notifier.NotifyApprovalRequest(req)
	} else {
		// No observer attached: nothing will ever resolve this request, so
		// fail safe rather than hang forever.
		a.logger.Warn("approval requested with no notifier attached, rejecting", zap.String("action", action))
		return Reject
	}

	select {
	case resp := <-req.result:
		if resp == ApproveForSession {
			a.mu.Lock()
			a.cache[action] = true
			a.mu.Unlock()
			return ApproveOnce
		}
		return resp
	case <-ctx.Done():
		req.Resolve(Reject)
		return Reject
	}
}
