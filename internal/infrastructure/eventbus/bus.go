// Package eventbus implements Wire (spec.md §4.1): the in-memory multicast
// event bus carrying engine progress to observers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one item on the Wire.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is the default Event implementation.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

func (e *BaseEvent) Type() string         { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }
func (e *BaseEvent) Payload() any         { return e.EventPayload }

// NewEvent creates a new BaseEvent stamped with the current time.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{EventType: eventType, EventTimestamp: time.Now(), EventPayload: payload}
}

// Wire event type constants (spec.md §3's tagged Wire event variants).
const (
	EventStepBegin        = "step-begin"
	EventStepInterrupted  = "step-interrupted"
	EventContentPart      = "content-part"
	EventToolCall         = "tool-call"
	EventToolResult       = "tool-result"
	EventCompactionBegin  = "compaction-begin"
	EventCompactionEnd    = "compaction-end"
	EventStatusUpdate     = "status-update"
	EventApprovalRequest  = "approval-request"
)

// CriticalEventTypes are never dropped under subscriber back-pressure;
// everything else (content-part, status-update) may be dropped oldest-first
// when a subscriber's buffer overflows (spec.md §4.1).
var CriticalEventTypes = map[string]bool{
	EventApprovalRequest: true,
	EventStepBegin:       true,
	EventStepInterrupted: true,
	EventCompactionBegin: true,
	EventCompactionEnd:   true,
	EventToolCall:        true,
	EventToolResult:      true,
}

// IsCritical reports whether an event type must never be dropped.
func IsCritical(eventType string) bool { return CriticalEventTypes[eventType] }

// StepBeginPayload carries the step-begin event's stepNumber.
type StepBeginPayload struct {
	Step int
}

// StepInterruptedPayload carries the reason the loop stopped early.
type StepInterruptedPayload struct {
	Reason string
}

// ContentPartPayload carries one streamed content fragment.
type ContentPartPayload struct {
	Text string
}

// ToolCallPayload describes a dispatched tool invocation.
type ToolCallPayload struct {
	ToolCallID string
	Name       string
	Arguments  map[string]any
}

// ToolResultPayload describes a completed tool invocation.
type ToolResultPayload struct {
	ToolCallID string
	Summary    string
	Status     string // "ok" | "error" | "rejected"
}

// StatusUpdatePayload carries an arbitrary engine status map.
type StatusUpdatePayload struct {
	Status map[string]any
}

// ApprovalRequestPayload carries everything an observer needs to resolve an
// approval request: the Resolve callback is wired to the owning
// approval.Request by WireApprovalNotifier at request time.
type ApprovalRequestPayload struct {
	ToolCallID  string
	Action      string
	Description string
	Resolve     func(response string)
}

// Wire is the Event Bus contract (spec.md §4.1).
type Wire interface {
	// Publish is non-blocking for droppable events; if no subscribers
	// exist, the event is silently dropped. Publish after Close is a
	// silent no-op.
	Publish(ctx context.Context, event Event)
	// Subscribe returns a bounded buffered stream of events in publish
	// order. Subscribing after Close yields an already-closed stream.
	Subscribe(bufferSize int) Subscription
	// Unsubscribe stops and closes one subscriber's stream.
	Unsubscribe(id string)
	// Close terminates every subscriber's stream cleanly.
	Close()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID     string
	Events <-chan Event
}

type subscriber struct {
	ch chan Event
}

// InMemoryWire is the default Wire implementation: a broadcaster over
// per-subscriber bounded channels. Publish must be called from a single
// logical producer (the owning engine's step-driver) to preserve the
// happens-before ordering guarantee across subscribers (spec.md §5).
type InMemoryWire struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	nextID int
	logger *zap.Logger
}

// NewInMemoryWire creates a Wire with no subscribers yet.
func NewInMemoryWire(logger *zap.Logger) *InMemoryWire {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryWire{
		subs:   make(map[string]*subscriber),
		logger: logger.With(zap.String("component", "wire")),
	}
}

// Subscribe implements Wire.
func (w *InMemoryWire) Subscribe(bufferSize int) Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		ch := make(chan Event)
		close(ch)
		return Subscription{Events: ch}
	}

	w.nextID++
	id := fmt.Sprintf("sub-%d", w.nextID)
	sub := &subscriber{ch: make(chan Event, bufferSize)}
	w.subs[id] = sub
	return Subscription{ID: id, Events: sub.ch}
}

// Unsubscribe implements Wire.
func (w *InMemoryWire) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sub, ok := w.subs[id]; ok {
		close(sub.ch)
		delete(w.subs, id)
	}
}

// Publish implements Wire.
func (w *InMemoryWire) Publish(ctx context.Context, event Event) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(w.subs))
	for _, s := range w.subs {
		targets = append(targets, s)
	}
	w.mu.RUnlock()

	critical := IsCritical(event.Type())
	for _, s := range targets {
		if critical {
			// Never drop a critical event: block the publisher until the
			// subscriber drains, the bus closes, or the caller cancels.
			select {
			case s.ch <- event:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case s.ch <- event:
		default:
			w.logger.Warn("dropping droppable event, subscriber buffer full",
				zap.String("type", event.Type()))
		}
	}
}

// Close implements Wire.
func (w *InMemoryWire) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, s := range w.subs {
		close(s.ch)
		delete(w.subs, id)
	}
	w.logger.Info("wire closed")
}
