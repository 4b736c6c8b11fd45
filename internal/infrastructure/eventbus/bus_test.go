package eventbus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent("test_event", "payload_data")
	if ev.Type() != "test_event" {
		t.Errorf("Type: got %q, want %q", ev.Type(), "test_event")
	}
	if ev.Payload().(string) != "payload_data" {
		t.Errorf("Payload: got %v", ev.Payload())
	}
	if ev.Timestamp().IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestWirePublishWithNoSubscribersIsNoOp(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	// Must not panic or block.
	w.Publish(context.Background(), NewEvent(EventStatusUpdate, nil))
}

func TestWireDeliversInPublishOrder(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	sub := w.Subscribe(8)
	for i := 0; i < 5; i++ {
		w.Publish(context.Background(), NewEvent(EventStepBegin, StepBeginPayload{Step: i}))
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.Events:
			got := ev.Payload().(StepBeginPayload).Step
			if got != i {
				t.Fatalf("event %d out of order: got step %d", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestWireFanOutToMultipleSubscribers(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	sub1 := w.Subscribe(8)
	sub2 := w.Subscribe(8)

	w.Publish(context.Background(), NewEvent(EventStepBegin, StepBeginPayload{Step: 1}))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events:
			if ev.Type() != EventStepBegin {
				t.Fatalf("got event type %q, want %q", ev.Type(), EventStepBegin)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive fanned-out event")
		}
	}
}

func TestWireDropsDroppableEventsOnFullBuffer(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	w.Subscribe(1)
	w.Publish(context.Background(), NewEvent(EventContentPart, ContentPartPayload{Text: "a"}))
	// Buffer now full (capacity 1); this publish must not block.
	done := make(chan struct{})
	go func() {
		w.Publish(context.Background(), NewEvent(EventContentPart, ContentPartPayload{Text: "b"}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish of a droppable event blocked on a full buffer")
	}
}

func TestWireNeverDropsCriticalEvents(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	sub := w.Subscribe(1)
	w.Publish(context.Background(), NewEvent(EventToolCall, ToolCallPayload{ToolCallID: "c1"}))

	published := make(chan struct{})
	go func() {
		w.Publish(context.Background(), NewEvent(EventToolCall, ToolCallPayload{ToolCallID: "c2"}))
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("critical event publish returned before subscriber drained (should have blocked)")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.Events // drain c1, unblocking the second publish
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("critical event publish never unblocked after drain")
	}
}

func TestWireCriticalPublishRespectsContextCancellation(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	w.Subscribe(1)
	w.Publish(context.Background(), NewEvent(EventToolCall, ToolCallPayload{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Publish(ctx, NewEvent(EventToolCall, ToolCallPayload{}))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after context cancellation")
	}
}

func TestWireCloseTerminatesSubscriberStreams(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	sub := w.Subscribe(4)
	w.Close()

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}
}

func TestWireSubscribeAfterCloseYieldsClosedStream(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	w.Close()

	sub := w.Subscribe(4)
	_, ok := <-sub.Events
	if ok {
		t.Fatal("subscribing after close should yield an already-closed stream")
	}
}

func TestWirePublishAfterCloseIsNoOp(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	w.Close()
	// Must not panic.
	w.Publish(context.Background(), NewEvent(EventStatusUpdate, nil))
}

func TestWireUnsubscribeClosesStream(t *testing.T) {
	w := NewInMemoryWire(testLogger())
	defer w.Close()

	sub := w.Subscribe(4)
	w.Unsubscribe(sub.ID)

	_, ok := <-sub.Events
	if ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
}
