package event

import (
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Emit(SessionCreated, "sess-1", map[string]any{"userId": "user-1"})

	select {
	case evt := <-ch:
		if evt.Type != SessionCreated {
			t.Errorf("event type = %q, want %q", evt.Type, SessionCreated)
		}
		if evt.SessionID != "sess-1" {
			t.Errorf("session id = %q, want %q", evt.SessionID, "sess-1")
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp should be set on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	types := []Type{QueryStarted, QueryStage, QueryStage, QueryCompleted}
	for _, typ := range types {
		bus.Emit(typ, "sess-1", nil)
	}

	for i, want := range types {
		select {
		case evt := <-ch:
			if evt.Type != want {
				t.Errorf("event %d type = %q, want %q", i, evt.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
	cancel()
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count after cancel = %d, want 0", got)
	}
	// Cancel twice must not panic.
	cancel()
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Emit(QueryStage, "sess-1", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber channel")
	}

	// Drain; we should see at most subscriberBuffer events.
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count > subscriberBuffer {
				t.Errorf("received %d events, want at most %d", count, subscriberBuffer)
			}
			return
		}
	}
}

func TestForward(t *testing.T) {
	src := NewBus()
	dst := NewBus()
	stop := src.Forward(dst)
	defer stop()

	ch, cancel := dst.Subscribe()
	defer cancel()

	src.Emit(BreakpointHit, "sess-1", map[string]any{"breakpointId": "bp-1"})

	select {
	case evt := <-ch:
		if evt.Type != BreakpointHit {
			t.Errorf("forwarded type = %q, want %q", evt.Type, BreakpointHit)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}
}

func TestClose(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}

	// Publish after close must be a no-op.
	bus.Emit(SessionDeleted, "sess-1", nil)

	// Subscribe after close returns a closed channel.
	ch2, cancel := bus.Subscribe()
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Error("subscription after close should be closed immediately")
	}
}
