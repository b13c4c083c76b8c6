// Package event provides the debug engine's event stream. Each subsystem
// (sessions, breakpoints, execution, inspection) publishes to its own Bus,
// and the engine facade forwards all of them onto a single external Bus
// that API and protocol layers subscribe to.
package event

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

// Session lifecycle events.
const (
	SessionCreated      Type = "sessionCreated"
	SessionStateChanged Type = "sessionStateChanged"
	SessionDeleted      Type = "sessionDeleted"
)

// Breakpoint events.
const (
	BreakpointCreated         Type = "breakpointCreated"
	BreakpointRemoved         Type = "breakpointRemoved"
	BreakpointChanged         Type = "breakpointChanged"
	BreakpointHit             Type = "breakpointHit"
	SessionBreakpointsCleared Type = "sessionBreakpointsCleared"
)

// Execution events.
const (
	QueryStarted   Type = "queryStarted"
	QueryStage     Type = "queryStage"
	QueryCompleted Type = "queryCompleted"
	QueryFailed    Type = "queryFailed"
	Paused         Type = "paused"
	Resumed        Type = "resumed"
	Stepped        Type = "stepped"
	Rewound        Type = "rewound"
)

// Event is a single debug engine event. Data carries event-specific fields
// and is never mutated after publication.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// subscriber buffer size. Matches the broadcast buffering used by the
// WebSocket hub so a slow consumer drops events instead of stalling
// the execution path.
const subscriberBuffer = 256

// Bus is an in-process publish/subscribe event stream. Publication never
// blocks: events to a full subscriber channel are dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its receive channel
// along with a cancel function. Cancel closes the channel and removes
// the subscription; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish sends an event to all subscribers. The event timestamp is set
// if the caller left it zero. Subscribers with full channels miss the
// event rather than blocking the publisher.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber not keeping up, drop.
		}
	}
}

// Emit is shorthand for publishing a typed event with data.
func (b *Bus) Emit(t Type, sessionID string, data map[string]any) {
	b.Publish(Event{Type: t, SessionID: sessionID, Data: data})
}

// Forward republishes every event from this bus onto dst until stop is
// called. Per-source ordering is preserved; no cross-source interleaving
// guarantee exists.
func (b *Bus) Forward(dst *Bus) (stop func()) {
	ch, cancel := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			dst.Publish(evt)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close shuts down the bus, closing all subscriber channels. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
