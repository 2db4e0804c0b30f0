// Package events provides a publish/subscribe event bus for runtime
// observability. Events flow from components (loop scheduler, chat-turn
// manager, orientation engine, concerns manager, journal engine) to
// subscribers (WebSocket bridge, activity log). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of runtime event. Values match the wire-level
// event_type strings used by the WebSocket bridge.
type Type string

const (
	// TypeStateChanged signals an agent visual-state transition.
	// Data: state.
	TypeStateChanged Type = "state_changed"
	// TypeObservation is a human-readable note about what the agent is doing.
	// Data: text.
	TypeObservation Type = "observation"
	// TypeReasoningTrace carries internal trace lines for the activity log.
	// Data: lines.
	TypeReasoningTrace Type = "reasoning_trace"
	// TypeToolCallProgress signals a tool execution inside a turn.
	// Data: conversation_id, tool_name, output_preview.
	TypeToolCallProgress Type = "tool_call_progress"
	// TypeChatStreaming carries partial response deltas for a conversation.
	// Data: conversation_id, content, done.
	TypeChatStreaming Type = "chat_streaming"
	// TypeActionTaken signals a completed outward-facing action.
	// Data: action, result.
	TypeActionTaken Type = "action_taken"
	// TypeOrientationUpdate carries a fresh orientation synthesis.
	// Data: disposition, user_state, narrative, anomalies (count),
	// salient (salience-map item count).
	TypeOrientationUpdate Type = "orientation_update"
	// TypeJournalWritten signals a persisted journal entry.
	// Data: text.
	TypeJournalWritten Type = "journal_written"
	// TypeConcernCreated signals a new concern. Data: id, summary.
	TypeConcernCreated Type = "concern_created"
	// TypeConcernTouched signals a reactivated or decayed concern.
	// Data: id, summary.
	TypeConcernTouched Type = "concern_touched"
	// TypeCycleStart marks the beginning of a scheduler tick.
	// Data: tick.
	TypeCycleStart Type = "cycle_start"
	// TypeError carries a confined component failure. Data: text.
	TypeError Type = "error"
)

// Event represents a single runtime event published by a component.
type Event struct {
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"ts"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit is shorthand for Publish(New(t, data)).
func (b *Bus) Emit(t Type, data map[string]any) {
	b.Publish(New(t, data))
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
