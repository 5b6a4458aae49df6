// Package events provides an in-process broadcast bus for operational
// observability. Events flow from the TV switches, the broker client and
// the Home Assistant adapter to subscribers such as the status API's
// WebSocket stream. The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePower identifies events from a TV power switch.
	SourcePower = "power"
	// SourceGameMode identifies events from a TV game-mode switch.
	SourceGameMode = "game_mode"
	// SourceMQTT identifies events from the broker client.
	SourceMQTT = "mqtt"
	// SourceHass identifies events from the Home Assistant adapter.
	SourceHass = "hass"
	// SourceHealth identifies events from dependency health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals an accepted entity transition.
	// Data: entity_id, on, available, force.
	KindStateChanged = "state_changed"
	// KindMessageDiscarded signals a retained liveness message that was
	// filtered out.
	// Data: entity_id, topic.
	KindMessageDiscarded = "message_discarded"
	// KindCommandSent signals an outbound publish or magic packet.
	// Data: topic or mac, retain.
	KindCommandSent = "command_sent"
	// KindCommandReceived signals a Home Assistant switch command.
	// Data: entity_id, command.
	KindCommandReceived = "command_received"

	// KindConnected signals the broker connection came up.
	// Data: broker.
	KindConnected = "connected"
	// KindDropped signals inbound messages dropped by the rate limiter.
	// Data: dropped, received.
	KindDropped = "dropped"

	// KindServiceReady signals a watched dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the send side stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is filled in. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
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

// Emit publishes an event built from its parts. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}
