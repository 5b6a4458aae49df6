// Package bustest provides an in-memory [bus.Bus] and [bus.Waker] that
// record traffic, for driving the switches and the Home Assistant adapter
// in tests.
package bustest

import (
	"context"
	"net"
	"sync"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/topic"
)

// Published is one recorded publish.
type Published struct {
	Topic   string
	Payload string
	Retain  bool
}

// Wake is one recorded magic packet.
type Wake struct {
	MAC     string
	Address string
}

type subscription struct {
	id      int
	filter  string
	handler bus.Handler
}

// Bus is a recording in-memory broker. The zero value is not usable; use
// [New].
type Bus struct {
	mu   sync.Mutex
	subs []subscription
	next int

	published    []Published
	wakes        []Wake
	unsubscribes map[string]int

	// SubscribeErr, when set, is returned by Subscribe for any filter it
	// returns true for.
	SubscribeErr func(filter string) error
	// PublishErr, when non-nil, is returned by every Publish.
	PublishErr error
	// WakeErr, when non-nil, is returned by every Wake.
	WakeErr error
}

// New returns an empty recording bus.
func New() *Bus {
	return &Bus{unsubscribes: make(map[string]int)}
}

// Subscribe implements [bus.Bus].
func (b *Bus) Subscribe(_ context.Context, filter string, h bus.Handler) (bus.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.SubscribeErr != nil {
		if err := b.SubscribeErr(filter); err != nil {
			return nil, err
		}
	}

	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: h})

	return func(context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribes[filter]++
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

// Publish implements [bus.Bus].
func (b *Bus) Publish(_ context.Context, t string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.published = append(b.published, Published{Topic: t, Payload: string(payload), Retain: retain})
	return nil
}

// Wake implements [bus.Waker].
func (b *Bus) Wake(_ context.Context, mac net.HardwareAddr, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WakeErr != nil {
		return b.WakeErr
	}
	b.wakes = append(b.wakes, Wake{MAC: mac.String(), Address: addr})
	return nil
}

// Deliver dispatches a message to every matching handler, in
// registration order, and reports how many handlers ran.
func (b *Bus) Deliver(ctx context.Context, t string, payload string, retained bool) int {
	b.mu.Lock()
	var handlers []bus.Handler
	for _, s := range b.subs {
		if topic.Match(s.filter, t) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	msg := bus.Message{Topic: t, Payload: []byte(payload), Retained: retained}
	for _, h := range handlers {
		h(ctx, msg)
	}
	return len(handlers)
}

// Filters returns the currently subscribed filters in registration order.
func (b *Bus) Filters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subs))
	for i, s := range b.subs {
		out[i] = s.filter
	}
	return out
}

// Unsubscribes returns how many times the filter was unsubscribed.
func (b *Bus) Unsubscribes(filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribes[filter]
}

// Published returns a copy of every recorded publish.
func (b *Bus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns the recorded publishes to topic t.
func (b *Bus) PublishedTo(t string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Published
	for _, p := range b.published {
		if p.Topic == t {
			out = append(out, p)
		}
	}
	return out
}

// Wakes returns a copy of every recorded magic packet.
func (b *Bus) Wakes() []Wake {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Wake(nil), b.wakes...)
}

// Reset clears recorded publishes and wakes, keeping subscriptions.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
	b.wakes = nil
}
