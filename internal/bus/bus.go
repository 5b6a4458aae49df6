// Package bus defines the narrow publish/subscribe surface the TV
// switches depend on, together with the two helpers each switch composes:
// [Subscriptions], which owns the (topic, handler) registrations of one
// activation cycle, and [Emitter], which turns command intents into
// publishes and magic packets.
//
// The concrete broker client lives in internal/mqtt and the magic packet
// transmitter in internal/wol; both satisfy the interfaces here so the
// switches can be driven by in-memory fakes in tests.
package bus

import (
	"context"
	"net"
)

// Message is an inbound publish as delivered by the broker. It is
// consumed synchronously by exactly one handler invocation.
type Message struct {
	Topic   string
	Payload []byte
	// Retained is set when the broker replayed a stored message rather
	// than forwarding a live publish.
	Retained bool
}

// Handler processes one inbound message. Handlers for a given
// subscription are invoked in broker delivery order.
type Handler func(ctx context.Context, msg Message)

// Unsubscribe removes a registration made with [Bus.Subscribe]. Calling
// it more than once is a no-op.
type Unsubscribe func(ctx context.Context) error

// Bus is the publish/subscribe transport.
type Bus interface {
	// Subscribe registers h for messages matching the topic filter.
	Subscribe(ctx context.Context, filter string, h Handler) (Unsubscribe, error)
	// Publish sends payload to topic. It does not wait for any
	// acknowledgement from the eventual consumer.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Waker transmits wake-on-LAN magic packets.
type Waker interface {
	Wake(ctx context.Context, mac net.HardwareAddr, addr string) error
}
