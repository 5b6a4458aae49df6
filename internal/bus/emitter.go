package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/nugget/hisense-bridge/internal/events"
)

// Emitter performs outbound commands on behalf of one switch. Commands
// are fire-and-forget: a nil error means the transport accepted the
// message, not that the TV acted on it.
type Emitter struct {
	bus    Bus
	waker  Waker
	source string
	events *events.Bus
	logger *slog.Logger
}

// NewEmitter creates an Emitter. waker may be nil for switches that never
// wake the TV; events may be nil.
func NewEmitter(b Bus, waker Waker, source string, ev *events.Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		bus:    b,
		waker:  waker,
		source: source,
		events: ev,
		logger: logger,
	}
}

// Publish sends a raw payload.
func (e *Emitter) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := e.bus.Publish(ctx, topic, payload, retain); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	e.logger.Debug("command published", "topic", topic, "payload", string(payload), "retain", retain)
	e.events.Emit(e.source, events.KindCommandSent, map[string]any{
		"topic":  topic,
		"retain": retain,
	})
	return nil
}

// PublishJSON marshals v and publishes it.
func (e *Emitter) PublishJSON(ctx context.Context, topic string, v any, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command for %s: %w", topic, err)
	}
	return e.Publish(ctx, topic, payload, retain)
}

// Wake transmits a magic packet for mac towards addr.
func (e *Emitter) Wake(ctx context.Context, mac net.HardwareAddr, addr string) error {
	if e.waker == nil {
		return errors.New("no wake-on-lan transport configured")
	}
	if err := e.waker.Wake(ctx, mac, addr); err != nil {
		return fmt.Errorf("wake %s: %w", mac, err)
	}
	e.logger.Debug("magic packet sent", "mac", mac.String(), "address", addr)
	e.events.Emit(e.source, events.KindCommandSent, map[string]any{
		"mac":     mac.String(),
		"address": addr,
	})
	return nil
}
