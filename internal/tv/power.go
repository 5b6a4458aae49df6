package tv

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/topic"
)

// Config holds the collaborators shared by both switch constructors.
type Config struct {
	Identity Identity
	Bus      bus.Bus
	Waker    bus.Waker // only used by the power switch
	Notifier Notifier  // optional
	Events   *events.Bus
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// powerKey is the remote key that toggles the TV into standby.
const powerKey = "KEY_POWER"

// PowerSwitch tracks whether the TV is on. Sleep notifications turn it
// off; any live UI, volume or source-list message turns it on. Retained
// copies of those liveness messages are replayed by the broker on
// subscribe and say nothing about the TV now, so they are discarded.
type PowerSwitch struct {
	id       Identity
	topics   topic.Router
	subs     *bus.Subscriptions
	emit     *bus.Emitter
	notifier Notifier
	events   *events.Bus
	logger   *slog.Logger

	mu sync.Mutex
	on bool
}

var _ Controllable = (*PowerSwitch)(nil)

// NewPowerSwitch creates a power switch. It starts off and does nothing
// until [PowerSwitch.Activate] is called.
func NewPowerSwitch(cfg Config) *PowerSwitch {
	logger := cfg.logger().With("entity", cfg.Identity.UniqueID)
	return &PowerSwitch{
		id:       cfg.Identity,
		topics:   cfg.Identity.Topics(),
		subs:     bus.NewSubscriptions(cfg.Bus, logger),
		emit:     bus.NewEmitter(cfg.Bus, cfg.Waker, events.SourcePower, cfg.Events, logger),
		notifier: cfg.Notifier,
		events:   cfg.Events,
		logger:   logger,
	}
}

// State returns the current snapshot. The power switch has no
// availability concept and always reports itself available.
func (p *PowerSwitch) State() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *PowerSwitch) snapshotLocked() Snapshot {
	return Snapshot{
		UniqueID:  p.id.UniqueID,
		Name:      p.id.Name,
		Kind:      KindPower,
		On:        p.on,
		Available: true,
		Icon:      "mdi:television",
	}
}

// Activate subscribes to the TV's sleep and liveness topics.
func (p *PowerSwitch) Activate(ctx context.Context) error {
	return p.subs.Activate(ctx, []bus.Route{
		{Name: "tvsleep", Topic: p.topics.InTopic(topic.PathTVSleep), Handler: p.handleSleep},
		{Name: "state", Topic: p.topics.InTopic(topic.PathUIState), Handler: p.handleActivity},
		{Name: "volume", Topic: p.topics.InTopic(topic.PathVolumeChange), Handler: p.handleActivity},
		{Name: "sourcelist", Topic: p.topics.OutTopic(topic.PathSourceList), Handler: p.handleActivity},
	})
}

// Deactivate removes every subscription made by Activate.
func (p *PowerSwitch) Deactivate(ctx context.Context) error {
	return p.subs.Deactivate(ctx)
}

// TurnOn sends a magic packet. State follows once the TV announces its
// UI state.
func (p *PowerSwitch) TurnOn(ctx context.Context) error {
	return p.emit.Wake(ctx, p.id.MAC, p.id.Address)
}

// TurnOff presses the power key. State follows once the TV announces
// that it is going to sleep.
func (p *PowerSwitch) TurnOff(ctx context.Context) error {
	return p.emit.Publish(ctx, p.topics.OutTopic(topic.PathSendKey), []byte(powerKey), false)
}

func (p *PowerSwitch) handleSleep(ctx context.Context, msg bus.Message) {
	p.logger.Debug("tv sleep received", "topic", msg.Topic, "retained", msg.Retained)
	p.set(ctx, false)
}

func (p *PowerSwitch) handleActivity(ctx context.Context, msg bus.Message) {
	if msg.Retained {
		p.logger.Debug("skipping retained liveness message", "topic", msg.Topic)
		p.events.Emit(events.SourcePower, events.KindMessageDiscarded, map[string]any{
			"entity_id": p.id.UniqueID,
			"topic":     msg.Topic,
		})
		return
	}
	p.logger.Debug("tv activity received", "topic", msg.Topic)
	p.set(ctx, true)
}

func (p *PowerSwitch) set(ctx context.Context, on bool) {
	p.mu.Lock()
	p.on = on
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.events.Emit(events.SourcePower, events.KindStateChanged, map[string]any{
		"entity_id": snap.UniqueID,
		"on":        snap.On,
		"available": snap.Available,
		"force":     false,
	})
	if p.notifier != nil {
		p.notifier.StateChanged(ctx, snap, false)
	}
}
