// Package hass exposes TV switches to Home Assistant through MQTT
// discovery. It publishes a retained switch config per entity, mirrors
// state and availability into retained topics, and turns ON/OFF commands
// from HA into switch intents.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/config"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/tv"
)

// Config names the topics the adapter publishes under.
type Config struct {
	// DiscoveryPrefix is HA's discovery prefix, usually "homeassistant".
	DiscoveryPrefix string
	// BaseTopic prefixes per-entity state, availability and command
	// topics.
	BaseTopic string
	// BridgeAvailabilityTopic carries the bridge's own online/offline
	// status (the MQTT last will). Every entity lists it so HA marks the
	// switches unavailable when the bridge drops off.
	BridgeAvailabilityTopic string
}

type entity struct {
	ctl    tv.Controllable
	device DeviceInfo
	topics topics
	unsub  bus.Unsubscribe
}

type published struct {
	on        bool
	available bool
}

// Adapter implements [tv.Notifier] and registers switches with HA.
type Adapter struct {
	bus    bus.Bus
	cfg    Config
	events *events.Bus
	logger *slog.Logger

	mu         sync.Mutex
	entities   map[string]*entity
	last       map[string]published
	statusStop bus.Unsubscribe
}

var _ tv.Notifier = (*Adapter)(nil)

// New creates an Adapter. No traffic is sent until [Adapter.Register].
func New(b bus.Bus, cfg Config, ev *events.Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bus:      b,
		cfg:      cfg,
		events:   ev,
		logger:   logger,
		entities: make(map[string]*entity),
		last:     make(map[string]published),
	}
}

// Start subscribes to HA's birth topic (<prefix>/status). When HA comes
// back online every discovery config and state is published again.
func (a *Adapter) Start(ctx context.Context) error {
	unsub, err := a.bus.Subscribe(ctx, a.cfg.DiscoveryPrefix+"/status", a.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe ha status: %w", err)
	}
	a.mu.Lock()
	a.statusStop = unsub
	a.mu.Unlock()
	return nil
}

// Register publishes discovery for ctl as part of the device described
// by id, subscribes to its command topic and publishes its current
// state. Registering the same entity twice is an error, as is a rejected
// command subscription.
func (a *Adapter) Register(ctx context.Context, ctl tv.Controllable, id tv.Identity) error {
	snap := ctl.State()

	a.mu.Lock()
	if _, ok := a.entities[snap.UniqueID]; ok {
		a.mu.Unlock()
		return fmt.Errorf("entity %s already registered", snap.UniqueID)
	}
	e := &entity{
		ctl:    ctl,
		device: NewDeviceInfo(id),
		topics: a.entityTopics(id.UniqueID, snap.UniqueID),
	}
	a.entities[snap.UniqueID] = e
	a.mu.Unlock()

	// A failed discovery publish is retried by Republish on the next
	// broker connect.
	if err := a.publishDiscovery(ctx, e); err != nil {
		a.logger.Warn("ha discovery publish failed", "unique_id", snap.UniqueID, "error", err)
	}

	unsub, err := a.bus.Subscribe(ctx, e.topics.command, a.commandHandler(e))
	if err != nil {
		a.forget(snap.UniqueID)
		return fmt.Errorf("subscribe %s commands: %w", snap.UniqueID, err)
	}
	a.mu.Lock()
	e.unsub = unsub
	a.mu.Unlock()

	a.logger.Info("entity registered",
		"unique_id", snap.UniqueID, "name", snap.Name, "kind", snap.Kind,
		"command_topic", e.topics.command)

	a.StateChanged(ctx, snap, true)
	return nil
}

// Republish sends every discovery config and forces a state publish.
// It is hooked to broker reconnects and HA restarts.
func (a *Adapter) Republish(ctx context.Context) {
	for _, e := range a.snapshotEntities() {
		if err := a.publishDiscovery(ctx, e); err != nil {
			a.logger.Warn("ha discovery republish failed", "error", err)
			continue
		}
		a.StateChanged(ctx, e.ctl.State(), true)
	}
}

// StateChanged implements [tv.Notifier]. Unforced notifications that
// change neither state nor availability are skipped.
func (a *Adapter) StateChanged(ctx context.Context, s tv.Snapshot, force bool) {
	a.mu.Lock()
	e, ok := a.entities[s.UniqueID]
	prev, seen := a.last[s.UniqueID]
	a.mu.Unlock()

	if !ok {
		a.logger.Log(ctx, config.LevelTrace, "state change for unregistered entity",
			"unique_id", s.UniqueID)
		return
	}

	cur := published{on: s.On, available: s.Available}
	if !force && seen && prev == cur {
		a.logger.Log(ctx, config.LevelTrace, "state unchanged, publish skipped",
			"unique_id", s.UniqueID, "on", s.On)
		return
	}

	var errs []error
	if err := a.bus.Publish(ctx, e.topics.availability, []byte(availabilityPayload(s.Available)), true); err != nil {
		errs = append(errs, err)
	}
	if err := a.bus.Publish(ctx, e.topics.state, []byte(boolPayload(s.On)), true); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("ha state publish failed", "unique_id", s.UniqueID, "error", err)
		return
	}

	a.mu.Lock()
	a.last[s.UniqueID] = cur
	a.mu.Unlock()

	a.logger.Debug("ha state published",
		"unique_id", s.UniqueID, "on", s.On, "available", s.Available, "force", force)
	a.events.Emit(events.SourceHass, events.KindStateChanged, map[string]any{
		"unique_id": s.UniqueID,
		"kind":      string(s.Kind),
		"on":        s.On,
		"available": s.Available,
	})
}

// Entities returns the current state of every registered switch, sorted
// by unique ID.
func (a *Adapter) Entities() []tv.Snapshot {
	ents := a.snapshotEntities()
	out := make([]tv.Snapshot, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.ctl.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Lookup returns the switch registered under uniqueID.
func (a *Adapter) Lookup(uniqueID string) (tv.Controllable, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entities[uniqueID]
	if !ok {
		return nil, false
	}
	return e.ctl, true
}

// Close drops every command subscription and the HA status
// subscription. Retained state is left on the broker; the bridge's last
// will marks the entities unavailable.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	var unsubs []bus.Unsubscribe
	for _, e := range a.entities {
		if e.unsub != nil {
			unsubs = append(unsubs, e.unsub)
			e.unsub = nil
		}
	}
	if a.statusStop != nil {
		unsubs = append(unsubs, a.statusStop)
		a.statusStop = nil
	}
	a.mu.Unlock()

	var errs []error
	for _, u := range unsubs {
		if err := u(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) publishDiscovery(ctx context.Context, e *entity) error {
	snap := e.ctl.State()
	cfg := SwitchConfig{
		Name:         snap.Name,
		UniqueID:     snap.UniqueID,
		ObjectID:     sanitize(snap.UniqueID),
		CommandTopic: e.topics.command,
		StateTopic:   e.topics.state,
		Availability: []Availability{
			{Topic: a.cfg.BridgeAvailabilityTopic},
			{Topic: e.topics.availability},
		},
		AvailabilityMode: "all",
		PayloadOn:        PayloadOn,
		PayloadOff:       PayloadOff,
		Icon:             snap.Icon,
		Device:           e.device,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal discovery for %s: %w", snap.UniqueID, err)
	}
	if err := a.bus.Publish(ctx, e.topics.discovery, payload, true); err != nil {
		return fmt.Errorf("publish discovery for %s: %w", snap.UniqueID, err)
	}
	a.logger.Debug("ha discovery published", "unique_id", snap.UniqueID, "topic", e.topics.discovery)
	return nil
}

// commandHandler maps HA switch commands onto the entity's intents.
// Retained commands are stale and would otherwise wake the TV whenever
// the bridge starts.
func (a *Adapter) commandHandler(e *entity) bus.Handler {
	return func(ctx context.Context, msg bus.Message) {
		uid := e.ctl.State().UniqueID
		if msg.Retained {
			a.logger.Debug("retained ha command ignored", "unique_id", uid, "payload", string(msg.Payload))
			return
		}

		cmd := strings.TrimSpace(string(msg.Payload))
		var err error
		switch cmd {
		case PayloadOn:
			err = e.ctl.TurnOn(ctx)
		case PayloadOff:
			err = e.ctl.TurnOff(ctx)
		default:
			a.logger.Warn("unknown ha command", "unique_id", uid, "payload", cmd)
			return
		}

		a.events.Emit(events.SourceHass, events.KindCommandReceived, map[string]any{
			"unique_id": uid,
			"command":   cmd,
		})
		if err != nil {
			a.logger.Error("ha command failed", "unique_id", uid, "command", cmd, "error", err)
			return
		}
		a.logger.Info("ha command sent", "unique_id", uid, "command", cmd)
	}
}

func (a *Adapter) handleStatus(ctx context.Context, msg bus.Message) {
	if msg.Retained || strings.TrimSpace(string(msg.Payload)) != "online" {
		return
	}
	a.logger.Info("home assistant came online, republishing discovery")
	a.Republish(ctx)
}

func (a *Adapter) snapshotEntities() []*entity {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*entity, 0, len(a.entities))
	for _, e := range a.entities {
		out = append(out, e)
	}
	return out
}

func (a *Adapter) forget(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entities, uid)
	delete(a.last, uid)
}
