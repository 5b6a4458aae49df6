package tv

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/topic"
)

// gameModeMenuID is the picture-setting menu entry for game mode.
const gameModeMenuID = 122

// Picture-setting actions.
const (
	actionSetValue           = "set_value"
	actionGetMenuInfo        = "get_menu_info"
	actionNotifyValueChanged = "notify_value_changed"
	actionRespGetMenuInfo    = "resp_get_menu_info"
)

type setValueCommand struct {
	Action        string `json:"action"`
	MenuID        int    `json:"menu_id"`
	MenuValueType string `json:"menu_value_type"`
	MenuValue     int    `json:"menu_value"`
}

type menuInfoQuery struct {
	Action string `json:"action"`
}

// GameModeSwitch tracks the game-mode picture setting. Unlike power it
// has an availability flag: the setting cannot be read or changed while
// the TV sleeps.
//
// The TV does not push the setting on wake, so every live UI-state
// message triggers a get_menu_info query whose response carries the
// current value.
type GameModeSwitch struct {
	id       Identity
	topics   topic.Router
	subs     *bus.Subscriptions
	emit     *bus.Emitter
	notifier Notifier
	events   *events.Bus
	logger   *slog.Logger

	mu        sync.Mutex
	on        bool
	available bool
}

var _ Controllable = (*GameModeSwitch)(nil)

// NewGameModeSwitch creates a game-mode switch for the TV. Its unique ID
// and name are derived from the TV's.
func NewGameModeSwitch(cfg Config) *GameModeSwitch {
	id := cfg.Identity
	id.UniqueID += "_game_mode"
	id.Name += " Game Mode"
	logger := cfg.logger().With("entity", id.UniqueID)
	return &GameModeSwitch{
		id:        id,
		topics:    cfg.Identity.Topics(),
		subs:      bus.NewSubscriptions(cfg.Bus, logger),
		emit:      bus.NewEmitter(cfg.Bus, nil, events.SourceGameMode, cfg.Events, logger),
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		logger:    logger,
		available: true,
	}
}

// State returns the current snapshot.
func (g *GameModeSwitch) State() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *GameModeSwitch) snapshotLocked() Snapshot {
	return Snapshot{
		UniqueID:  g.id.UniqueID,
		Name:      g.id.Name,
		Kind:      KindGameMode,
		On:        g.on,
		Available: g.available,
		Icon:      "mdi:gamepad-variant",
	}
}

// Activate subscribes to the sleep, UI-state and picture-setting topics
// and marks the switch available.
func (g *GameModeSwitch) Activate(ctx context.Context) error {
	err := g.subs.Activate(ctx, []bus.Route{
		{Name: "tvsleep", Topic: g.topics.InTopic(topic.PathTVSleep), Handler: g.handleSleep},
		{Name: "state", Topic: g.topics.InTopic(topic.PathUIState), Handler: g.handleUIState},
		{Name: "picturesettings_value", Topic: g.topics.InTopic(topic.PathPictureSettingData), Handler: g.handleValue},
	})
	if err != nil {
		return err
	}
	g.update(ctx, func() { g.available = true })
	return nil
}

// Deactivate removes every subscription made by Activate.
func (g *GameModeSwitch) Deactivate(ctx context.Context) error {
	return g.subs.Deactivate(ctx)
}

// TurnOn asks the TV to enable game mode.
func (g *GameModeSwitch) TurnOn(ctx context.Context) error {
	return g.setValue(ctx, 1)
}

// TurnOff asks the TV to disable game mode.
func (g *GameModeSwitch) TurnOff(ctx context.Context) error {
	return g.setValue(ctx, 0)
}

func (g *GameModeSwitch) setValue(ctx context.Context, v int) error {
	return g.emit.PublishJSON(ctx, g.topics.OutTopic(topic.PathPictureSettingAction), setValueCommand{
		Action:        actionSetValue,
		MenuID:        gameModeMenuID,
		MenuValueType: "int",
		MenuValue:     v,
	}, false)
}

func (g *GameModeSwitch) handleSleep(ctx context.Context, msg bus.Message) {
	g.logger.Debug("tv sleep received", "topic", msg.Topic, "retained", msg.Retained)
	g.update(ctx, func() { g.available = false })
}

func (g *GameModeSwitch) handleUIState(ctx context.Context, msg bus.Message) {
	if msg.Retained {
		g.logger.Debug("skipping retained ui state", "topic", msg.Topic)
		g.events.Emit(events.SourceGameMode, events.KindMessageDiscarded, map[string]any{
			"entity_id": g.id.UniqueID,
			"topic":     msg.Topic,
		})
		return
	}

	g.update(ctx, func() { g.available = true })

	query := g.topics.OutTopic(topic.PathPictureSettingAction)
	if err := g.emit.PublishJSON(ctx, query, menuInfoQuery{Action: actionGetMenuInfo}, false); err != nil {
		g.logger.Warn("game mode refresh query failed", "topic", query, "error", err)
	}
}

func (g *GameModeSwitch) handleValue(ctx context.Context, msg bus.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		g.logger.Debug("picture setting payload is not a JSON object",
			"topic", msg.Topic, "error", err)
		payload = nil
	}
	g.logger.Debug("picture setting received",
		"retained", msg.Retained, "action", payload["action"])

	g.update(ctx, func() {
		g.available = true
		if on, ok := gameModeValue(payload); ok {
			g.on = on
		}
	})
}

// gameModeValue extracts the game-mode setting from a picture-setting
// payload. ok is false when the payload does not mention it.
func gameModeValue(payload map[string]any) (on, ok bool) {
	switch payload["action"] {
	case actionNotifyValueChanged:
		if isNumber(payload["menu_id"], gameModeMenuID) {
			return isNumber(payload["menu_value"], 1), true
		}
	case actionRespGetMenuInfo:
		entries, _ := payload["menu_info"].([]any)
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			if isNumber(entry["menu_id"], gameModeMenuID) {
				on, ok = isNumber(entry["menu_value"], 1), true
			}
		}
	}
	return on, ok
}

// isNumber reports whether v is a JSON number equal to n. A JSON
// boolean compares as 1 or 0.
func isNumber(v any, n float64) bool {
	switch x := v.(type) {
	case float64:
		return x == n
	case bool:
		if x {
			return n == 1
		}
		return n == 0
	}
	return false
}

// update applies fn under the lock and sends a forced notification.
// Availability may change without the value changing, so the host must
// always re-render.
func (g *GameModeSwitch) update(ctx context.Context, fn func()) {
	g.mu.Lock()
	fn()
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.events.Emit(events.SourceGameMode, events.KindStateChanged, map[string]any{
		"entity_id": snap.UniqueID,
		"on":        snap.On,
		"available": snap.Available,
		"force":     true,
	})
	if g.notifier != nil {
		g.notifier.StateChanged(ctx, snap, true)
	}
}
