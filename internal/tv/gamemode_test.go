package tv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/hisense-bridge/internal/bus/bustest"
)

func newGameMode(t *testing.T) (*GameModeSwitch, *bustest.Bus, *recorder) {
	t.Helper()
	fake := bustest.New()
	rec := &recorder{}
	g := NewGameModeSwitch(testConfig(t, fake, rec))
	require.NoError(t, g.Activate(context.Background()))
	return g, fake, rec
}

func TestGameModeSwitch_Identity(t *testing.T) {
	g, fake, _ := newGameMode(t)
	s := g.State()
	assert.Equal(t, "living_room_game_mode", s.UniqueID)
	assert.Equal(t, "Living Room Game Mode", s.Name)
	assert.Equal(t, KindGameMode, s.Kind)
	assert.Equal(t, []string{sleepTopic, uiStateTopic, pictureTopic}, fake.Filters())
}

func TestGameModeSwitch_ActivateMarksAvailable(t *testing.T) {
	g, _, rec := newGameMode(t)
	assert.True(t, g.State().Available)
	n := rec.last(t)
	assert.True(t, n.force)
	assert.True(t, n.snap.Available)
}

func TestGameModeSwitch_SleepMakesUnavailable(t *testing.T) {
	for _, retained := range []bool{false, true} {
		g, fake, rec := newGameMode(t)
		fake.Deliver(context.Background(), sleepTopic, "", retained)

		assert.False(t, g.State().Available, "retained=%v", retained)
		n := rec.last(t)
		assert.True(t, n.force)
		assert.False(t, n.snap.Available)
	}
}

func TestGameModeSwitch_LiveUIStateQueriesOnce(t *testing.T) {
	g, fake, rec := newGameMode(t)
	ctx := context.Background()
	fake.Deliver(ctx, sleepTopic, "", false)
	fake.Reset()

	fake.Deliver(ctx, uiStateTopic, `{"statetype":"livetv"}`, false)

	assert.True(t, g.State().Available)
	assert.True(t, rec.last(t).force)
	assert.Equal(t, []bustest.Published{
		{Topic: pictureAction, Payload: `{"action":"get_menu_info"}`, Retain: false},
	}, fake.Published())
}

func TestGameModeSwitch_RetainedUIStateDiscarded(t *testing.T) {
	g, fake, rec := newGameMode(t)
	ctx := context.Background()
	fake.Deliver(ctx, sleepTopic, "", false)
	before := len(rec.all())

	fake.Deliver(ctx, uiStateTopic, "{}", true)

	assert.False(t, g.State().Available)
	assert.Len(t, rec.all(), before)
	assert.Empty(t, fake.Published())
}

func TestGameModeSwitch_NotifyValueChanged(t *testing.T) {
	tests := []struct {
		name    string
		prior   bool
		payload string
		want    bool
	}{
		{"on", false, `{"action":"notify_value_changed","menu_id":122,"menu_value":1}`, true},
		{"off", true, `{"action":"notify_value_changed","menu_id":122,"menu_value":0}`, false},
		{"other menu keeps on", true, `{"action":"notify_value_changed","menu_id":121,"menu_value":0}`, true},
		{"other menu keeps off", false, `{"action":"notify_value_changed","menu_id":121,"menu_value":1}`, false},
		{"other value means off", true, `{"action":"notify_value_changed","menu_id":122,"menu_value":3}`, false},
		{"string id ignored", false, `{"action":"notify_value_changed","menu_id":"122","menu_value":1}`, false},
		{"boolean true is on", false, `{"action":"notify_value_changed","menu_id":122,"menu_value":true}`, true},
		{"boolean false is off", true, `{"action":"notify_value_changed","menu_id":122,"menu_value":false}`, false},
		{"unknown action", true, `{"action":"something_else","menu_id":122,"menu_value":0}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, fake, rec := newGameMode(t)
			g.on = tt.prior

			fake.Deliver(context.Background(), pictureTopic, tt.payload, false)

			assert.Equal(t, tt.want, g.State().On)
			n := rec.last(t)
			assert.True(t, n.force)
			assert.Equal(t, tt.want, n.snap.On)
		})
	}
}

func TestGameModeSwitch_RespGetMenuInfo(t *testing.T) {
	tests := []struct {
		name    string
		prior   bool
		payload string
		want    bool
	}{
		{"entry on", false, `{"action":"resp_get_menu_info","menu_info":[{"menu_id":121,"menu_value":0},{"menu_id":122,"menu_value":1}]}`, true},
		{"entry off", true, `{"action":"resp_get_menu_info","menu_info":[{"menu_id":122,"menu_value":0}]}`, false},
		{"no entry keeps on", true, `{"action":"resp_get_menu_info","menu_info":[{"menu_id":121,"menu_value":0}]}`, true},
		{"no entry keeps off", false, `{"action":"resp_get_menu_info","menu_info":[]}`, false},
		{"missing list", true, `{"action":"resp_get_menu_info"}`, true},
		{"junk entries", false, `{"action":"resp_get_menu_info","menu_info":[7,"x",null,{"menu_id":122,"menu_value":1}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, fake, _ := newGameMode(t)
			g.on = tt.prior

			fake.Deliver(context.Background(), pictureTopic, tt.payload, false)
			assert.Equal(t, tt.want, g.State().On)
		})
	}
}

func TestGameModeSwitch_MalformedPayload(t *testing.T) {
	for _, payload := range []string{`{"action":"notify_value_ch`, "", "not json", `[1,2,3]`, `null`} {
		t.Run(payload, func(t *testing.T) {
			g, fake, rec := newGameMode(t)
			ctx := context.Background()
			g.on = true
			fake.Deliver(ctx, sleepTopic, "", false)
			require.False(t, g.State().Available)

			assert.NotPanics(t, func() {
				fake.Deliver(ctx, pictureTopic, payload, false)
			})

			s := g.State()
			assert.True(t, s.Available)
			assert.True(t, s.On)
			assert.True(t, rec.last(t).force)
		})
	}
}

func TestGameModeSwitch_RetainedValueStillApplies(t *testing.T) {
	g, fake, _ := newGameMode(t)
	fake.Deliver(context.Background(), pictureTopic,
		`{"action":"notify_value_changed","menu_id":122,"menu_value":1}`, true)
	assert.True(t, g.State().On)
}

func TestGameModeSwitch_Commands(t *testing.T) {
	g, fake, rec := newGameMode(t)
	ctx := context.Background()
	before := len(rec.all())

	require.NoError(t, g.TurnOn(ctx))
	require.NoError(t, g.TurnOff(ctx))

	assert.Equal(t, []bustest.Published{
		{Topic: pictureAction, Payload: `{"action":"set_value","menu_id":122,"menu_value_type":"int","menu_value":1}`},
		{Topic: pictureAction, Payload: `{"action":"set_value","menu_id":122,"menu_value_type":"int","menu_value":0}`},
	}, fake.Published())
	assert.False(t, g.State().On, "commands never mutate state")
	assert.Len(t, rec.all(), before)
	assert.Empty(t, fake.Wakes())
}

func TestGameModeSwitch_Deactivate(t *testing.T) {
	g, fake, _ := newGameMode(t)
	ctx := context.Background()

	require.NoError(t, g.Deactivate(ctx))
	require.NoError(t, g.Deactivate(ctx))
	for _, f := range []string{sleepTopic, uiStateTopic, pictureTopic} {
		assert.Equal(t, 1, fake.Unsubscribes(f), f)
	}
	assert.Empty(t, fake.Filters())
}

// A single live UI-state message drives both switches: power on, game
// mode available, and exactly one refresh query.
func TestBothSwitches_SharedBus(t *testing.T) {
	ctx := context.Background()
	fake := bustest.New()
	rec := &recorder{}
	cfg := testConfig(t, fake, rec)

	p := NewPowerSwitch(cfg)
	g := NewGameModeSwitch(cfg)
	require.NoError(t, p.Activate(ctx))
	require.NoError(t, g.Activate(ctx))

	fake.Deliver(ctx, sleepTopic, "", false)
	assert.False(t, p.State().On)
	assert.False(t, g.State().Available)

	fake.Reset()
	assert.Equal(t, 2, fake.Deliver(ctx, uiStateTopic, "{}", false))
	assert.True(t, p.State().On)
	assert.True(t, g.State().Available)
	assert.Len(t, fake.PublishedTo(pictureAction), 1)
}
