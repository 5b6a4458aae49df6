package tv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/hisense-bridge/internal/bus/bustest"
)

func newPower(t *testing.T) (*PowerSwitch, *bustest.Bus, *recorder) {
	t.Helper()
	fake := bustest.New()
	rec := &recorder{}
	p := NewPowerSwitch(testConfig(t, fake, rec))
	require.NoError(t, p.Activate(context.Background()))
	return p, fake, rec
}

func TestPowerSwitch_Subscriptions(t *testing.T) {
	_, fake, _ := newPower(t)
	assert.Equal(t, []string{sleepTopic, uiStateTopic, volumeTopic, sourceTopic}, fake.Filters())
}

func TestPowerSwitch_InitialState(t *testing.T) {
	p, _, rec := newPower(t)
	s := p.State()
	assert.False(t, s.On)
	assert.True(t, s.Available)
	assert.Equal(t, KindPower, s.Kind)
	assert.Equal(t, "living_room", s.UniqueID)
	assert.Empty(t, rec.all(), "activation is not a transition")
}

func TestPowerSwitch_LiveActivityTurnsOn(t *testing.T) {
	for _, topic := range []string{uiStateTopic, volumeTopic, sourceTopic} {
		t.Run(topic, func(t *testing.T) {
			p, fake, rec := newPower(t)
			fake.Deliver(context.Background(), topic, `{"statetype":"livetv"}`, false)

			assert.True(t, p.State().On)
			n := rec.last(t)
			assert.True(t, n.snap.On)
			assert.False(t, n.force)
		})
	}
}

func TestPowerSwitch_RetainedActivityDiscarded(t *testing.T) {
	ctx := context.Background()
	p, fake, rec := newPower(t)

	for _, topic := range []string{uiStateTopic, volumeTopic, sourceTopic} {
		fake.Deliver(ctx, topic, "{}", true)
	}
	assert.False(t, p.State().On)
	assert.Empty(t, rec.all())

	// Retained messages also leave an "on" state alone.
	fake.Deliver(ctx, uiStateTopic, "{}", false)
	before := len(rec.all())
	fake.Deliver(ctx, volumeTopic, "{}", true)
	assert.True(t, p.State().On)
	assert.Len(t, rec.all(), before)
}

func TestPowerSwitch_SleepAlwaysTurnsOff(t *testing.T) {
	for _, retained := range []bool{false, true} {
		p, fake, rec := newPower(t)
		ctx := context.Background()
		fake.Deliver(ctx, uiStateTopic, "{}", false)
		require.True(t, p.State().On)

		fake.Deliver(ctx, sleepTopic, "", retained)
		assert.False(t, p.State().On, "retained=%v", retained)
		assert.False(t, rec.last(t).snap.On)
	}
}

func TestPowerSwitch_TurnOnWakesWithoutMutation(t *testing.T) {
	p, fake, rec := newPower(t)

	require.NoError(t, p.TurnOn(context.Background()))
	assert.Equal(t, []bustest.Wake{{MAC: "aa:bb:cc:dd:ee:ff", Address: "192.168.1.50"}}, fake.Wakes())
	assert.Empty(t, fake.Published())
	assert.False(t, p.State().On)
	assert.Empty(t, rec.all())

	fake.Deliver(context.Background(), uiStateTopic, "{}", false)
	assert.True(t, p.State().On)
}

func TestPowerSwitch_TurnOffPressesPowerKey(t *testing.T) {
	p, fake, _ := newPower(t)
	ctx := context.Background()
	fake.Deliver(ctx, uiStateTopic, "{}", false)

	require.NoError(t, p.TurnOff(ctx))
	assert.Equal(t, []bustest.Published{{Topic: sendKeyTopic, Payload: "KEY_POWER", Retain: false}}, fake.Published())
	assert.True(t, p.State().On, "turn off waits for the tv to report sleep")
}

func TestPowerSwitch_TransportErrorsSurface(t *testing.T) {
	p, fake, _ := newPower(t)
	fake.WakeErr = errors.New("network unreachable")
	fake.PublishErr = errors.New("not connected")

	assert.ErrorIs(t, p.TurnOn(context.Background()), fake.WakeErr)
	assert.ErrorIs(t, p.TurnOff(context.Background()), fake.PublishErr)
}

func TestPowerSwitch_Deactivate(t *testing.T) {
	p, fake, rec := newPower(t)
	ctx := context.Background()

	require.NoError(t, p.Deactivate(ctx))
	require.NoError(t, p.Deactivate(ctx))
	for _, f := range []string{sleepTopic, uiStateTopic, volumeTopic, sourceTopic} {
		assert.Equal(t, 1, fake.Unsubscribes(f), f)
	}

	assert.Zero(t, fake.Deliver(ctx, uiStateTopic, "{}", false))
	assert.False(t, p.State().On)
	assert.Empty(t, rec.all())
}
