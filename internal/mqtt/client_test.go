package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/config"
	"github.com/nugget/hisense-bridge/internal/topic"
	"github.com/nugget/hisense-bridge/internal/tv"
)

func newTestClient(limit int) *Client {
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		BaseTopic:          "hisense",
		RateLimitPerMinute: limit,
	}
	return New(cfg, "hisense-bridge-test", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func deliver(c *Client, topic, payload string, retain bool) bool {
	handled, _ := c.onPublishReceived(paho.PublishReceived{
		Packet: &paho.Publish{Topic: topic, Payload: []byte(payload), Retain: retain},
	})
	return handled
}

func TestClient_AvailabilityTopic(t *testing.T) {
	c := newTestClient(0)
	if got, want := c.AvailabilityTopic(), "hisense/bridge/availability"; got != want {
		t.Errorf("AvailabilityTopic() = %q, want %q", got, want)
	}
}

func TestClient_DispatchMatchesFilters(t *testing.T) {
	c := newTestClient(0)
	ctx := context.Background()

	var got []bus.Message
	record := func(_ context.Context, msg bus.Message) { got = append(got, msg) }

	if _, err := c.Subscribe(ctx, "hisense/remoteapp/mobile/broadcast/ui_service/state", record); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := c.Subscribe(ctx, "+/remoteapp/mobile/broadcast/platform_service/#", record); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !deliver(c, "hisense/remoteapp/mobile/broadcast/ui_service/state", `{"statetype":"livetv"}`, true) {
		t.Error("ui state should be handled")
	}
	if !deliver(c, "tv2/remoteapp/mobile/broadcast/platform_service/actions/tvsleep", "", false) {
		t.Error("tvsleep should match the wildcard filter")
	}
	if deliver(c, "other/topic", "x", false) {
		t.Error("unrouted topic should not be reported handled")
	}

	if len(got) != 2 {
		t.Fatalf("handled %d messages, want 2", len(got))
	}
	if !got[0].Retained {
		t.Error("retain flag was not carried into the message")
	}
	if string(got[0].Payload) != `{"statetype":"livetv"}` {
		t.Errorf("payload = %q", got[0].Payload)
	}

	if snap := c.Counters().Snapshot(); snap.Received != 3 {
		t.Errorf("Received = %d, want 3", snap.Received)
	}
}

func TestClient_SharedFilterUnsubscribe(t *testing.T) {
	c := newTestClient(0)
	ctx := context.Background()
	const filter = "hisense/remoteapp/mobile/broadcast/ui_service/state"

	var a, b int
	unsubA, _ := c.Subscribe(ctx, filter, func(context.Context, bus.Message) { a++ })
	unsubB, _ := c.Subscribe(ctx, filter, func(context.Context, bus.Message) { b++ })

	deliver(c, filter, "", false)
	if err := unsubA(ctx); err != nil {
		t.Fatalf("unsubscribe A error = %v", err)
	}
	// Second call is a no-op and must not remove B.
	if err := unsubA(ctx); err != nil {
		t.Fatalf("second unsubscribe A error = %v", err)
	}
	deliver(c, filter, "", false)

	if a != 1 || b != 2 {
		t.Errorf("handler counts a=%d b=%d, want a=1 b=2", a, b)
	}

	if err := unsubB(ctx); err != nil {
		t.Fatalf("unsubscribe B error = %v", err)
	}
	if _, ok := c.routes[filter]; ok {
		t.Error("filter should be removed after last unsubscribe")
	}
}

func TestClient_RateLimitDropsUnrouted(t *testing.T) {
	c := newTestClient(2)
	ctx := context.Background()

	var n int
	c.Subscribe(ctx, "t", func(context.Context, bus.Message) { n++ })
	for range 5 {
		deliver(c, "t", "", false)
		deliver(c, "unrouted", "", false)
	}

	if n != 5 {
		t.Errorf("routed handled %d, want 5", n)
	}
	snap := c.Counters().Snapshot()
	if snap.Received != 10 || snap.Dropped != 3 {
		t.Errorf("counters = %+v, want received=10 dropped=3", snap)
	}
}

func TestClient_RateLimitKeepsSleepNotification(t *testing.T) {
	c := newTestClient(600)
	ctx := context.Background()

	id, err := tv.NewIdentity("Living Room", "aa:bb:cc:dd:ee:ff", "", "hisense", "hisense", "", "living_room")
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	power := tv.NewPowerSwitch(tv.Config{
		Identity: id,
		Bus:      c,
		Notifier: tv.NotifierFunc(func(context.Context, tv.Snapshot, bool) {}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := power.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	r := id.Topics()
	for range 600 {
		deliver(c, r.InTopic(topic.PathVolumeChange), `{"volume_type":0,"volume_value":12}`, false)
	}
	if !power.State().On {
		t.Fatal("volume changes should turn power on")
	}

	deliver(c, r.InTopic(topic.PathTVSleep), "", false)
	if power.State().On {
		t.Error("sleep notification after a burst should turn power off")
	}
	if d := c.Counters().Snapshot().Dropped; d != 0 {
		t.Errorf("dropped = %d, want 0 for routed traffic", d)
	}
}

func TestClient_NotStarted(t *testing.T) {
	c := newTestClient(0)
	ctx := context.Background()

	if err := c.Publish(ctx, "t", []byte("x"), false); err == nil {
		t.Error("Publish before Start should error")
	}
	if err := c.AwaitConnection(ctx); err == nil {
		t.Error("AwaitConnection before Start should error")
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop before Start error = %v, want nil", err)
	}
}

func TestClient_ConnectHooks(t *testing.T) {
	c := newTestClient(0)
	var order []int
	c.OnConnect(func(context.Context) { order = append(order, 1) })
	c.OnConnect(func(context.Context) { order = append(order, 2) })

	c.runConnectHooks(context.Background())
	c.runConnectHooks(context.Background())

	if len(order) != 4 || order[0] != 1 || order[1] != 2 {
		t.Errorf("hook order = %v, want [1 2 1 2]", order)
	}
}
