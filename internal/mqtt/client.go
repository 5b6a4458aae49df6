package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/config"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/topic"
)

// Availability payloads for the bridge's own availability topic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

type route struct {
	id      uint64
	handler bus.Handler
}

// Client manages the broker connection and routes inbound publishes to
// registered handlers. It implements [bus.Bus].
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	events   *events.Bus
	logger   *slog.Logger
	counters *DailyCounters
	limiter  *messageRateLimiter
	fallback bus.Handler

	cm        atomic.Pointer[autopaho.ConnectionManager]
	connected atomic.Bool
	runCtx    atomic.Pointer[context.Context]

	mu        sync.RWMutex
	routes    map[string][]route
	nextID    uint64
	onConnect []func(context.Context)
}

var _ bus.Bus = (*Client)(nil)

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection.
func New(cfg config.MQTTConfig, clientID string, ev *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		clientID: clientID,
		events:   ev,
		logger:   logger,
		counters: NewDailyCounters(nil),
		fallback: defaultMessageHandler(logger),
		routes:   make(map[string][]route),
	}
	if cfg.RateLimitPerMinute > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.RateLimitPerMinute), time.Minute, ev, logger)
	}
	return c
}

// Counters returns the daily message counters.
func (c *Client) Counters() *DailyCounters {
	return c.counters
}

// AvailabilityTopic is where the bridge publishes its own online/offline
// status.
func (c *Client) AvailabilityTopic() string {
	return c.cfg.BaseTopic + "/bridge/availability"
}

// OnConnect registers fn to run after every (re-)connect, once the
// bridge availability has been published and subscriptions restored.
// Hooks run on autopaho's connection goroutine and should not block.
func (c *Client) OnConnect(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Start connects to the broker. It waits up to 30 seconds for the first
// connection and then returns; autopaho keeps reconnecting in the
// background until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	c.runCtx.Store(&ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.AvailabilityTopic(),
			Payload: []byte(PayloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.publishAvailability(ctx, cm, PayloadOnline)
			c.resubscribe(ctx, cm)
			c.runConnectHooks(ctx)
			c.events.Emit(events.SourceMQTT, events.KindConnected, map[string]any{
				"broker": c.cfg.Broker,
			})
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm.Store(cm)

	if c.limiter != nil {
		go c.limiter.start(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// The provided context bounds both steps.
func (c *Client) Stop(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return nil
	}
	c.publishAvailability(ctx, cm, PayloadOffline)
	c.connected.Store(false)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch probe.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return errors.New("mqtt client not started")
	}
	return cm.AwaitConnection(ctx)
}

// Subscribe implements [bus.Bus]. The broker SUBSCRIBE is sent when the
// first handler for filter is added; while disconnected the filter is
// only recorded and gets subscribed on the next connect. A broker
// rejection is returned and leaves nothing registered.
func (c *Client) Subscribe(ctx context.Context, filter string, h bus.Handler) (bus.Unsubscribe, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.routes[filter]) == 0
	c.routes[filter] = append(c.routes[filter], route{id: id, handler: h})
	c.mu.Unlock()

	if first {
		if err := c.subscribeFilter(ctx, filter); err != nil {
			c.removeRoute(filter, id)
			return nil, err
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			if c.removeRoute(filter, id) {
				err = c.unsubscribeFilter(ctx, filter)
			}
		})
		return err
	}, nil
}

// Publish implements [bus.Bus]. Messages go out at QoS 0.
func (c *Client) Publish(ctx context.Context, t string, payload []byte, retain bool) error {
	cm := c.cm.Load()
	if cm == nil {
		return errors.New("mqtt client not started")
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   t,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", t, err)
	}
	c.counters.OnPublished()
	return nil
}

// removeRoute drops one handler and reports whether it was the last one
// for filter.
func (c *Client) removeRoute(filter string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs := c.routes[filter]
	for i, r := range rs {
		if r.id == id {
			rs = append(rs[:i:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(c.routes, filter)
		return true
	}
	c.routes[filter] = rs
	return false
}

func (c *Client) subscribeFilter(ctx context.Context, filter string) error {
	cm := c.cm.Load()
	if cm == nil || !c.connected.Load() {
		c.logger.Debug("mqtt subscribe deferred until connected", "filter", filter)
		return nil
	}
	suback, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	if suback != nil && len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		return fmt.Errorf("mqtt subscribe %s: rejected with reason code 0x%02x", filter, suback.Reasons[0])
	}
	c.logger.Debug("mqtt subscribed", "filter", filter)
	return nil
}

func (c *Client) unsubscribeFilter(ctx context.Context, filter string) error {
	cm := c.cm.Load()
	if cm == nil || !c.connected.Load() {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", filter, err)
	}
	c.logger.Debug("mqtt unsubscribed", "filter", filter)
	return nil
}

// resubscribe restores every registered filter after a (re-)connect.
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	filters := make([]string, 0, len(c.routes))
	for f := range c.routes {
		filters = append(filters, f)
	}
	c.mu.RUnlock()

	if len(filters) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, len(filters))
	for i, f := range filters {
		opts[i] = paho.SubscribeOptions{Topic: f, QoS: 0}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt resubscribe failed", "filters", len(filters), "error", err)
		return
	}
	c.logger.Info("mqtt subscriptions restored", "filters", len(filters))
}

func (c *Client) runConnectHooks(ctx context.Context) {
	c.mu.RLock()
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}

// onPublishReceived runs on Paho's receive goroutine. Only unrouted
// traffic counts against the rate limit; a message matching a registered
// filter is always delivered.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	c.counters.OnReceived()

	ctx := c.ctx()
	msg := bus.Message{Topic: p.Topic, Payload: p.Payload, Retained: p.Retain}
	handlers := c.match(p.Topic)
	if len(handlers) == 0 {
		if c.limiter != nil && !c.limiter.allow() {
			c.counters.OnDropped()
			return true, nil
		}
		c.fallback(ctx, msg)
		return false, nil
	}

	c.logger.Log(ctx, config.LevelTrace, "mqtt message",
		"topic", p.Topic, "retained", p.Retain, "payload", string(p.Payload))
	for _, h := range handlers {
		h(ctx, msg)
	}
	return true, nil
}

// match returns the handlers whose filter matches t, in a stable order
// per filter.
func (c *Client) match(t string) []bus.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []bus.Handler
	for filter, rs := range c.routes {
		if !topic.Match(filter, t) {
			continue
		}
		for _, r := range rs {
			out = append(out, r.handler)
		}
	}
	return out
}

func (c *Client) ctx() context.Context {
	if p := c.runCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}
