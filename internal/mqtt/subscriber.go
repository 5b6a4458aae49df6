package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/events"
)

// defaultMessageHandler returns a [bus.Handler] for publishes that match
// no registered filter. It logs them at debug level; for JSON payloads
// it adds the remote-app "action" field, which is usually enough to tell
// what the TV was saying.
func defaultMessageHandler(logger *slog.Logger) bus.Handler {
	return func(ctx context.Context, msg bus.Message) {
		if !logger.Enabled(ctx, slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", msg.Topic,
			"payload_size", len(msg.Payload),
			"retained", msg.Retained,
		}

		var body map[string]any
		if err := json.Unmarshal(msg.Payload, &body); err == nil {
			if action, ok := body["action"]; ok {
				fields = append(fields, "action", action)
			}
		}

		logger.Debug("mqtt message unrouted", fields...)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	events   *events.Bus
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, ev *events.Bus, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		events:   ev,
		logger:   logger,
	}
}

// start resets the counter at every interval boundary until ctx is
// cancelled, reporting any drops from the interval just ended.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped == 0 {
		return
	}
	r.logger.Warn("mqtt messages dropped due to rate limit",
		"received", count,
		"dropped", dropped,
		"interval", r.interval.String(),
		"limit", r.limit,
	)
	r.events.Emit(events.SourceMQTT, events.KindDropped, map[string]any{
		"received": count,
		"dropped":  dropped,
	})
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
