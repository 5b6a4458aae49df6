package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Route names one (topic, handler) pair registered on activation.
type Route struct {
	Name    string
	Topic   string
	Handler Handler
}

// Subscriptions tracks the registrations of a single owner across
// activate/deactivate cycles. It is safe for concurrent use.
type Subscriptions struct {
	bus    Bus
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]Unsubscribe
	order  []string
}

// NewSubscriptions creates an empty registration set on b.
func NewSubscriptions(b Bus, logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		bus:    b,
		logger: logger,
		active: make(map[string]Unsubscribe),
	}
}

// Activate registers every route in order. If the set is already active
// it does nothing. On the first failure all routes registered in this
// call are removed again and the error is returned, so the set is never
// left partially registered.
func (s *Subscriptions) Activate(ctx context.Context, routes []Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) > 0 {
		return nil
	}

	for _, r := range routes {
		if _, dup := s.active[r.Name]; dup {
			s.rollback(ctx)
			return fmt.Errorf("duplicate subscription name %q", r.Name)
		}
		unsub, err := s.bus.Subscribe(ctx, r.Topic, r.Handler)
		if err != nil {
			s.rollback(ctx)
			return fmt.Errorf("subscribe %s (%s): %w", r.Name, r.Topic, err)
		}
		s.active[r.Name] = unsub
		s.order = append(s.order, r.Name)
		s.logger.Debug("subscription registered", "name", r.Name, "topic", r.Topic)
	}
	return nil
}

// Deactivate removes every registration made by the last successful
// Activate. It is safe to call repeatedly and before Activate. Every
// handle is released even if some fail; the failures are joined.
func (s *Subscriptions) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(ctx)
}

// Active returns the names of the current registrations in the order
// they were made.
func (s *Subscriptions) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Subscriptions) rollback(ctx context.Context) {
	if err := s.release(ctx); err != nil {
		s.logger.Warn("subscription rollback incomplete", "error", err)
	}
}

// release must be called with s.mu held.
func (s *Subscriptions) release(ctx context.Context) error {
	var errs []error
	for _, name := range s.order {
		if err := s.active[name](ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", name, err))
		}
	}
	s.active = make(map[string]Unsubscribe)
	s.order = nil
	return errors.Join(errs...)
}
