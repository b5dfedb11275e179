// Package events provides the in-process domain event bus. Every successful
// mutating call on the engine publishes exactly one event.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskmarket/market"
)

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(ctx context.Context, ev *market.Event) error

// Bus is a thread-safe in-process domain event bus.
type Bus struct {
	mu       sync.RWMutex
	nextSub  int
	handlers map[int]Handler
	history  []*market.Event
	maxHist  int
}

// NewBus creates a Bus with a 1000-event history cap.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		maxHist:  1000,
	}
}

// Publish stamps the event with an ID and timestamp (when unset) and
// delivers it to all subscribers.
func (b *Bus) Publish(ctx context.Context, ev *market.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	// Collect handlers to invoke outside the lock
	targets := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %v", ev.Type, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for all events. The returned function
// unsubscribes it.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// History returns up to limit most recent events in chronological order.
// limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []*market.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*market.Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
