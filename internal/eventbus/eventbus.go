// Package eventbus is the in-process publish/subscribe hub for the node's
// low-frequency control messages.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order. A handler that returns an error or panics is logged and skipped;
// the failure never reaches the publisher or the remaining handlers.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/monitoring"
)

// Handler receives published events of the kind it was subscribed to.
type Handler func(events.Event) error

// ID identifies a subscription for Unsubscribe.
type ID string

type subscription struct {
	id ID
	fn Handler
}

// Bus routes events to handlers by kind.
type Bus struct {
	mu       sync.Mutex
	handlers map[events.Kind][]subscription

	log *monitoring.Logger

	published     atomic.Uint64
	handlerErrors atomic.Uint64
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Published     uint64         `json:"published"`
	HandlerErrors uint64         `json:"handler_errors"`
	Subscribers   map[string]int `json:"subscribers"`
}

// New creates an empty bus.
func New(log *monitoring.Logger) *Bus {
	return &Bus{
		handlers: make(map[events.Kind][]subscription),
		log:      log.Named("bus"),
	}
}

// Subscribe registers fn for events of the given kind. Subscribing the same
// function twice yields two independent subscriptions.
func (b *Bus) Subscribe(kind events.Kind, fn Handler) ID {
	id := ID(uuid.NewString())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(kind events.Kind, id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy rather than splice in place: a Publish in flight may still be
		// iterating over the old slice.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, kind)
		} else {
			b.handlers[kind] = next
		}
		return
	}
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[events.Kind][]subscription)
}

// Publish delivers e to every handler subscribed to its kind and returns once
// all of them have completed or failed.
func (b *Bus) Publish(e events.Event) {
	if e == nil {
		return
	}
	kind := e.Kind()

	b.mu.Lock()
	subs := b.handlers[kind]
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range subs {
		if err := b.dispatch(s, e); err != nil {
			b.handlerErrors.Add(1)
			b.log.Opsf("handler %s for %s failed: %v", s.id, kind, err)
		}
	}
}

func (b *Bus) dispatch(s subscription, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(e)
}

// Stats returns publish and error counters plus per-kind subscriber counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subs := make(map[string]int, len(b.handlers))
	for k, v := range b.handlers {
		subs[string(k)] = len(v)
	}
	b.mu.Unlock()
	return Stats{
		Published:     b.published.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   subs,
	}
}

// On subscribes a handler typed on a concrete event type.
func On[E events.Event](b *Bus, fn func(E) error) ID {
	var zero E
	return b.Subscribe(zero.Kind(), func(e events.Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("unexpected event type %T for kind %s", e, e.Kind())
		}
		return fn(typed)
	})
}
