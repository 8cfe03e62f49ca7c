// Package eventbus is the in-process event registry shared by the bridge channels and its callers.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives the payload of an emitted event.
type Handler func(data any)

// WildcardHandler receives every emitted event together with its name.
type WildcardHandler func(event Event, data any)

// Subscription identifies a single registration. Registering the same func twice yields two
// subscriptions; each has to be removed on its own.
type Subscription struct {
	event    Event
	id       uint64
	wildcard bool
}

func (s Subscription) Event() Event { return s.event }

type entry struct {
	id      uint64
	handler Handler
}

type wildcardEntry struct {
	id      uint64
	handler WildcardHandler
}

// Bus is a synchronous in-process publish/subscribe registry.
//
// Emit copies the handler list under the lock and invokes the copy with the lock released, so
// handlers may subscribe, unsubscribe or emit again without corrupting iteration.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event][]entry
	all      []wildcardEntry
	closed   bool
}

func New() *Bus {
	return &Bus{handlers: map[Event][]entry{}}
}

// On registers handler for event.
func (b *Bus) On(event Event, handler Handler) Subscription {
	if b == nil || handler == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.nextID++
	b.handlers[event] = append(b.handlers[event], entry{id: b.nextID, handler: handler})
	return Subscription{event: event, id: b.nextID}
}

// OnAll registers a handler that receives every event.
func (b *Bus) OnAll(handler WildcardHandler) Subscription {
	if b == nil || handler == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.nextID++
	b.all = append(b.all, wildcardEntry{id: b.nextID, handler: handler})
	return Subscription{id: b.nextID, wildcard: true}
}

// Off removes a registration. Removing an unknown or already removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	if b == nil || sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.wildcard {
		for i, e := range b.all {
			if e.id == sub.id {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return
			}
		}
		return
	}
	list := b.handlers[sub.event]
	for i, e := range list {
		if e.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.handlers, sub.event)
		return
	}
	b.handlers[sub.event] = list
}

// Emit delivers data to every handler currently registered for event, in registration order,
// followed by the wildcard handlers. A panicking handler is logged and skipped.
func (b *Bus) Emit(event Event, data any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := append([]entry(nil), b.handlers[event]...)
	all := append([]wildcardEntry(nil), b.all...)
	b.mu.RUnlock()

	for _, e := range handlers {
		b.invoke(event, func() { e.handler(data) })
	}
	for _, e := range all {
		b.invoke(event, func() { e.handler(event, data) })
	}
}

func (b *Bus) invoke(event Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "eventbus").
				Str("event", string(event)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	fn()
}

// HandlerCount returns the number of registrations for event, or for all events when event is
// empty (wildcards included).
func (b *Bus) HandlerCount(event Event) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if event != "" {
		return len(b.handlers[event])
	}
	count := len(b.all)
	for _, list := range b.handlers {
		count += len(list)
	}
	return count
}

// Clear drops every registration but keeps the bus usable.
func (b *Bus) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.handlers = map[Event][]entry{}
	b.all = nil
	b.mu.Unlock()
}

// Close clears the registry and turns Emit, On and OnAll into no-ops.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.closed = true
	b.handlers = map[Event][]entry{}
	b.all = nil
	b.mu.Unlock()
}

func (b *Bus) Closed() bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Subscribe registers a typed handler. Payloads of any other type are ignored.
func Subscribe[T any](b *Bus, event Event, fn func(T)) Subscription {
	if fn == nil {
		return Subscription{}
	}
	return b.On(event, func(data any) {
		if v, ok := data.(T); ok {
			fn(v)
		}
	})
}
