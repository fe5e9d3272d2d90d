// Package emitter is a small typed publish/subscribe utility. Components
// embed an *Emitter by composition to expose their lifecycle events.
package emitter

import "sync"

// Subscription identifies one registered handler. Pass it to Off to
// unsubscribe.
type Subscription struct {
	event string
	id    uint64
}

type handler[T any] struct {
	id   uint64
	fn   func(T)
	once bool
}

// Emitter dispatches values of type T to handlers registered per event
// name. The zero value is ready to use. Handlers run synchronously on the
// goroutine that calls Emit, in registration order, outside the lock so a
// handler may subscribe or unsubscribe.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]handler[T]
}

// New returns an empty Emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// On registers fn for event.
func (e *Emitter[T]) On(event string, fn func(T)) Subscription {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only.
func (e *Emitter[T]) Once(event string, fn func(T)) Subscription {
	return e.add(event, fn, true)
}

func (e *Emitter[T]) add(event string, fn func(T), once bool) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]handler[T])
	}
	e.nextID++
	e.handlers[event] = append(e.handlers[event], handler[T]{id: e.nextID, fn: fn, once: once})
	return Subscription{event: event, id: e.nextID}
}

// Off removes the handler registered under sub. It reports whether the
// handler was still registered.
func (e *Emitter[T]) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.handlers[sub.event]
	for i, h := range list {
		if h.id != sub.id {
			continue
		}
		e.handlers[sub.event] = append(list[:i:i], list[i+1:]...)
		if len(e.handlers[sub.event]) == 0 {
			delete(e.handlers, sub.event)
		}
		return true
	}
	return false
}

// Emit calls every handler registered for event with value and returns
// how many ran. Once-handlers are removed before they are called.
func (e *Emitter[T]) Emit(event string, value T) int {
	e.mu.Lock()
	list := e.handlers[event]
	if len(list) == 0 {
		e.mu.Unlock()
		return 0
	}
	snapshot := make([]handler[T], len(list))
	copy(snapshot, list)
	kept := list[:0:0]
	for _, h := range list {
		if !h.once {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(e.handlers, event)
	} else {
		e.handlers[event] = kept
	}
	e.mu.Unlock()

	for _, h := range snapshot {
		h.fn(value)
	}
	return len(snapshot)
}

// Len returns the number of handlers registered for event.
func (e *Emitter[T]) Len(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

// Clear removes every handler for every event.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
