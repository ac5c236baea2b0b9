// Package events provides a small typed publish/subscribe primitive. Adding
// a listener returns a Subscription whose Dispose removes it, so listener
// lifetime is explicit.
package events

import "sync"

// Subscription is the handle returned by Event.AddListener.
type Subscription interface {
	// Dispose removes the listener. It is safe to call more than once.
	Dispose()
}

// Event fans a value out to its listeners in registration order. The zero
// value is ready to use.
type Event[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

type subscription[T any] struct {
	once  sync.Once
	event *Event[T]
	id    uint64
}

func (s *subscription[T]) Dispose() {
	s.once.Do(func() { s.event.remove(s.id) })
}

// AddListener registers fn and returns the handle that removes it.
func (e *Event[T]) AddListener(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners = append(e.listeners, listener[T]{id: e.nextID, fn: fn})
	return &subscription[T]{event: e, id: e.nextID}
}

// Raise calls every listener with v. Listeners are snapshotted first, so a
// listener may add or dispose listeners without deadlocking; such changes
// take effect from the next Raise.
func (e *Event[T]) Raise(v T) {
	e.mu.Lock()
	snapshot := make([]func(T), len(e.listeners))
	for i, l := range e.listeners {
		snapshot[i] = l.fn
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}
