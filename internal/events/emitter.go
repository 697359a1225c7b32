// Package events provides typed subscription primitives shared by the call
// components.
package events

import (
	"sync"
	"sync/atomic"
)

// Emitter fans a value out to registered handlers. Handlers run on the
// emitting goroutine, outside the emitter's lock, in registration order.
type Emitter[T any] struct {
	mu       sync.RWMutex
	handlers map[int64]func(T)
	order    []int64
	nextID   atomic.Int64
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	id := e.nextID.Add(1)

	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[int64]func(T))
	}
	e.handlers[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	return func() { e.remove(id) }
}

func (e *Emitter[T]) remove(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[id]; !ok {
		return
	}
	delete(e.handlers, id)
	for i, cur := range e.order {
		if cur == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit calls every handler with v.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	handlers := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Clear removes every handler.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
	e.order = nil
}
