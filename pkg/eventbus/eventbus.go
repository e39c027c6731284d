// Package eventbus provides the typed listener-registry-with-unsubscribe
// pattern used by the Discovery Manager and Hypervisor Manager
// (SPEC_FULL.md §5). It generalizes the
// registration/cleanup shape of
// _examples/codeready-toolchain-tarsy/pkg/events/manager.go's connection
// and channel maps down to an in-process, generic fan-out: no transport,
// no catch-up replay, just synchronous notification under a private lock.
package eventbus

import "sync"

// Bus fans a value of type T out to every registered listener.
type Bus[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(T)
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{listeners: make(map[uint64]func(T))}
}

// On registers a listener and returns a func to unsubscribe it.
func (b *Bus[T]) On(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Emit notifies every currently registered listener synchronously, in
// registration order is not guaranteed. Listeners are snapshotted before
// invocation so a handler may safely unsubscribe itself or register a new
// listener without deadlocking.
func (b *Bus[T]) Emit(evt T) {
	b.mu.Lock()
	fns := make([]func(T), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// ListenerCount reports the number of currently registered listeners.
func (b *Bus[T]) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
