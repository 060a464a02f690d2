// Package events provides an in-process observer registry for blob arrival
// notifications.
package events

import (
	"sync"

	"github.com/meigma/blobcache/ref"
)

// Bus fans out published identifiers to every subscriber.
//
// Handlers are called synchronously from Publish, in subscription order,
// without the bus lock held. The zero value is ready to use.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(ref.ID)
	order    []uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is safe.
func (b *Bus) Subscribe(fn func(ref.ID)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[uint64]func(ref.ID))
	}
	b.next++
	key := b.next
	b.handlers[key] = fn
	b.order = append(b.order, key)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(key) })
	}
}

// Publish notifies every subscriber that id arrived.
func (b *Bus) Publish(id ref.ID) {
	b.mu.RLock()
	fns := make([]func(ref.ID), 0, len(b.order))
	for _, key := range b.order {
		fns = append(fns, b.handlers[key])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(id)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus) remove(key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
