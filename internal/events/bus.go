package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans engine and order events out to in-process listeners (the
// websocket handler, tests). Publishing never blocks the engine loop: a
// listener that falls behind loses events rather than stalling a tick.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]chan any
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[Event][]chan any)}
}

// Subscribe registers a listener for one topic and returns its channel plus
// an unsubscribe function. A non-positive buffer gets a small default; an
// unbuffered listener on a non-blocking bus would see almost nothing.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.listeners[e] = append(b.listeners[e], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.listeners[e] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// Publish delivers the payload to every listener of the topic, skipping any
// whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Listeners reports the current subscriber count for one topic.
func (b *Bus) Listeners(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[e])
}

// Dropped reports how many events were discarded on full listener buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
