package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans event payloads out to channel subscribers. Publish never blocks:
// a subscriber that falls behind its buffer loses events rather than stalling
// the trading path.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]chan any
	dropped   atomic.Int64
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[Event][]chan any)}
}

// Subscribe returns a receive channel for one event plus an unsubscribe
// function that closes it. buffer sizes the channel; a buffer of 0 makes the
// subscriber lossy under any load.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.listeners[e] = append(b.listeners[e], ch)
	b.mu.Unlock()

	return ch, func() { b.drop(e, ch) }
}

// Publish delivers payload to every current subscriber of e, skipping any
// whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[e] {
		select {
		case ch <- payload:
		default:
			// subscriber buffer full, event lost for this listener
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) drop(e Event, ch chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	listeners := b.listeners[e]
	for i, c := range listeners {
		if c == ch {
			b.listeners[e] = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}
