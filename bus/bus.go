package bus

import (
	"sync"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels.
const SubscriberChannelBufferSize = 256

// Bus is a process-local publish/subscribe of Events.
// Delivery is fan-out to every subscriber; subscribers filter by event
// name and tenant themselves. Sends are non-blocking: a subscriber that
// cannot keep up loses events rather than stalling publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers ev to all current subscribers.
// Returns the number of subscribers that accepted the event.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sent := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			sent++
		default:
			// Channel full - skip (non-blocking)
		}
	}
	return sent
}

// Subscribe returns a channel that receives every published event.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the bus.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing. This prevents double-close panics.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
