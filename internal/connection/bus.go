package connection

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 16

// Bus fans lifecycle events out to subscribers. Delivery is non-blocking:
// a subscriber whose channel is full misses the event rather than stalling
// the connection path.
type Bus struct {
	logger *zap.Logger

	mu        sync.Mutex
	listeners []chan Event
	closed    bool
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger,
		listeners: make([]chan Event, 0),
	}
}

// Subscribe registers a listener. The buffer bounds how far the listener
// may fall behind before it starts missing events.
func (b *Bus) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Publish delivers an event to every listener that can take it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, listener := range b.listeners {
		select {
		case listener <- ev:
		default:
			b.logger.Debug("event subscriber full, dropping event",
				zap.String("type", string(ev.Type)),
				zap.String("device_id", string(ev.DeviceID)))
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, listener := range b.listeners {
		close(listener)
	}
	b.listeners = nil
}
