package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the per-subscriber queue depth.
const DefaultBufferSize = 64

// Bus broadcasts events to subscribers. Publishing never blocks: a full
// subscriber queue sheds its oldest event to make room (drop-oldest), so a
// stalled observer can delay or lose its own deliveries but can never stall
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
	closed      bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
// A non-positive size falls back to DefaultBufferSize.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		buffer:      buffer,
	}
}

// Subscribe registers a new observer and returns its id and receive channel.
// The channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber, stamping it if unstamped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Queue full: shed the oldest buffered event, then retry once. The
		// second send can still miss if the subscriber drained concurrently,
		// in which case the queue has room; try a final non-blocking send.
		select {
		case <-ch:
			log.Debug().Str("subscriber", id).Str("type", string(ev.Type)).Msg("event bus queue full, dropped oldest event")
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
