package events

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("event bus closed")

// Bus is the in-process delivery channel between event producers and the
// bridge. Delivery preserves publish order and never drops: Publish blocks
// until there is room or ctx ends.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Events is the single consumer side of the bus. It is closed by Close.
func (b *Bus) Events() <-chan Event { return b.ch }

// Publish enqueues ev, waiting for capacity.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	// the read lock is held across the send so Close cannot close the
	// channel underneath a blocked publisher
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Already queued events remain readable.
// Close waits for in-flight Publish calls to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Len reports queued, undelivered events.
func (b *Bus) Len() int { return len(b.ch) }
