package daemon

import (
	"sync"
)

// Broadcaster fans coordination events out to subscribers. It implements
// coord.EventSink; the websocket observer hub is its main consumer.
// Publish never blocks: a subscriber that falls behind loses events, which
// is acceptable for an observability stream backed by the audit log.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan any]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan any]struct{})}
}

// Subscribe returns a channel receiving future events and a cancel
// function that closes it. buffer bounds how far a slow subscriber may lag.
func (b *Broadcaster) Subscribe(buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Broadcaster) Publish(event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
