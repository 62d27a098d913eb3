package sink

import (
	"context"
	"sync"

	"thermal_client/internal/models"
)

// Broadcast hands every entry to in-process subscribers such as live status
// streams. A subscriber whose buffer is full misses the entry.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[chan models.CacheEntry]struct{}
	closed bool
}

func NewBroadcast() *Broadcast {
	return &Broadcast{subs: make(map[chan models.CacheEntry]struct{})}
}

func (b *Broadcast) Name() string { return "broadcast" }

// Subscribe returns a channel of entries and a func that cancels the
// subscription. The channel is closed on cancel or when the sink closes.
func (b *Broadcast) Subscribe(buffer int) (<-chan models.CacheEntry, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan models.CacheEntry, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	return ch, func() { b.remove(ch) }
}

func (b *Broadcast) remove(ch chan models.CacheEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broadcast) Write(_ context.Context, entry models.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are open.
func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.closed = true
	return nil
}
