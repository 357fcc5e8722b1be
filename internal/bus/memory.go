package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/relay/pkg/schema"
)

const defaultChannelBuffer = 64

// MemoryBus is an in-memory Bus implementation using channels.
// Unlike a fire-and-forget event hub, Publish blocks when a subscriber's
// buffer is full: command envelopes must not be dropped.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan schema.Envelope
	seq  atomic.Uint64
}

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[uint64]chan schema.Envelope),
	}
}

// Publish sends the envelope to all subscribers, blocking with the context
// when a subscriber is slow.
func (b *MemoryBus) Publish(ctx context.Context, env schema.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]chan schema.Envelope, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe creates a new subscription. Returns a receive-only channel, a
// cancel function, and any error.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan schema.Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan schema.Envelope, defaultChannelBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	return ch, cancel, nil
}
