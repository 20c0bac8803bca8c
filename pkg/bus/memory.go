package bus

import (
	"context"
	"sync"

	"chatrelay/pkg/models"
)

type memoryEvent struct {
	channelID string
	env       models.Envelope
}

type memorySub struct {
	ch chan memoryEvent
}

// MemoryBus is the in-process bus used for single-node deployments and
// tests. Each subscriber gets a buffered tap pumped by its own goroutine,
// preserving per-subscriber ordering; a full tap drops, like a real
// fire-and-forget broker would.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an in-process bus.
func NewMemory() *MemoryBus {
	return &MemoryBus{}
}

// Publish fans env out to every subscriber tap without blocking.
func (b *MemoryBus) Publish(_ context.Context, channelID string, env models.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, s := range b.subs {
		select {
		case s.ch <- memoryEvent{channelID: channelID, env: env}:
		default:
			droppedTotal.Inc()
		}
	}
	publishTotal.WithLabelValues("memory").Inc()
	return nil
}

// Subscribe registers h and starts its pump goroutine.
func (b *MemoryBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	s := &memorySub{ch: make(chan memoryEvent, 256)}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.ch {
			h(ev.channelID, ev.env)
		}
	}()
}

// Close stops all subscriber pumps and waits for them to drain.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
	b.wg.Wait()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
