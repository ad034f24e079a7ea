package realtime

import (
	"context"
	"sync"
)

// Bus is the in-process transport. Publish delivers synchronously to every
// subscriber of the event.
type Bus struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

func (b *Bus) Publish(_ context.Context, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	return b.deliver(msg)
}

func (b *Bus) deliver(msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.subs[msg.Event]))
	for _, h := range b.subs[msg.Event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *Bus) Subscribe(event string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.next
	b.next++
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]Handler)
	}
	b.subs[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[event], id)
			b.mu.Unlock()
		})
	}, nil
}

// subscribers reports how many handlers are registered for event.
func (b *Bus) subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	return nil
}
