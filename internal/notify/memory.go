package notify

import (
	"context"
	"sync"

	"github.com/pixora/api/internal/model"
)

// MemoryBus is an in-process bus for single-process deployments and tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan *model.SessionEvent]bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan *model.SessionEvent]bool)}
}

func (b *MemoryBus) Publish(_ context.Context, userID string, event *model.SessionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[userID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, userID string) (<-chan *model.SessionEvent, func(), error) {
	ch := make(chan *model.SessionEvent, 16)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan *model.SessionEvent]bool)
	}
	b.subs[userID][ch] = true
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[userID]; ok {
			if subs[ch] {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, userID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel, nil
}
