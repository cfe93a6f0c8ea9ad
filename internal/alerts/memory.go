package alerts

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Broadcaster. It backs single-node deployments
// and tests; the delivery semantics match the redis implementation
// (best-effort, at-most-once, no replay).
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

type memorySub struct {
	bus  *MemoryBus
	room string
	ch   chan IncidentAlert
	once sync.Once
}

func (s *memorySub) Events() <-chan IncidentAlert { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, alert IncidentAlert) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !RoomMatches(s.room, alert.SessionID) {
			continue
		}
		// A slow consumer loses the event rather than blocking the publisher.
		select {
		case s.ch <- alert:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, room string) (Subscription, error) {
	_ = ctx
	s := &memorySub{bus: b, room: room, ch: make(chan IncidentAlert, 16)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}
