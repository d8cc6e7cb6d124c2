// Package dedup remembers which event ids were already handed to the
// orchestrator.
package dedup

import (
	"context"
	"sync"
)

// Store is the set of processed event ids.
type Store interface {
	Contains(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string) error
	// Forget drops id, used when a marked event could not be submitted.
	Forget(ctx context.Context, id string) error
}

// Memory is a process-lifetime set. When maxKeys > 0 the oldest ids are
// evicted first once the set is full.
type Memory struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	maxKeys int
}

func NewMemory(maxKeys int) *Memory {
	return &Memory{seen: make(map[string]struct{}), maxKeys: maxKeys}
}

func (m *Memory) Contains(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, ok := m.seen[id]
	m.mu.Unlock()
	return ok, nil
}

func (m *Memory) MarkSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return nil
	}
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if m.maxKeys > 0 && len(m.order) > m.maxKeys {
		evict := len(m.order) - m.maxKeys
		for _, old := range m.order[:evict] {
			delete(m.seen, old)
		}
		m.order = append(m.order[:0], m.order[evict:]...)
	}
	return nil
}

func (m *Memory) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; !ok {
		return nil
	}
	delete(m.seen, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
