package properties

import (
	"context"
	"sync"
)

// MemoryStore keeps properties in a map guarded by a RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[int64]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[int64]map[string]string)}
}

func (m *MemoryStore) NewSession() Session {
	return &memorySession{store: m}
}

func (m *MemoryStore) Purge(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.data, id)
	}
	return nil
}

// apply writes a whole transaction under one lock.
func (m *MemoryStore) apply(ops []op) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range ops {
		props := m.data[o.resourceID]
		if o.remove {
			if props != nil {
				delete(props, o.key)
				if len(props) == 0 {
					delete(m.data, o.resourceID)
				}
			}
			continue
		}
		if props == nil {
			props = make(map[string]string)
			m.data[o.resourceID] = props
		}
		props[o.key] = o.value
	}
}

type memorySession struct {
	store *MemoryStore
	tx    staged
}

func (s *memorySession) Begin(context.Context) error {
	s.tx.begin()
	return nil
}

func (s *memorySession) Commit(context.Context) error {
	s.store.apply(s.tx.take())
	return nil
}

func (s *memorySession) Rollback(context.Context) error {
	s.tx.take()
	return nil
}

func (s *memorySession) SetValue(_ context.Context, id int64, key, value string) error {
	s.tx.set(id, key, value)
	return nil
}

func (s *memorySession) Remove(_ context.Context, id int64, key string) error {
	s.tx.remove(id, key)
	return nil
}

func (s *memorySession) Value(_ context.Context, id int64, key string) (string, bool, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	v, ok := s.store.data[id][key]
	return v, ok, nil
}

func (s *memorySession) Values(_ context.Context, id int64) (map[string]string, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	out := make(map[string]string, len(s.store.data[id]))
	for k, v := range s.store.data[id] {
		out[k] = v
	}
	return out, nil
}
